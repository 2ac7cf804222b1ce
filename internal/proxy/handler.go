package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/logging"
	"github.com/truvista/truvista-cache/internal/server"
	"github.com/truvista/truvista-cache/internal/upstream"
	"github.com/truvista/truvista-cache/internal/worker"
)

const (
	// HeaderCacheHit 标记响应是否来自缓存。
	HeaderCacheHit = "X-Truvista-Cache-Hit"
	// HeaderStrategy 标记 worker 实际采用的策略。
	HeaderStrategy = "X-Truvista-Strategy"
)

// Handler 是同源前端：把 Fiber 请求还原为页面请求，交给 worker 拦截后写回。
type Handler struct {
	worker *worker.Worker
	logger *logrus.Logger
}

// NewHandler constructs the same-origin front around a worker.
func NewHandler(w *worker.Worker, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{worker: w, logger: logger}
}

// Handle 实现 server.FrontHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := h.buildRequest(ctx, c)
	if err != nil {
		h.logResult(c, requestID, nil, started, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	result, err := h.worker.HandleFetch(ctx, req)
	if err != nil {
		h.logResult(c, requestID, nil, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}

	h.logResult(c, requestID, result, started, nil)
	return writeResult(c, result)
}

// buildRequest 以配置的 origin 重建页面请求 URL，保留方法、头部与正文。
func (h *Handler) buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	target := h.worker.Classifier().Origin()
	target.Path = requestPath(c)
	target.RawQuery = string(c.Request().URI().QueryString())

	var body io.Reader
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	return req, nil
}

func writeResult(c fiber.Ctx, result *worker.FetchResult) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCacheHit, strconv.FormatBool(result.FromCache))
	c.Set(HeaderStrategy, string(result.Strategy))
	c.Status(replayStatus(resp))
	return c.Send(resp.Body)
}

// replayStatus 返回回放时使用的状态码；缺失时按 200 处理。
func replayStatus(resp *cache.Response) int {
	if resp.Status == 0 {
		return http.StatusOK
	}
	return resp.Status
}

func (h *Handler) logResult(c fiber.Ctx, requestID string, result *worker.FetchResult, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "front",
		"method":     c.Method(),
		"path":       c.Path(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("front_failed")
		return
	}
	fields["strategy"] = result.Strategy
	fields["cache_hit"] = result.FromCache
	if result.Response.Inspectable() {
		fields["status"] = result.Response.Status
	}
	h.logger.WithFields(fields).Debug("front_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
