package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/truvista/truvista-cache/internal/controller"
	"github.com/truvista/truvista-cache/internal/server"
	"github.com/truvista/truvista-cache/internal/worker"
)

// DefaultReplyTimeout 限制 CLEAR_IMAGE_CACHE 在 HTTP 请求里等待回复的时间。
const DefaultReplyTimeout = 10 * time.Second

// ControlOptions 汇总控制路由所需的依赖。Metrics 为空时不注册 /-/metrics。
type ControlOptions struct {
	Worker       *worker.Worker
	Controller   *controller.Controller
	Logger       *logrus.Logger
	Metrics      http.Handler
	ReplyTimeout time.Duration
}

// RegisterControlRoutes 暴露页面到 worker 的消息通道、同步预取与缓存诊断接口。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil || opts.Worker == nil || opts.Controller == nil {
		return
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}

	app.Post("/-/messages", func(c fiber.Ctx) error {
		return handleMessage(c, opts)
	})

	app.Post("/-/fetch", func(c fiber.Ctx) error {
		return handleFetch(c, opts)
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		payload, err := buildCachesPayload(c.Context(), opts)
		if err != nil {
			opts.Logger.WithError(err).
				WithField("request_id", server.RequestID(c)).
				Warn("cache_diagnostics_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(payload)
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
}

func handleMessage(c fiber.Ctx, opts ControlOptions) error {
	var msg worker.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(string(msg.Type)) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
	}

	fields := logrus.Fields{
		"action":     "message",
		"type":       msg.Type,
		"request_id": server.RequestID(c),
	}

	if msg.Type != worker.MessageClearImageCache {
		if err := opts.Worker.Post(c.Context(), msg); err != nil {
			return renderPostFailure(c, opts.Logger, fields, err)
		}
		opts.Logger.WithFields(fields).WithField("count", len(msg.ImageURLs)).Debug("message_accepted")
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	}

	ctx, cancel := context.WithTimeout(c.Context(), opts.ReplyTimeout)
	defer cancel()
	reply := make(chan worker.Reply, 1)
	msg.Reply = reply
	if err := opts.Worker.Post(ctx, msg); err != nil {
		return renderPostFailure(c, opts.Logger, fields, err)
	}
	select {
	case r := <-reply:
		opts.Logger.WithFields(fields).WithField("success", r.Success).Info("message_replied")
		return c.JSON(r)
	case <-ctx.Done():
		opts.Logger.WithFields(fields).Warn("message_reply_timeout")
		return c.Status(fiber.StatusGatewayTimeout).JSON(worker.Reply{Success: false})
	}
}

type fetchRequest struct {
	URL string `json:"url"`
}

// handleFetch 以页面身份让 worker 请求任意 URL（包括跨域图片），完成后才返回，
// 供远端控制器等待单张图片入缓存。
func handleFetch(c fiber.Ctx, opts ControlOptions) error {
	var body fetchRequest
	if err := json.Unmarshal(c.Body(), &body); err != nil || strings.TrimSpace(body.URL) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	fields := logrus.Fields{
		"action":     "fetch",
		"url":        body.URL,
		"request_id": server.RequestID(c),
	}
	if err := opts.Worker.Fetch(c.Context(), body.URL); err != nil {
		opts.Logger.WithError(err).WithFields(fields).Warn("control_fetch_failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	opts.Logger.WithFields(fields).Debug("control_fetch_complete")
	return c.JSON(fiber.Map{"fetched": true})
}

func renderPostFailure(c fiber.Ctx, logger *logrus.Logger, fields logrus.Fields, err error) error {
	logger.WithError(err).WithFields(fields).Warn("message_post_failed")
	if errors.Is(err, worker.ErrMailboxClosed) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "mailbox_busy"})
}

type storePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type cachesPayload struct {
	State       string           `json:"state"`
	Controlling bool             `json:"controlling"`
	Capacity    int              `json:"capacity"`
	Stores      []storePayload   `json:"stores"`
	Images      controller.Stats `json:"images"`
}

func buildCachesPayload(ctx context.Context, opts ControlOptions) (cachesPayload, error) {
	w := opts.Worker
	payload := cachesPayload{
		State:       w.State().String(),
		Controlling: w.Controlling(),
		Capacity:    w.MaxImageEntries(),
		Stores:      []storePayload{},
	}

	storage := w.Storage()
	names, err := storage.Names(ctx)
	if err != nil {
		return payload, err
	}
	sort.Strings(names)
	current := w.Names()
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return payload, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return payload, err
		}
		payload.Stores = append(payload.Stores, storePayload{
			Name:    name,
			Entries: len(keys),
			Current: name == current.Assets || name == current.Images,
		})
	}

	stats, err := opts.Controller.GetCacheStats(ctx)
	if err != nil {
		return payload, err
	}
	payload.Images = stats
	return payload, nil
}
