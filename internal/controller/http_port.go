package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/truvista/truvista-cache/internal/classify"
	"github.com/truvista/truvista-cache/internal/server"
	"github.com/truvista/truvista-cache/internal/worker"
)

// tokenTTL 是每次请求签发的控制令牌有效期。
const tokenTTL = time.Minute

// HTTPPortOptions 描述如何连接另一个进程里的 worker。
type HTTPPortOptions struct {
	// ControlURL 是 Fiber 服务地址，例如 http://127.0.0.1:5000。
	ControlURL string
	// ProxyURL 非空时，Fetch 通过该正向代理发出；否则同源 URL 走同源前端，
	// 其余 URL 走 POST /-/fetch，由 worker 按原始 host 请求。
	ProxyURL string
	// Classifier 用于判断绝对 URL 是否同源；为空时只有相对 URL 走同源前端。
	Classifier *classify.Classifier
	// Secret 与服务端 ControlSecret 一致时附带 Bearer JWT。
	Secret string
	Client *http.Client
}

// HTTPPort 通过控制接口与远端 worker 通信。
type HTTPPort struct {
	control    *url.URL
	secret     string
	client     *http.Client
	fetcher    *http.Client
	classifier *classify.Classifier
}

// NewHTTPPort 校验地址并构建 HTTPPort。
func NewHTTPPort(opts HTTPPortOptions) (*HTTPPort, error) {
	control, err := url.Parse(strings.TrimRight(opts.ControlURL, "/"))
	if err != nil || control.Scheme == "" || control.Host == "" {
		return nil, fmt.Errorf("invalid control url %q", opts.ControlURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	fetcher := client
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", opts.ProxyURL)
		}
		transport := &http.Transport{}
		if base, ok := client.Transport.(*http.Transport); ok && base != nil {
			transport = base.Clone()
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		proxied := *client
		proxied.Transport = transport
		fetcher = &proxied
	}

	return &HTTPPort{
		control:    control,
		secret:     opts.Secret,
		client:     client,
		fetcher:    fetcher,
		classifier: opts.Classifier,
	}, nil
}

// Post 把消息以 JSON 发到 /-/messages。带 Reply 的消息会解析 {success} 并写回。
func (p *HTTPPort) Post(ctx context.Context, msg worker.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := p.newControlRequest(ctx, http.MethodPost, "/-/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return controlError(resp)
	}
	if msg.Reply == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var reply worker.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	select {
	case msg.Reply <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch 以页面身份请求图片并丢弃正文，返回时 worker 已完成这次请求。
func (p *HTTPPort) Fetch(ctx context.Context, rawURL string) error {
	if p.fetcher != p.client {
		return p.fetchVia(ctx, p.fetcher, rawURL)
	}
	if !p.sameOrigin(rawURL) {
		return p.fetchThroughControl(ctx, rawURL)
	}
	rebased, err := p.rebase(rawURL)
	if err != nil {
		return err
	}
	return p.fetchVia(ctx, p.client, rebased)
}

func (p *HTTPPort) fetchVia(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set(server.RequestIDHeader, uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// fetchThroughControl 通过 /-/fetch 让 worker 请求原始 URL，跨域图片的 host 得以保留。
func (p *HTTPPort) fetchThroughControl(ctx context.Context, rawURL string) error {
	payload, err := json.Marshal(map[string]string{"url": rawURL})
	if err != nil {
		return err
	}
	req, err := p.newControlRequest(ctx, http.MethodPost, "/-/fetch", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return controlError(resp)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// sameOrigin 判断 URL 能否交给同源前端：相对 URL 一定可以，绝对 URL 需要分类器确认。
func (p *HTTPPort) sameOrigin(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	if !parsed.IsAbs() && parsed.Host == "" {
		return true
	}
	return p.classifier != nil && !p.classifier.IsExternalURL(rawURL)
}

// Active 查询 /-/caches 中的 worker 状态。
func (p *HTTPPort) Active(ctx context.Context) bool {
	req, err := p.newControlRequest(ctx, http.MethodGet, "/-/caches", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.State == worker.StateActivated.String()
}

func (p *HTTPPort) newControlRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.control.String()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(server.RequestIDHeader, uuid.NewString())
	if p.secret != "" {
		token, err := server.SignControlToken(p.secret, "controller", tokenTTL)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// rebase 把页面 URL 的路径与查询串改写到控制服务的同源前端。
func (p *HTTPPort) rebase(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	rebased := *p.control
	rebased.Path = parsed.Path
	rebased.RawPath = parsed.RawPath
	rebased.RawQuery = parsed.RawQuery
	return rebased.String(), nil
}

func controlError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Status: resp.StatusCode, Code: body.Error}
}

// StatusError 是控制接口返回的非 2xx 结果。
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control api returned %d: %s", e.Status, e.Code)
}

// IsUnauthorized 判断错误是否源于控制令牌被拒。
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized
}
