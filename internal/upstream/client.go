// Package upstream holds the shared HTTP client the cache worker uses for
// every network fetch, plus the header filtering rules applied when a page
// request is replayed against the origin.
package upstream

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/truvista/truvista-cache/internal/config"
)

// DefaultTimeout 是未配置 UpstreamTimeout 时的整体请求超时。
const DefaultTimeout = 30 * time.Second

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回 worker 共享的 http.Client。重定向交给 client 自动跟随，
// 与页面发起的 fetch 行为一致。
func NewClient(cfg *config.Config) *http.Client {
	timeout := DefaultTimeout
	if cfg != nil && cfg.Cache.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Cache.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	// 正向代理自身也会读取 HTTP(S)_PROXY，worker 的出站请求不能再绕回本进程。
	transport.Proxy = nil

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// noCORSHeaders 是 no-cors 模式允许带出的安全头，凭证类字段一律丢弃。
var noCORSHeaders = map[string]struct{}{
	"Accept":          {},
	"Accept-Language": {},
	"User-Agent":      {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// CopyNoCORSHeaders 只复制跨域 no-cors 请求可携带的头，Cookie/Authorization 不会外泄。
func CopyNoCORSHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, ok := noCORSHeaders[textproto.CanonicalMIMEHeaderKey(key)]; !ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
