// Package classify decides how the cache worker treats a request URL: whether
// it points at an image, whether that image is property media (cache-first),
// and whether it leaves the page origin (restricted no-cors fetch). All
// functions are pure; the only state is the configured origin and allow-lists.
package classify

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

var (
	// DefaultExtensions 是图片扩展名白名单（不含点，小写）。
	DefaultExtensions = []string{"jpg", "jpeg", "png", "gif", "webp", "svg", "avif"}
	// DefaultMarkers 标识房源媒体的路径片段与对象存储域名。
	DefaultMarkers = []string{
		"/property-images/",
		"/properties/",
		"/media/",
		"/images/properties/",
		"s3.amazonaws.com",
	}
)

// Classifier 持有页面 origin 与两份白名单。零值不可用，请使用 New。
type Classifier struct {
	origin     *url.URL
	extensions map[string]struct{}
	markers    []string
}

// New 构建 Classifier。extensions/markers 为空时使用默认值。
func New(origin string, extensions, markers []string) (*Classifier, error) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("origin must be an absolute http(s) URL")
	}
	parsed = &url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: parsed.Host}

	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if len(markers) == 0 {
		markers = DefaultMarkers
	}

	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			exts[ext] = struct{}{}
		}
	}
	return &Classifier{
		origin:     parsed,
		extensions: exts,
		markers:    append([]string(nil), markers...),
	}, nil
}

// Origin 返回页面 origin（scheme://host[:port]）。
func (c *Classifier) Origin() *url.URL {
	copied := *c.origin
	return &copied
}

// Resolve 将相对 URL 解析为基于 origin 的绝对 URL。
func (c *Classifier) Resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return c.origin.ResolveReference(ref), nil
}

// IsImageURL 判断 URL 路径（忽略查询串）是否以图片扩展名结尾，大小写不敏感。
func (c *Classifier) IsImageURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" {
		return false
	}
	_, ok := c.extensions[strings.ToLower(ext)]
	return ok
}

// IsPropertyImage 在 IsImageURL 的基础上要求 URL 含有任一房源媒体标记。
// 未命中标记的图片会走普通的 network-first 路径。
func (c *Classifier) IsPropertyImage(raw string) bool {
	if !c.IsImageURL(raw) {
		return false
	}
	for _, marker := range c.markers {
		if marker != "" && strings.Contains(raw, marker) {
			return true
		}
	}
	return false
}

// IsExternalURL 判断 URL 的 origin 是否与页面 origin 不同；相对 URL 视为同源。
func (c *Classifier) IsExternalURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Host == "" && u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = c.origin.Scheme
	}
	if scheme != c.origin.Scheme {
		return true
	}
	return hostPort(scheme, u.Host) != hostPort(c.origin.Scheme, c.origin.Host)
}

func hostPort(scheme, host string) string {
	name, port := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		name, port = h, p
	}
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return net.JoinHostPort(name, port)
}
