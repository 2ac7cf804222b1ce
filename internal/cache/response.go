package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ResponseType 对应 fetch 语义中的 response.type。
type ResponseType string

const (
	// ResponseBasic 是同源/默认模式拿到的响应，状态码与正文均可读取。
	ResponseBasic ResponseType = "basic"
	// ResponseOpaque 是跨域 no-cors 模式拿到的响应：正文照样保存与回放，
	// 但调用方不得据此判断状态或统计大小。
	ResponseOpaque ResponseType = "opaque"
)

// Response 是一次网络响应的自有副本。正文只从网络读取一次，随后通过 Clone
// 派生出互不影响的两份：一份写缓存，一份返回给调用方。
type Response struct {
	URL      string
	Type     ResponseType
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewResponse 读取并关闭 resp.Body，生成指定类型的 Response。
func NewResponse(url string, typ ResponseType, resp *http.Response) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response for %s", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if typ == "" {
		typ = ResponseBasic
	}
	return &Response{
		URL:    url,
		Type:   typ,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// Clone 返回深拷贝。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Opaque 表示响应是否为跨域不透明响应。
func (r *Response) Opaque() bool {
	return r.Type == ResponseOpaque
}

// Inspectable 表示调用方能否读取状态码与正文。
func (r *Response) Inspectable() bool {
	return !r.Opaque()
}

// OK 仅对可读取的响应成立：状态码位于 2xx。
func (r *Response) OK() bool {
	return r.Inspectable() && r.Status >= 200 && r.Status < 300
}

// Cacheable 判断响应能否写入图片缓存：不透明响应无法检查，一律视为可缓存；
// 默认模式响应仅在 2xx 时可缓存。
func (r *Response) Cacheable() bool {
	return r.Opaque() || r.OK()
}

// BodySize 返回正文字节数；不透明响应返回 (0, false)。
func (r *Response) BodySize() (int64, bool) {
	if !r.Inspectable() {
		return 0, false
	}
	return int64(len(r.Body)), true
}

// HTTPResponse 基于缓冲区构造一个新的 *http.Response 视图，可被多次调用。
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
