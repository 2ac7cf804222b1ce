package worker

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/classify"
	"github.com/truvista/truvista-cache/internal/logging"
)

const testOrigin = "https://app.truvista.in"

var testNames = Names{Assets: "truvista-cache-v1", Images: "truvista-image-cache-v1"}

// countingServer 记录每个路径被请求的次数，可按路径指定状态码。
type countingServer struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	status   map[string]int
	delay    map[string]time.Duration
	gzipped  map[string]bool
	lastAuth map[string]string
}

func newCountingServer(t *testing.T) *countingServer {
	t.Helper()
	cs := &countingServer{
		hits:     make(map[string]int),
		status:   make(map[string]int),
		delay:    make(map[string]time.Duration),
		gzipped:  make(map[string]bool),
		lastAuth: make(map[string]string),
	}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.hits[r.URL.Path]++
		cs.lastAuth[r.URL.Path] = r.Header.Get("Authorization")
		status := cs.status[r.URL.Path]
		delay := cs.delay[r.URL.Path]
		gz := cs.gzipped[r.URL.Path] && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
		cs.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if gz {
			w.Header().Set("Content-Encoding", "gzip")
			w.WriteHeader(status)
			zw := gzip.NewWriter(w)
			_, _ = fmt.Fprintf(zw, "%s %s", r.Method, r.URL.Path)
			_ = zw.Close()
			return
		}
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *countingServer) count(path string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits[path]
}

func (cs *countingServer) total() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, v := range cs.hits {
		n += v
	}
	return n
}

func (cs *countingServer) setStatus(path string, status int) {
	cs.mu.Lock()
	cs.status[path] = status
	cs.mu.Unlock()
}

func (cs *countingServer) setDelay(path string, d time.Duration) {
	cs.mu.Lock()
	cs.delay[path] = d
	cs.mu.Unlock()
}

// setGzip 让该路径在请求声明支持 gzip 时返回压缩正文。
func (cs *countingServer) setGzip(path string) {
	cs.mu.Lock()
	cs.gzipped[path] = true
	cs.mu.Unlock()
}

func (cs *countingServer) auth(path string) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastAuth[path]
}

// rewriteTransport 把所有请求（包括跨域图片）改写到测试服务器，并记录原始 host。
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper

	offline atomic.Bool

	mu    sync.Mutex
	hosts []string
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.hosts = append(rt.hosts, req.URL.Host)
	rt.mu.Unlock()

	if rt.offline.Load() {
		return nil, errOffline
	}
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	out.Host = ""
	return rt.base.RoundTrip(out)
}

func (rt *rewriteTransport) seen() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.hosts...)
}

var errOffline = errors.New("network unreachable")

type harness struct {
	worker    *Worker
	storage   cache.Storage
	origin    *countingServer
	transport *rewriteTransport
}

type harnessOption func(*Options)

func withMaxImages(n int) harnessOption {
	return func(o *Options) { o.MaxImageEntries = n }
}

func withPrecache(paths ...string) harnessOption {
	return func(o *Options) { o.Precache = paths }
}

func withStorage(storage cache.Storage) harnessOption {
	return func(o *Options) { o.Storage = storage }
}

func withFetchTimeout(d time.Duration) harnessOption {
	return func(o *Options) { o.FetchTimeout = d }
}

// newHarness 构建一个同源请求指向 countingServer 的 worker，并启动其消息循环。
// activate 为 true 时完成 Install + Activate。
func newHarness(t *testing.T, activate bool, opts ...harnessOption) *harness {
	t.Helper()
	origin := newCountingServer(t)
	upstreamURL, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatalf("parse origin url: %v", err)
	}
	classifier, err := classify.New(testOrigin, nil, nil)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}

	options := Options{
		Logger:     logging.NewDiscardLogger(),
		Storage:    cache.NewMemoryStorage(),
		Client:     &http.Client{Transport: &rewriteTransport{target: upstreamURL, base: origin.Client().Transport}},
		Classifier: classifier,
		Upstream:   upstreamURL,
		Names:      testNames,
	}
	for _, opt := range opts {
		opt(&options)
	}

	w, err := New(options)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	if activate {
		if err := w.Install(context.Background()); err != nil {
			t.Fatalf("install: %v", err)
		}
		if err := w.Activate(context.Background()); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	transport, _ := options.Client.Transport.(*rewriteTransport)
	return &harness{worker: w, storage: options.Storage, origin: origin, transport: transport}
}

func (h *harness) get(t *testing.T, rawURL string) *FetchResult {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	result, err := h.worker.HandleFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("handle fetch %s: %v", rawURL, err)
	}
	return result
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.worker.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (h *harness) keys(t *testing.T, name string) []string {
	t.Helper()
	store, err := h.storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	return keys
}
