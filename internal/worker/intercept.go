package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/logging"
	"github.com/truvista/truvista-cache/internal/upstream"
)

// Strategy 标识一次请求实际走的路径，写入日志与响应头。
type Strategy string

const (
	StrategyPassthrough  Strategy = "passthrough"
	StrategyCacheFirst   Strategy = "cache_first"
	StrategyNetworkFirst Strategy = "network_first"
)

// FetchResult 是 HandleFetch 的结果。Response 归调用方所有，可以随意读取。
type FetchResult struct {
	Response  *cache.Response
	FromCache bool
	Strategy  Strategy
}

// HandleFetch 拦截一次页面请求：
//   - 未激活或非 GET：直接走网络，不读写缓存；
//   - 房源图片：cache-first，未命中时回源并在可缓存时写入图片仓库，随后异步 Trim；
//   - 其余 GET：network-first，仅在网络层出错时回退到任意仓库中的缓存。
//
// 缓存读写失败只记录日志，不会影响返回给页面的结果。
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (*FetchResult, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("worker: nil request")
	}
	if !w.Controlling() || req.Method != http.MethodGet {
		return w.passthrough(ctx, req)
	}

	target, err := w.classifier.Resolve(req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("resolve request url: %w", err)
	}
	key := target.String()

	if w.classifier.IsPropertyImage(key) {
		return w.cacheFirst(ctx, req, key)
	}
	return w.networkFirst(ctx, req, key)
}

// Fetch 以页面身份请求 rawURL 并丢弃结果，供控制器预热单张图片。
func (w *Worker) Fetch(ctx context.Context, rawURL string) error {
	target, err := w.classifier.Resolve(rawURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	_, err = w.HandleFetch(ctx, req)
	return err
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, key string) (*FetchResult, error) {
	started := time.Now()
	ctx, span := w.tracer.Start(ctx, "worker.cache_first", trace.WithAttributes(
		attribute.String("cache.key", key),
	))
	defer span.End()

	images, err := w.storage.Open(ctx, w.names.Images)
	if err != nil {
		w.logger.WithError(err).
			WithFields(logging.StoreFields(w.names.Images, key)).
			Warn("cache_open_failed")
	} else {
		cached, err := images.Match(ctx, key)
		switch {
		case err == nil:
			w.metrics.hit(ctx, StrategyCacheFirst)
			span.SetAttributes(attribute.Bool("cache.hit", true))
			w.logFetch(key, StrategyCacheFirst, cached, true, started)
			return &FetchResult{Response: cached, FromCache: true, Strategy: StrategyCacheFirst}, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			w.logger.WithError(err).
				WithFields(logging.StoreFields(w.names.Images, key)).
				Warn("cache_match_failed")
		}
	}
	w.metrics.miss(ctx, StrategyCacheFirst)
	span.SetAttributes(attribute.Bool("cache.hit", false))

	resp, _, err := w.fill(ctx, req, key)
	if err != nil {
		w.metrics.fetchError(ctx, StrategyCacheFirst)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	w.logFetch(key, StrategyCacheFirst, resp, false, started)
	return &FetchResult{Response: resp, Strategy: StrategyCacheFirst}, nil
}

type fillResult struct {
	resp   *cache.Response
	stored bool
}

// fill 回源并把可缓存的响应写入图片仓库。同一 key 的并发未命中共享一次网络请求，
// 每个调用方拿到各自的副本。共享请求不随任何一个调用方取消，只受 FetchTimeout
// 与 client 超时约束；调用方取消时只是自己提前返回，写入和 Trim 照常完成。
func (w *Worker) fill(ctx context.Context, req *http.Request, key string) (*cache.Response, bool, error) {
	shared := context.WithoutCancel(ctx)
	ch := w.fills.DoChan(key, func() (interface{}, error) {
		resp, err := w.fetch(shared, req, key, w.classifier.IsExternalURL(key))
		if err != nil {
			return nil, err
		}
		if !resp.Cacheable() {
			return fillResult{resp: resp}, nil
		}
		stored := w.put(shared, w.names.Images, key, resp.Clone())
		if stored {
			w.scheduleTrim(shared)
		}
		return fillResult{resp: resp, stored: stored}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		result := res.Val.(fillResult)
		return result.resp.Clone(), result.stored, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// put 写入缓存；失败只记录日志，返回是否写入成功。
func (w *Worker) put(ctx context.Context, name, key string, resp *cache.Response) bool {
	store, err := w.storage.Open(ctx, name)
	if err == nil {
		err = store.Put(ctx, key, resp)
	}
	if err != nil {
		w.metrics.writeError(ctx)
		w.logger.WithError(err).
			WithFields(logging.StoreFields(name, key)).
			Warn("cache_put_failed")
		return false
	}
	return true
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request, key string) (*FetchResult, error) {
	started := time.Now()
	ctx, span := w.tracer.Start(ctx, "worker.network_first", trace.WithAttributes(
		attribute.String("cache.key", key),
	))
	defer span.End()

	resp, fetchErr := w.fetch(ctx, req, key, w.classifier.IsExternalURL(key))
	if fetchErr == nil {
		w.logFetch(key, StrategyNetworkFirst, resp, false, started)
		return &FetchResult{Response: resp, Strategy: StrategyNetworkFirst}, nil
	}
	w.metrics.fetchError(ctx, StrategyNetworkFirst)

	cached, err := w.storage.Match(ctx, key)
	if err == nil {
		w.metrics.hit(ctx, StrategyNetworkFirst)
		w.logger.WithError(fetchErr).
			WithFields(logging.FetchFields(key, string(StrategyNetworkFirst), "", true)).
			Info("network_failed_served_cache")
		return &FetchResult{Response: cached, FromCache: true, Strategy: StrategyNetworkFirst}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		w.logger.WithError(err).
			WithFields(logging.StoreFields("", key)).
			Warn("cache_match_failed")
	}
	span.RecordError(fetchErr)
	span.SetStatus(codes.Error, fetchErr.Error())
	return nil, fetchErr
}

// fetch 发起一次网络请求并把正文读入自有缓冲区。external 为 true 时按 no-cors
// 模式请求：只带安全头，响应标记为 opaque。
func (w *Worker) fetch(ctx context.Context, orig *http.Request, key string, external bool) (*cache.Response, error) {
	target, err := url.Parse(key)
	if err != nil {
		return nil, err
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.networkURL(target), nil)
	if err != nil {
		return nil, err
	}
	if orig != nil {
		copyRequestHeaders(req.Header, orig.Header, external)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	typ := cache.ResponseBasic
	if external {
		typ = cache.ResponseOpaque
	}
	return cache.NewResponse(key, typ, resp)
}

// networkURL 把同源请求改写到 Upstream；跨域请求保持原样。
func (w *Worker) networkURL(target *url.URL) string {
	if w.upstream == nil || w.classifier.IsExternalURL(target.String()) {
		return target.String()
	}
	rebased := *target
	rebased.Scheme = w.upstream.Scheme
	rebased.Host = w.upstream.Host
	return rebased.String()
}

// copyRequestHeaders 复制页面请求头。Accept-Encoding 交给 Transport 协商，
// 这样正文以解压后的形式缓存，回放时不会带着 Content-Encoding 发给不支持的客户端。
func copyRequestHeaders(dst, src http.Header, noCORS bool) {
	if noCORS {
		upstream.CopyNoCORSHeaders(dst, src)
		return
	}
	upstream.CopyHeaders(dst, src)
	dst.Del("Host")
	dst.Del("Accept-Encoding")
}

func (w *Worker) logFetch(key string, strategy Strategy, resp *cache.Response, hit bool, started time.Time) {
	fields := logging.FetchFields(key, string(strategy), string(resp.Type), hit)
	if resp.Inspectable() {
		fields["status"] = resp.Status
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Debug("fetch_complete")
}
