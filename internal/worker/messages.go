package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/logging"
)

// MessageType 是页面发往 worker 的消息类型。
type MessageType string

const (
	// MessageCacheImages 批量预热图片，不回复。
	MessageCacheImages MessageType = "CACHE_IMAGES"
	// MessageClearImageCache 清空图片仓库，若提供 Reply 则回复 {success}。
	MessageClearImageCache MessageType = "CLEAR_IMAGE_CACHE"
)

// Message 与页面侧 JSON 结构一一对应。Reply 为可选的一次性回复通道，
// 调用方应使用带缓冲的 channel。
type Message struct {
	Type      MessageType  `json:"type"`
	ImageURLs []string     `json:"imageUrls,omitempty"`
	Reply     chan<- Reply `json:"-"`
}

// Reply 是 CLEAR_IMAGE_CACHE 的回复。
type Reply struct {
	Success bool `json:"success"`
}

type envelope struct {
	msg     Message
	barrier chan struct{}
}

// Post 把消息放入信箱。信箱满时阻塞直到 ctx 结束；Run 退出后返回 ErrMailboxClosed。
func (w *Worker) Post(ctx context.Context, msg Message) error {
	return w.enqueue(ctx, envelope{msg: msg})
}

func (w *Worker) enqueue(ctx context.Context, env envelope) error {
	select {
	case <-w.done:
		return ErrMailboxClosed
	default:
	}
	select {
	case w.mailbox <- env:
		return nil
	case <-w.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 逐条处理信箱消息，直到 ctx 结束。同一个 Worker 只能运行一次。
func (w *Worker) Run(ctx context.Context) error {
	started := false
	w.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("worker: Run called more than once")
	}
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-w.mailbox:
			if env.barrier != nil {
				close(env.barrier)
				continue
			}
			w.dispatch(ctx, env.msg)
		}
	}
}

// Flush 等待此前投递的所有消息以及所有后台 Trim 完成。
func (w *Worker) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	switch err := w.enqueue(ctx, envelope{barrier: barrier}); {
	case err == nil:
		select {
		case <-barrier:
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case errors.Is(err, ErrMailboxClosed):
	default:
		return err
	}
	return w.Wait(ctx)
}

func (w *Worker) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageCacheImages:
		w.cacheImages(ctx, msg.ImageURLs)
	case MessageClearImageCache:
		ok := w.clearImageCache(ctx)
		if msg.Reply == nil {
			return
		}
		select {
		case msg.Reply <- Reply{Success: ok}:
		case <-ctx.Done():
		}
	default:
		// 未知类型静默忽略
	}
}

// cacheImages 逐个预热未缓存的 URL，单个失败只记录日志，整批结束后 Trim 一次。
func (w *Worker) cacheImages(ctx context.Context, urls []string) {
	images, err := w.storage.Open(ctx, w.names.Images)
	if err != nil {
		w.logger.WithError(err).
			WithFields(logging.StoreFields(w.names.Images, "")).
			Warn("cache_open_failed")
		return
	}

	fetched := 0
	for _, raw := range urls {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		target, err := w.classifier.Resolve(raw)
		if err != nil {
			w.logger.WithError(err).WithField("url", raw).Warn("preload_invalid_url")
			continue
		}
		key := target.String()

		if _, err := images.Match(ctx, key); err == nil {
			continue
		} else if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithError(err).
				WithFields(logging.StoreFields(w.names.Images, key)).
				Warn("cache_match_failed")
		}

		resp, stored, err := w.fill(ctx, nil, key)
		if err != nil {
			w.metrics.fetchError(ctx, StrategyCacheFirst)
			w.logger.WithError(err).WithField("url", key).Warn("preload_fetch_failed")
			continue
		}
		if !stored && !resp.Cacheable() {
			w.logger.WithFields(logrus.Fields{"url": key, "status": resp.Status}).Debug("preload_not_cacheable")
		}
		fetched++
	}

	w.trimImages(ctx)
	w.logger.WithFields(logrus.Fields{
		"action":    "cache_images",
		"requested": len(urls),
		"fetched":   fetched,
	}).Debug("preload_complete")
}

// clearImageCache 删除图片仓库后立即以空仓库重建。
func (w *Worker) clearImageCache(ctx context.Context) bool {
	if _, err := w.storage.Delete(ctx, w.names.Images); err != nil {
		w.logger.WithError(err).
			WithFields(logging.StoreFields(w.names.Images, "")).
			Warn("clear_image_cache_failed")
		return false
	}
	if _, err := w.storage.Open(ctx, w.names.Images); err != nil {
		w.logger.WithError(err).
			WithFields(logging.StoreFields(w.names.Images, "")).
			Warn("clear_image_cache_reopen_failed")
		return false
	}
	w.logger.WithFields(logging.StoreFields(w.names.Images, "")).Info("image_cache_cleared")
	return true
}

// scheduleTrim 在后台执行 Trim，脱离请求的取消信号，Flush/Wait 会等待它结束。
func (w *Worker) scheduleTrim(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	w.trimStarted()
	go func() {
		defer w.trimFinished()
		w.trimImages(bg)
	}()
}

// Trim 将指定仓库压到 maxEntries 以内，逐条记录删除失败。
func (w *Worker) Trim(ctx context.Context, name string, maxEntries int) int {
	evicted, err := cache.Trim(ctx, w.storage, name, maxEntries)
	if evicted > 0 {
		w.metrics.evicted(ctx, int64(evicted))
	}
	if err != nil {
		failures := cache.KeyErrors(err)
		if len(failures) == 0 {
			w.logger.WithError(err).WithFields(logging.StoreFields(name, "")).Warn("trim_failed")
		}
		for _, failure := range failures {
			w.logger.WithError(failure.Err).
				WithFields(logging.StoreFields(name, failure.Key)).
				Warn("trim_delete_failed")
		}
	}
	if evicted > 0 {
		w.logger.WithFields(logrus.Fields{
			"store":   name,
			"evicted": evicted,
			"max":     maxEntries,
		}).Debug("trim_complete")
	}
	return evicted
}

func (w *Worker) trimImages(ctx context.Context) {
	w.Trim(ctx, w.names.Images, w.maxImages)
}
