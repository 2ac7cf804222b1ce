// Package controller is the page-side helper for the image cache worker. It
// talks to a worker through a Port (in-process or over HTTP) for everything
// that mutates the cache, and reads the shared cache storage directly for
// lookups and statistics.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/classify"
	"github.com/truvista/truvista-cache/internal/logging"
	"github.com/truvista/truvista-cache/internal/worker"
)

// DefaultReplyTimeout 限制 ClearImageCache 等待回复的时间。
const DefaultReplyTimeout = 10 * time.Second

// Port 是页面到 worker 的通道。
type Port interface {
	// Post 投递一条消息；带 Reply 的消息由实现负责把回复写回。
	Post(ctx context.Context, msg worker.Message) error
	// Fetch 以页面身份请求 URL，经过 worker 的拦截逻辑。
	Fetch(ctx context.Context, rawURL string) error
	// Active 表示 worker 是否已激活并接管请求。
	Active(ctx context.Context) bool
}

// Options 描述 Controller 的依赖。Port 为空表示当前环境没有 worker。
type Options struct {
	Port         Port
	Storage      cache.Storage
	ImageStore   string
	Classifier   *classify.Classifier
	Logger       *logrus.Logger
	ReplyTimeout time.Duration
}

// Stats 是图片仓库的统计结果。Size 只累计可读取正文的条目。
type Stats struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

// Controller 提供预热、清空、统计与按需加载图片的页面侧 API。
type Controller struct {
	port         Port
	storage      cache.Storage
	imageStore   string
	classifier   *classify.Classifier
	logger       *logrus.Logger
	replyTimeout time.Duration
}

// New 构建 Controller。
func New(opts Options) (*Controller, error) {
	if opts.Storage == nil {
		return nil, errors.New("controller: storage is required")
	}
	if opts.ImageStore == "" {
		return nil, errors.New("controller: image store name is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("controller: classifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	timeout := opts.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &Controller{
		port:         opts.Port,
		storage:      opts.Storage,
		imageStore:   opts.ImageStore,
		classifier:   opts.Classifier,
		logger:       logger,
		replyTimeout: timeout,
	}, nil
}

func (c *Controller) active(ctx context.Context) bool {
	return c.port != nil && c.port.Active(ctx)
}

// PreloadImages 投递 CACHE_IMAGES，不等待结果。没有 worker 时直接忽略。
func (c *Controller) PreloadImages(ctx context.Context, urls []string) {
	if len(urls) == 0 || !c.active(ctx) {
		return
	}
	msg := worker.Message{
		Type:      worker.MessageCacheImages,
		ImageURLs: append([]string(nil), urls...),
	}
	if err := c.port.Post(ctx, msg); err != nil {
		c.logger.WithError(err).WithField("count", len(urls)).Warn("preload_post_failed")
	}
}

// ClearImageCache 发送 CLEAR_IMAGE_CACHE 并等待 {success}。超时或投递失败返回 false。
func (c *Controller) ClearImageCache(ctx context.Context) bool {
	if !c.active(ctx) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.replyTimeout)
	defer cancel()

	reply := make(chan worker.Reply, 1)
	msg := worker.Message{Type: worker.MessageClearImageCache, Reply: reply}
	if err := c.port.Post(ctx, msg); err != nil {
		c.logger.WithError(err).Warn("clear_post_failed")
		return false
	}
	select {
	case r := <-reply:
		return r.Success
	case <-ctx.Done():
		c.logger.WithError(ctx.Err()).Warn("clear_reply_timeout")
		return false
	}
}

// GetCacheStats 直接读取图片仓库：统计全部条目数，累计可读取正文的字节数。
// 不透明响应计入条目数但不计入大小。
func (c *Controller) GetCacheStats(ctx context.Context) (Stats, error) {
	exists, err := c.storage.Has(ctx, c.imageStore)
	if err != nil {
		return Stats{}, err
	}
	if !exists {
		return Stats{}, nil
	}
	store, err := c.storage.Open(ctx, c.imageStore)
	if err != nil {
		return Stats{}, err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Count: len(keys)}
	for _, key := range keys {
		resp, err := store.Match(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue
			}
			return stats, fmt.Errorf("read %s: %w", key, err)
		}
		if size, ok := resp.BodySize(); ok {
			stats.Size += size
		}
	}
	return stats, nil
}

// IsImageCached 判断图片仓库中是否存在该 URL。
func (c *Controller) IsImageCached(ctx context.Context, rawURL string) bool {
	key, err := c.key(rawURL)
	if err != nil {
		return false
	}
	exists, err := c.storage.Has(ctx, c.imageStore)
	if err != nil || !exists {
		return false
	}
	store, err := c.storage.Open(ctx, c.imageStore)
	if err != nil {
		return false
	}
	_, err = store.Match(ctx, key)
	return err == nil
}

// LoadCachedImage 返回可直接使用的图片 URL：
//   - 没有激活的 worker：原样返回；
//   - 已缓存：原样返回；
//   - preloadOnly：后台预热后原样返回；
//   - 否则经 worker 拉取一次（写入缓存）后返回。
func (c *Controller) LoadCachedImage(ctx context.Context, rawURL string, preloadOnly bool) (string, error) {
	if !c.active(ctx) {
		return rawURL, nil
	}
	if c.IsImageCached(ctx, rawURL) {
		return rawURL, nil
	}
	if preloadOnly {
		c.PreloadImages(ctx, []string{rawURL})
		return rawURL, nil
	}
	if err := c.port.Fetch(ctx, rawURL); err != nil {
		return rawURL, fmt.Errorf("load %s: %w", rawURL, err)
	}
	return rawURL, nil
}

func (c *Controller) key(rawURL string) (string, error) {
	target, err := c.classifier.Resolve(rawURL)
	if err != nil {
		return "", err
	}
	return target.String(), nil
}

// LocalPort 把同进程内的 Worker 适配为 Port。
type LocalPort struct {
	Worker *worker.Worker
}

// Post 直接投递到 worker 信箱。
func (p LocalPort) Post(ctx context.Context, msg worker.Message) error {
	return p.Worker.Post(ctx, msg)
}

// Fetch 调用 worker 的拦截逻辑。
func (p LocalPort) Fetch(ctx context.Context, rawURL string) error {
	return p.Worker.Fetch(ctx, rawURL)
}

// Active 对应 worker 是否处于 activated。
func (p LocalPort) Active(context.Context) bool {
	return p.Worker != nil && p.Worker.Controlling()
}
