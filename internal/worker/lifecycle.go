package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/logging"
)

// State 是 worker 生命周期状态。
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Controlling 表示 worker 是否已经接管请求拦截。
func (w *Worker) Controlling() bool {
	return w.State() == StateActivated
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install 打开通用资源仓库并预缓存应用外壳。单个资源失败只记录日志，
// 不会中断安装；结束后立即进入 installed，可直接激活（skip waiting）。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	ctx, span := w.tracer.Start(ctx, "worker.install")
	defer span.End()

	store, err := w.storage.Open(ctx, w.names.Assets)
	if err != nil {
		w.setState(StateUninstalled)
		return fmt.Errorf("open assets store: %w", err)
	}

	cached := 0
	for _, raw := range w.precache {
		if err := w.precacheOne(ctx, store, raw); err != nil {
			w.logger.WithError(err).
				WithFields(logging.StoreFields(store.Name(), raw)).
				Warn("precache_failed")
			continue
		}
		cached++
	}

	w.setState(StateInstalled)
	w.logger.WithFields(logrus.Fields{
		"action":   "install",
		"store":    store.Name(),
		"precache": len(w.precache),
		"cached":   cached,
	}).Info("worker_installed")
	return nil
}

func (w *Worker) precacheOne(ctx context.Context, store cache.Store, raw string) error {
	target, err := w.classifier.Resolve(raw)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", raw, err)
	}
	key := target.String()
	resp, err := w.fetch(ctx, nil, key, false)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return store.Put(ctx, key, resp)
}

// Activate 删除所有不属于当前版本的仓库，全部删除完成后才接管请求（claim）。
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	ctx, span := w.tracer.Start(ctx, "worker.activate")
	defer span.End()

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list stores: %w", err)
	}

	keep := map[string]struct{}{
		w.names.Assets: {},
		w.names.Images: {},
	}
	var removed []string
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.WithError(err).
				WithFields(logging.StoreFields(name, "")).
				Warn("stale_store_delete_failed")
			continue
		}
		removed = append(removed, name)
	}

	w.setState(StateActivated)
	w.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"removed": removed,
	}).Info("worker_activated")
	return nil
}

// passthrough 在激活前或非 GET 请求时直接转发到网络，不读写缓存。
func (w *Worker) passthrough(ctx context.Context, req *http.Request) (*FetchResult, error) {
	target, err := w.classifier.Resolve(req.URL.String())
	if err != nil {
		return nil, err
	}
	outbound, err := http.NewRequestWithContext(ctx, req.Method, w.networkURL(target), req.Body)
	if err != nil {
		return nil, err
	}
	outbound.ContentLength = req.ContentLength
	copyRequestHeaders(outbound.Header, req.Header, false)

	resp, err := w.client.Do(outbound)
	if err != nil {
		return nil, err
	}
	captured, err := cache.NewResponse(target.String(), cache.ResponseBasic, resp)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Response: captured, Strategy: StrategyPassthrough}, nil
}
