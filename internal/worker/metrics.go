package worker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments 汇总 worker 上报的计数器。未配置 MeterProvider 时使用全局
// provider，默认即 noop。
type instruments struct {
	hits        metric.Int64Counter
	misses      metric.Int64Counter
	fetchErrors metric.Int64Counter
	writeErrors metric.Int64Counter
	evictions   metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	hits, err := meter.Int64Counter(
		"truvista.cache.hits",
		metric.WithDescription("Requests answered from a cache store"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"truvista.cache.misses",
		metric.WithDescription("Cache-first requests that had to go to the network"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	fetchErrors, err := meter.Int64Counter(
		"truvista.fetch.errors",
		metric.WithDescription("Network fetches that failed at the transport level"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	writeErrors, err := meter.Int64Counter(
		"truvista.cache.write_errors",
		metric.WithDescription("Cache writes that failed and were skipped"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"truvista.cache.evictions",
		metric.WithDescription("Entries removed from the image store by trimming"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{
		hits:        hits,
		misses:      misses,
		fetchErrors: fetchErrors,
		writeErrors: writeErrors,
		evictions:   evictions,
	}, nil
}

func strategyAttr(strategy Strategy) metric.AddOption {
	return metric.WithAttributes(attribute.String("strategy", string(strategy)))
}

func (m *instruments) hit(ctx context.Context, strategy Strategy) {
	m.hits.Add(ctx, 1, strategyAttr(strategy))
}

func (m *instruments) miss(ctx context.Context, strategy Strategy) {
	m.misses.Add(ctx, 1, strategyAttr(strategy))
}

func (m *instruments) fetchError(ctx context.Context, strategy Strategy) {
	m.fetchErrors.Add(ctx, 1, strategyAttr(strategy))
}

func (m *instruments) writeError(ctx context.Context) {
	m.writeErrors.Add(ctx, 1)
}

func (m *instruments) evicted(ctx context.Context, n int64) {
	m.evictions.Add(ctx, n)
}
