// Package telemetry wires OpenTelemetry metric and trace providers for the
// cache service. Metrics can be exposed to Prometheus through a dedicated
// registry or written to stdout; traces can be written to stdout. Both default
// to no-op providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted in configuration.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
)

// Options selects exporters. Writer receives stdout exporter output and
// defaults to os.Stdout.
type Options struct {
	ServiceName     string
	Version         string
	MetricsExporter string
	TracingExporter string
	Writer          io.Writer
	// Global 为 true 时同时注册为 otel 全局 provider。
	Global bool
}

// Telemetry holds the configured providers. MetricsHandler is non-nil only
// when the prometheus exporter is selected.
type Telemetry struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	MetricsHandler http.Handler

	shutdown []func(context.Context) error
}

// Setup 根据配置构建 provider，调用方负责在退出时调用 Shutdown。
func Setup(ctx context.Context, opts Options) (*Telemetry, error) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	t := &Telemetry{}
	if err := t.setupMetrics(opts.MetricsExporter, writer, res); err != nil {
		return nil, err
	}
	if err := t.setupTracing(opts.TracingExporter, writer, res); err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	if opts.Global {
		otel.SetMeterProvider(t.MeterProvider)
		otel.SetTracerProvider(t.TracerProvider)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}
	return t, nil
}

func (t *Telemetry) setupMetrics(name string, writer io.Writer, res *resource.Resource) error {
	switch name {
	case ExporterNone, "":
		t.MeterProvider = metricnoop.NewMeterProvider()
	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res))
		t.MeterProvider = mp
		t.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		t.shutdown = append(t.shutdown, mp.Shutdown)
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(writer))
		if err != nil {
			return fmt.Errorf("create stdout metrics exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
			sdkmetric.WithResource(res),
		)
		t.MeterProvider = mp
		t.shutdown = append(t.shutdown, mp.Shutdown)
	default:
		return fmt.Errorf("unknown metrics exporter: %q", name)
	}
	return nil
}

func (t *Telemetry) setupTracing(name string, writer io.Writer, res *resource.Resource) error {
	switch name {
	case ExporterNone, "":
		t.TracerProvider = tracenoop.NewTracerProvider()
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(writer))
		if err != nil {
			return fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		t.TracerProvider = tp
		t.shutdown = append(t.shutdown, tp.Shutdown)
	default:
		return fmt.Errorf("unknown tracing exporter: %q", name)
	}
	return nil
}

// Shutdown flushes and stops every provider, returning all errors joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
