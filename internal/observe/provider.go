package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SDKConfig configures [Setup].
type SDKConfig struct {
	// ServiceName defaults to "medscribe".
	ServiceName    string
	ServiceVersion string

	// SampleRatio is the share of new traces that are sampled. Values
	// outside (0, 1) sample everything. Child spans follow their parent.
	SampleRatio float64

	// TraceExporter receives finished spans. Nil keeps spans in-process,
	// which still yields correlation ids for logs and responses.
	TraceExporter sdktrace.SpanExporter
}

// SDK owns the OpenTelemetry meter and tracer providers and the Prometheus
// registry that /metrics serves.
type SDK struct {
	// Metrics are the application instruments bound to this SDK.
	Metrics *Metrics

	registry *prometheus.Registry
	mp       *sdkmetric.MeterProvider
	tp       *sdktrace.TracerProvider
}

// Setup builds the providers, registers them globally and returns the SDK.
// Call Shutdown to flush on exit.
func Setup(ctx context.Context, cfg SDKConfig) (*SDK, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "medscribe"
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if r := cfg.SampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	metrics, err := NewMetrics(mp)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("observe: metrics: %w", err), mp.Shutdown(ctx), tp.Shutdown(ctx))
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &SDK{Metrics: metrics, registry: reg, mp: mp, tp: tp}, nil
}

// Handler serves the SDK's registry in the Prometheus text format.
func (s *SDK) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Shutdown flushes pending spans and metrics.
func (s *SDK) Shutdown(ctx context.Context) error {
	return errors.Join(s.tp.Shutdown(ctx), s.mp.Shutdown(ctx))
}
