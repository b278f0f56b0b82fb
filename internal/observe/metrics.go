// Package observe wires medscribe's telemetry: OpenTelemetry metrics and
// traces, trace-aware slog loggers, and the HTTP middleware that ties a
// request to all three.
//
// Instruments are created through the OpenTelemetry Metrics API. [Setup]
// exports them through a Prometheus registry served on /metrics. Tests build
// their own [Metrics] with [NewMetrics] over an SDK ManualReader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/medscribe"

// Metrics holds the application's instruments. Attribute keys per
// instrument are listed next to each field.
type Metrics struct {
	ProviderDuration metric.Float64Histogram // provider, op
	ProviderRequests metric.Int64Counter     // provider, op, status
	ProviderErrors   metric.Int64Counter     // provider, op

	Retries   metric.Int64Counter // op
	Fallbacks metric.Int64Counter // stage

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions metric.Int64Counter // breaker, to

	FactChecks      metric.Int64Counter // kind, status
	FactCheckIssues metric.Int64Counter // kind, severity

	// Matches counts entity resolutions. method is "none" for a miss.
	Matches metric.Int64Counter // kind, method

	ActiveRecordings metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram // method, route, status_class
}

// Model calls and transcriptions regularly take several seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// NewMetrics creates every instrument on mp's medscribe meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string, buckets ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := m.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}

	met := &Metrics{
		ProviderDuration:    seconds("medscribe.provider.duration", "Latency of upstream chat and transcription calls.", latencyBuckets...),
		ProviderRequests:    counter("medscribe.provider.requests", "Upstream requests by provider, operation and status."),
		ProviderErrors:      counter("medscribe.provider.errors", "Upstream failures by provider and operation."),
		Retries:             counter("medscribe.retries", "Retry attempts by operation."),
		Fallbacks:           counter("medscribe.fallbacks", "Switches to a fallback provider by stage."),
		BreakerTransitions:  counter("medscribe.breaker.transitions", "Circuit breaker state changes by breaker and target state."),
		FactChecks:          counter("medscribe.factcheck.runs", "Fact-check runs by kind and status."),
		FactCheckIssues:     counter("medscribe.factcheck.issues", "Fact-check issues by kind and severity."),
		Matches:             counter("medscribe.match.results", "Entity resolutions by kind and method."),
		HTTPRequestDuration: seconds("medscribe.http.request.duration", "HTTP request latency by method, route and status class."),
	}
	var err error
	met.ActiveRecordings, err = m.Int64UpDownCounter("medscribe.active_recordings",
		metric.WithDescription("Speech sessions currently collecting audio."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider, created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderCall records one upstream call's latency and outcome.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, op string, seconds float64, err error) {
	who := metric.WithAttributes(Attr("provider", provider), Attr("op", op))
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, who)
	}
	m.ProviderDuration.Record(ctx, seconds, who)
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("op", op), Attr("status", status)))
}

func (m *Metrics) RecordRetry(ctx context.Context, op string) {
	m.Retries.Add(ctx, 1, metric.WithAttributes(Attr("op", op)))
}

// RecordFallback counts one switch to a fallback provider at stage
// ("transcription" or "chat").
func (m *Metrics) RecordFallback(ctx context.Context, stage string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("breaker", breaker), Attr("to", to)))
}

// RecordFactCheck counts one fact-check run and each issue by severity.
func (m *Metrics) RecordFactCheck(ctx context.Context, kind, status string, severities []string) {
	m.FactChecks.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
	for _, s := range severities {
		m.FactCheckIssues.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("severity", s)))
	}
}

func (m *Metrics) RecordMatch(ctx context.Context, kind, method string) {
	m.Matches.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("method", method)))
}
