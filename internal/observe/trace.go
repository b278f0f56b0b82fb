package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/medscribe"

// recordingKey is the attribute naming the recording a span or log line
// belongs to.
const recordingKey = "medscribe.recording"

type recordingCtxKey struct{}

// WithRecording tags ctx with a recording id. Spans started from the
// returned context and loggers built from it carry the id.
func WithRecording(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, recordingCtxKey{}, id)
}

// RecordingID returns the id set by [WithRecording], or "".
func RecordingID(ctx context.Context) string {
	id, _ := ctx.Value(recordingCtxKey{}).(string)
	return id
}

// StartSpan starts a span on the global tracer provider. The caller must
// end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := RecordingID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(recordingKey, id)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Fail marks span as failed with err. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the trace id of the active span, or "". API responses
// echo it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id, span_id and recording
// attached when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RecordingID(ctx); id != "" {
		l = l.With(slog.String("recording", id))
	}
	return l
}
