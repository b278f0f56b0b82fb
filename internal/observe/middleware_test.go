package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test. Tests calling it must not run in parallel.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// recordingsMux mimics the API's recording routes.
func recordingsMux(status int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/recordings/{id}/finish", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"text":"患者：咳嗽。"}`))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {})
	return mux
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)

	rec := httptest.NewRecorder()
	Middleware(m)(recordingsMux(http.StatusOK)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/recordings/r-42/finish", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /v1/recordings/{id}/finish" {
		t.Errorf("span name = %q", s.Name)
	}
	var route string
	var status int64
	for _, a := range s.Attributes {
		switch a.Key {
		case "http.route":
			route = a.Value.AsString()
		case "http.response.status_code":
			status = a.Value.AsInt64()
		}
	}
	if route != "/v1/recordings/{id}/finish" || status != 200 {
		t.Errorf("attributes route=%q status=%d", route, status)
	}
	if s.Status.Code == codes.Error {
		t.Error("successful request marked as error")
	}
	if got := rec.Header().Get(CorrelationHeader); got != s.SpanContext.TraceID().String() {
		t.Errorf("%s = %q, want the span's trace id", CorrelationHeader, got)
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)

	rec := httptest.NewRecorder()
	Middleware(m)(recordingsMux(http.StatusBadGateway)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/recordings/r-1/finish", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("spans = %+v, want one failed span", spans)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler saw trace %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	useTracer(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(recordingsMux(http.StatusOK))

	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/recordings/"+id+"/finish", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	met := findMetric(collect(t, reader), "medscribe.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}
	if counts["/v1/recordings/{id}/finish 2xx"] != 3 {
		t.Errorf("finish route count = %d, want 3 (ids must not become labels); all %v", counts["/v1/recordings/{id}/finish 2xx"], counts)
	}
	if counts["unmatched 4xx"] != 1 {
		t.Errorf("unmatched count = %d, want 1; all %v", counts["unmatched 4xx"], counts)
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	h := Middleware(m)(recordingsMux(http.StatusOK))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if buf.Len() != 0 {
		t.Fatalf("probe logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/recordings/x/finish", nil))
	if !bytes.Contains(buf.Bytes(), []byte("route=/v1/recordings/{id}/finish")) {
		t.Errorf("log = %q, want the route pattern", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("bytes=")) {
		t.Errorf("log = %q, want the body size", buf.String())
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	tests := map[int]string{200: "2xx", 204: "2xx", 302: "3xx", 404: "4xx", 429: "4xx", 500: "5xx", 503: "5xx"}
	for code, want := range tests {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
