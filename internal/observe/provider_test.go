package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetup_ServesMetrics(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	sdk, err := Setup(context.Background(), SDKConfig{ServiceVersion: "test", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = sdk.Shutdown(context.Background()) })

	sdk.Metrics.RecordMatch(context.Background(), "diagnosis", "exact")

	rec := httptest.NewRecorder()
	sdk.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"medscribe_match_results", `kind="diagnosis"`, "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %s", want)
		}
	}

	// The SDK is now the global provider, so spans get real trace ids.
	ctx, span := StartSpan(context.Background(), "check")
	defer span.End()
	if CorrelationID(ctx) == "" {
		t.Error("no trace id after Setup")
	}
}
