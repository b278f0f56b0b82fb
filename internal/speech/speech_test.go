package speech

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/resilience"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/medscribe/pkg/provider/stt/mock"
	"github.com/MrWong99/medscribe/pkg/types"
)

// fakeFallback records the payloads handed to the fallback path.
type fakeFallback struct {
	mu    sync.Mutex
	text  string
	err   error
	calls [][]byte
}

func (f *fakeFallback) TranscribeAudio(_ context.Context, pcm []byte, _ ...gateway.CallOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pcm)
	return f.text, f.err
}

func noSleep(context.Context, time.Duration) error { return nil }

func newService(t *testing.T, cfg Config) *Service {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg.Metrics = m
	cfg.Sleep = noSleep
	cfg.RetryOptions = append(cfg.RetryOptions, resilience.WithSleep(noSleep))
	return New(cfg)
}

func unavailable() error {
	return &types.StatusError{Provider: "dashscope", StatusCode: http.StatusServiceUnavailable}
}

func record(t *testing.T, s *Session, chunks ...[]byte) {
	t.Helper()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, c := range chunks {
		s.PushAudio(c)
	}
}

func TestSession_PrimarySuccessConcatenatesChunks(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Transcriber{Text: "患者发热一天"}
	svc := newService(t, Config{Primary: primary, APIKey: "sk-ds"})
	s := svc.NewSession()

	record(t, s, []byte{1, 2}, []byte{3}, []byte{4, 5, 6})
	got, err := s.Finish(context.Background(), true)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got != "患者发热一天" {
		t.Errorf("text = %q", got)
	}
	if want := []byte{1, 2, 3, 4, 5, 6}; !bytes.Equal(primary.Calls[0].Audio, want) {
		t.Errorf("audio = %v, want %v", primary.Calls[0].Audio, want)
	}
	if primary.Calls[0].APIKey != "sk-ds" {
		t.Errorf("api key = %q", primary.Calls[0].APIKey)
	}
	if s.State() != StateIdle || s.Buffered() != 0 {
		t.Errorf("state = %v, buffered = %d; want idle and empty", s.State(), s.Buffered())
	}
}

func TestSession_RetriesThenFallsBack(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Transcriber{Err: unavailable()}
	fb := &fakeFallback{text: "咽痛两天"}
	svc := newService(t, Config{Primary: primary, Fallback: fb, APIKey: "sk-ds"})
	s := svc.NewSession()

	record(t, s, []byte{9, 9})
	got, err := s.Finish(context.Background(), true)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got != "咽痛两天" {
		t.Errorf("text = %q, want the fallback transcript", got)
	}
	if primary.CallCount() != 3 {
		t.Errorf("primary attempts = %d, want 3 (1 + 2 retries)", primary.CallCount())
	}
	if len(fb.calls) != 1 || !bytes.Equal(fb.calls[0], []byte{9, 9}) {
		t.Errorf("fallback calls = %v", fb.calls)
	}
}

func TestSession_BothFailCombinesErrors(t *testing.T) {
	t.Parallel()

	primaryErr := errors.New("websocket closed")
	fbErr := &types.StatusError{Provider: "openai", StatusCode: http.StatusUnauthorized}
	svc := newService(t, Config{
		Primary:  &sttmock.Transcriber{Err: primaryErr},
		Fallback: &fakeFallback{err: fbErr},
		APIKey:   "sk-ds",
	})
	s := svc.NewSession()

	record(t, s, []byte{1})
	_, err := s.Finish(context.Background(), true)

	var fe *FallbackError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FallbackError", err)
	}
	if !errors.Is(err, primaryErr) {
		t.Error("primary error not reachable")
	}
	var se *types.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Error("fallback error not reachable")
	}
	msg := err.Error()
	if !strings.Contains(msg, "websocket closed") || !strings.Contains(msg, "401") {
		t.Errorf("message %q does not embed both failures", msg)
	}
	if s.Buffered() != 0 || s.State() != StateIdle {
		t.Error("buffer not cleared after failure")
	}
}

func TestSession_FallbackSkipped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		allowFallback bool
		maxBytes      int
		audio         []byte
	}{
		{"disabled by caller", false, 0, []byte{1, 2}},
		{"payload at ceiling", true, 4, []byte{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primaryErr := errors.New("bad audio format")
			fb := &fakeFallback{text: "unused"}
			svc := newService(t, Config{
				Primary:          &sttmock.Transcriber{Err: primaryErr},
				Fallback:         fb,
				APIKey:           "sk-ds",
				FallbackMaxBytes: tt.maxBytes,
			})
			s := svc.NewSession()
			record(t, s, tt.audio)

			_, err := s.Finish(context.Background(), tt.allowFallback)
			if !errors.Is(err, primaryErr) {
				t.Errorf("err = %v, want the primary error", err)
			}
			var fe *FallbackError
			if errors.As(err, &fe) {
				t.Error("got FallbackError although fallback was skipped")
			}
			if len(fb.calls) != 0 {
				t.Errorf("fallback called %d times", len(fb.calls))
			}
		})
	}
}

func TestSession_OpenBreakerGoesStraightToFallback(t *testing.T) {
	t.Parallel()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "dashscope", MaxFailures: 1, ResetTimeout: time.Hour,
	})
	primary := &sttmock.Transcriber{Results: []sttmock.Result{{Err: errors.New("malformed pcm")}}, Text: "never"}
	fb := &fakeFallback{text: "备用转写"}
	svc := newService(t, Config{Primary: primary, Fallback: fb, APIKey: "sk-ds", Breaker: breaker})

	for range 2 {
		s := svc.NewSession()
		record(t, s, []byte{1})
		got, err := s.Finish(context.Background(), true)
		if err != nil || got != "备用转写" {
			t.Fatalf("Finish = %q, %v", got, err)
		}
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1 before the breaker opened", primary.CallCount())
	}
}

func TestSession_TestMode(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Transcriber{Text: "unused"}
	var slept time.Duration
	svc := New(Config{
		Primary:  primary,
		APIKey:   "sk-ds",
		TestMode: true,
		Metrics:  mustMetrics(t),
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = d
			return nil
		},
	})
	s := svc.NewSession()
	record(t, s, []byte{1, 2})

	got, err := s.Finish(context.Background(), true)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got != SampleConsultation {
		t.Errorf("text = %q, want the sample consultation", got)
	}
	if slept != 500*time.Millisecond {
		t.Errorf("delay = %v, want 500ms", slept)
	}
	if primary.CallCount() != 0 {
		t.Error("primary called in test mode")
	}
}

func TestSession_StartRequiresCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"live", Config{Primary: &sttmock.Transcriber{}}},
		{"test mode", Config{Primary: &sttmock.Transcriber{}, TestMode: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newService(t, tt.cfg).NewSession()
			if err := s.Start(); !errors.Is(err, types.ErrMissingAPIKey) {
				t.Fatalf("Start err = %v, want ErrMissingAPIKey", err)
			}
			if s.State() != StateIdle {
				t.Errorf("state = %v, want idle", s.State())
			}
		})
	}
}

func TestSession_StartWithoutCredentialBackend(t *testing.T) {
	t.Parallel()

	s := newService(t, Config{Primary: &sttmock.Transcriber{Text: "x"}, NoCredential: true}).NewSession()
	if err := s.Start(); err != nil {
		t.Fatalf("Start err = %v, want nil for a keyless backend", err)
	}
	if s.State() != StateCollecting {
		t.Errorf("state = %v, want collecting", s.State())
	}
}

func TestSession_PushIgnoredUnlessCollecting(t *testing.T) {
	t.Parallel()

	s := newService(t, Config{Primary: &sttmock.Transcriber{Text: "x"}, APIKey: "k"}).NewSession()
	s.PushAudio([]byte{1, 2, 3})
	if s.Buffered() != 0 {
		t.Fatalf("buffered = %d while idle", s.Buffered())
	}
	if _, err := s.Finish(context.Background(), true); !errors.Is(err, ErrNotCollecting) {
		t.Fatalf("Finish err = %v, want ErrNotCollecting", err)
	}

	record(t, s, []byte{1})
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s.Buffered() != 0 {
		t.Error("Start did not reset the buffer")
	}
}

func TestSession_CloseDropsInFlightResult(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	primary := &sttmock.Transcriber{
		Text: "不应返回",
		Hook: func(context.Context, stt.Request) {
			close(entered)
			<-release
		},
	}
	s := newService(t, Config{Primary: primary, APIKey: "k"}).NewSession()
	record(t, s, []byte{1, 2})

	errc := make(chan error, 1)
	go func() {
		_, err := s.Finish(context.Background(), true)
		errc <- err
	}()

	<-entered
	if s.State() != StateFinishing {
		t.Errorf("state = %v, want finishing", s.State())
	}
	if err := s.Start(); !errors.Is(err, ErrBusy) {
		t.Errorf("Start while finishing = %v, want ErrBusy", err)
	}
	s.Close()
	close(release)

	if err := <-errc; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Finish err = %v, want ErrSessionClosed", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestSession_CloseDiscardsBuffer(t *testing.T) {
	t.Parallel()

	s := newService(t, Config{Primary: &sttmock.Transcriber{}, APIKey: "k"}).NewSession()
	record(t, s, []byte{1, 2, 3})
	s.Close()
	if s.State() != StateIdle || s.Buffered() != 0 {
		t.Errorf("state = %v, buffered = %d after Close", s.State(), s.Buffered())
	}
	if _, err := s.Finish(context.Background(), true); !errors.Is(err, ErrNotCollecting) {
		t.Errorf("Finish after Close = %v, want ErrNotCollecting", err)
	}
}

func mustMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}
