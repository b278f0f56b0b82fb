// Package speech turns one recorded consultation into a transcript.
//
// A [Session] buffers PCM for the length of a recording and submits it once
// on [Session.Finish]. The primary backend (DashScope by default) runs under
// the transcription retry policy behind a shared circuit breaker; when it is
// exhausted, the recording falls back to the gateway's audio model.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/resilience"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
)

// DefaultFallbackMaxBytes is the largest payload handed to the fallback
// transcription provider (25 MiB).
const DefaultFallbackMaxBytes = 25 << 20

// testModeDelay is how long test mode waits before returning its transcript.
const testModeDelay = 500 * time.Millisecond

var (
	// ErrNotCollecting is returned by Finish when no recording is active.
	ErrNotCollecting = errors.New("speech: session is not collecting audio")

	// ErrSessionClosed is returned by a Finish whose session was closed
	// while the transcription was in flight.
	ErrSessionClosed = errors.New("speech: session closed")

	// ErrBusy is returned by Start while a previous recording is finishing.
	ErrBusy = errors.New("speech: session is finishing")

	// ErrTooManyRecordings is returned when a recording limit is reached.
	ErrTooManyRecordings = errors.New("speech: too many active recordings")
)

// FallbackError reports that both the primary and the fallback
// transcription failed. Both causes are reachable via errors.Is/As.
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("speech: transcription failed: %v; fallback failed: %v", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// Fallback is the secondary transcription path. *gateway.Gateway satisfies
// it.
type Fallback interface {
	TranscribeAudio(ctx context.Context, pcm []byte, opts ...gateway.CallOption) (string, error)
}

// Config configures a [Service].
type Config struct {
	// Primary is the main transcription backend.
	Primary stt.Transcriber

	// Fallback may be nil, which disables the fallback path.
	Fallback Fallback

	// APIKey is the primary backend credential. Start fails without it
	// unless NoCredential is set, test mode included.
	APIKey string

	// NoCredential marks a primary backend that needs no key, such as a
	// local whisper.cpp server.
	NoCredential bool

	// TestMode skips all backends and returns CannedTranscript.
	TestMode bool

	// CannedTranscript replaces the built-in sample consultation.
	CannedTranscript string

	// FallbackMaxBytes caps the fallback payload. Zero uses
	// DefaultFallbackMaxBytes.
	FallbackMaxBytes int

	// Policy is the retry policy of the primary path. Zero value uses
	// [resilience.TranscriptionRetryPolicy].
	Policy resilience.RetryPolicy

	// Breaker guards the primary backend across sessions. Nil disables it.
	Breaker *resilience.CircuitBreaker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// RetryOptions are appended to the primary retry loop.
	RetryOptions []resilience.RetryOption

	// Sleep replaces the test mode delay. Tests use it to skip waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service holds the configuration shared by all sessions. It is safe for
// concurrent use; each recording gets its own [Session].
type Service struct {
	cfg Config
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.FallbackMaxBytes <= 0 {
		cfg.FallbackMaxBytes = DefaultFallbackMaxBytes
	}
	if cfg.Policy == (resilience.RetryPolicy{}) {
		cfg.Policy = resilience.TranscriptionRetryPolicy()
	}
	if cfg.CannedTranscript == "" {
		cfg.CannedTranscript = SampleConsultation
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Service{cfg: cfg}
}

// NewSession returns an idle session.
func (s *Service) NewSession() *Session {
	return &Session{svc: s}
}

// transcribe resolves a transcript for pcm: test mode, primary, then
// fallback.
func (s *Service) transcribe(ctx context.Context, pcm []byte, allowFallback bool) (string, error) {
	if s.cfg.TestMode {
		slog.Info("speech: test mode, returning canned transcript")
		if err := s.cfg.Sleep(ctx, testModeDelay); err != nil {
			return "", err
		}
		return s.cfg.CannedTranscript, nil
	}

	text, err := s.primary(ctx, pcm)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	slog.Warn("speech: primary transcription failed", "bytes", len(pcm), "err", err)

	if !allowFallback || s.cfg.Fallback == nil {
		return "", err
	}
	if len(pcm) >= s.cfg.FallbackMaxBytes {
		slog.Warn("speech: recording too large for fallback", "bytes", len(pcm), "limit", s.cfg.FallbackMaxBytes)
		return "", err
	}

	s.cfg.Metrics.RecordFallback(ctx, "transcription")
	text, fbErr := s.cfg.Fallback.TranscribeAudio(ctx, pcm)
	if fbErr != nil {
		return "", &FallbackError{Primary: err, Fallback: fbErr}
	}
	slog.Info("speech: fallback transcription succeeded", "chars", len([]rune(text)))
	return text, nil
}

func (s *Service) primary(ctx context.Context, pcm []byte) (string, error) {
	ctx, span := observe.StartSpan(ctx, "speech.primary")
	defer span.End()

	opts := append([]resilience.RetryOption{}, s.cfg.RetryOptions...)
	opts = append(opts, resilience.WithOnRetry(func(attempt int, err error) {
		s.cfg.Metrics.RecordRetry(ctx, "transcription")
		slog.Warn("speech: retrying primary transcription", "attempt", attempt, "err", err)
	}))

	req := stt.Request{Audio: pcm, APIKey: s.cfg.APIKey}
	start := time.Now()
	text, err := resilience.Retry(ctx, s.cfg.Policy, func(ctx context.Context) (string, error) {
		var text string
		call := func() error {
			var err error
			text, err = s.cfg.Primary.Transcribe(ctx, req)
			return err
		}
		var err error
		if s.cfg.Breaker == nil {
			err = call()
		} else {
			err = s.cfg.Breaker.Execute(call)
		}
		return text, err
	}, opts...)
	s.cfg.Metrics.RecordProviderCall(ctx, "primary", "transcribe", time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
	}
	return text, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
