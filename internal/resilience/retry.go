package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/medscribe/pkg/types"
)

// RetryPolicy bounds a retry loop. It is a plain value and carries no state
// between calls.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt. Zero
	// means a single attempt.
	MaxRetries int

	// InitialDelay is the delay before the first retry. Zero uses 1s.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay. Zero uses 10s.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor. Values below 1 use 2.
	Multiplier float64
}

// DefaultRetryPolicy is used for chat calls: 3 retries, 1s initial delay,
// 10s cap, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
}

// TranscriptionRetryPolicy is shorter than the default to bound the latency a
// user waits for a transcript before the fallback provider is tried.
func TranscriptionRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Delay returns the wait before retry n (0-indexed):
// min(InitialDelay * Multiplier^n, MaxDelay).
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ── Options ──────────────────────────────────────────────────────────────────

type retryOptions struct {
	onRetry    func(attempt int, err error)
	sleep      func(ctx context.Context, d time.Duration) error
	classifier func(error) bool
}

// RetryOption configures a single [Retry] call.
type RetryOption func(*retryOptions)

// WithOnRetry registers an observer called once per retry with the 1-based
// retry number and the error that triggered it. A panicking observer is
// recovered and logged; it never changes the outcome of the loop.
func WithOnRetry(fn func(attempt int, err error)) RetryOption {
	return func(o *retryOptions) { o.onRetry = fn }
}

// WithSleep replaces the delay function. Tests use it to record delays
// without waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(o *retryOptions) { o.sleep = fn }
}

// WithClassifier replaces [IsRetryable] for this call.
func WithClassifier(fn func(error) bool) RetryOption {
	return func(o *retryOptions) { o.classifier = fn }
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

// ── Retry ────────────────────────────────────────────────────────────────────

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy's retries are exhausted. The last error is returned as-is so callers
// can inspect it with errors.As. If ctx is cancelled while waiting between
// attempts, the context error is returned wrapped together with the last
// attempt's error.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error), opts ...RetryOption) (T, error) {
	o := retryOptions{sleep: sleepContext, classifier: IsRetryable}
	for _, opt := range opts {
		opt(&o)
	}
	policy = policy.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !o.classifier(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		slog.Debug("retrying after error", "attempt", attempt+1, "delay", delay, "error", err)
		notifyRetry(o.onRetry, attempt+1, err)

		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("resilience: retry interrupted after %d attempts: %w", attempt+1, errors.Join(sleepErr, err))
		}
	}
}

func notifyRetry(fn func(int, error), attempt int, err error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("retry observer panicked", "attempt", attempt, "panic", r)
		}
	}()
	fn(attempt, err)
}

// ── Classification ───────────────────────────────────────────────────────────

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var retryableFragments = []string{"rate limit", "timeout", "overloaded", "unavailable", "server error"}

// IsRetryable reports whether err is a transient upstream failure.
//
// A [types.NetworkError] is retryable, including a per-request transport
// timeout. Otherwise context errors and a missing API key are fatal. A [types.StatusError] is retryable for
// 429, 500, 502, 503 and 504, or when the upstream message itself names a
// transient condition. Any other error is retryable only if its message
// contains one of the transient fragments, compared case-insensitively.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *types.NetworkError
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, types.ErrMissingAPIKey) {
		return false
	}
	var se *types.StatusError
	if errors.As(err, &se) {
		return retryableStatus[se.StatusCode] || messageRetryable(se.Message)
	}
	return messageRetryable(err.Error())
}

func messageRetryable(msg string) bool {
	msg = strings.ToLower(msg)
	for _, f := range retryableFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
