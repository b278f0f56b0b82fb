package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed matches every [*AllFailedError].
var ErrAllFailed = errors.New("all providers failed")

// ProviderFailure is one entry's failure within a [FallbackGroup] call.
type ProviderFailure struct {
	Provider string
	Err      error
}

// AllFailedError reports every provider tried by a [FallbackGroup] call, in
// attempt order. Unwrap lists the most recent failure first, so
// [IsRetryable] classifies by the provider tried last.
type AllFailedError struct {
	Failures []ProviderFailure
}

func (e *AllFailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Provider + ": " + f.Err.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrAllFailed, strings.Join(parts, "; "))
}

// Is reports whether target is [ErrAllFailed].
func (e *AllFailedError) Is(target error) bool { return target == ErrAllFailed }

func (e *AllFailedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[len(errs)-1-i] = f.Err
	}
	return errs
}

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is set
	// per entry.
	CircuitBreaker CircuitBreakerConfig

	// OnFailover, if set, is called when an entry fails and the next one is
	// about to be tried. It runs on the calling goroutine.
	OnFailover func(failed string, err error)
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own circuit breaker. The first entry is the primary.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose primary is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry. Not safe to call concurrently with
// [ExecuteWithResult].
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// States returns each entry's breaker state keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		states[e.name] = e.breaker.State()
	}
	return states
}

// ExecuteWithResult calls fn on each entry in order until one succeeds. fn
// learns whether it is talking to the primary. Entries with an open breaker
// are skipped. A context error ends the walk at once. When every entry
// fails the result is an [*AllFailedError].
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(v T, primary bool) (R, error)) (R, error) {
	var (
		zero     R
		failures []ProviderFailure
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value, i == 0)
			return innerErr
		})
		if err == nil {
			if len(failures) > 0 {
				slog.Info("served by fallback provider", "provider", entry.name, "skipped", len(failures))
			}
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		failures = append(failures, ProviderFailure{Provider: entry.name, Err: err})
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
		} else {
			slog.Warn("provider failed", "provider", entry.name, "err", err)
		}
		if i < len(fg.entries)-1 && fg.cfg.OnFailover != nil {
			fg.cfg.OnFailover(entry.name, err)
		}
	}
	return zero, &AllFailedError{Failures: failures}
}
