package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail() error    { return errTest }
func succeed() error { return nil }

// run feeds outcomes through cb, one call each.
func run(cb *CircuitBreaker, outcomes ...func() error) {
	for _, fn := range outcomes {
		_ = cb.Execute(fn)
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "speech-primary"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed || cb.Name() != "speech-primary" {
		t.Errorf("new breaker = %q in %v", cb.Name(), cb.State())
	}
}

func TestCircuitBreaker_Closed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		outcomes []func() error
		want     State
	}{
		{"below threshold", []func() error{fail, fail}, StateClosed},
		{"at threshold", []func() error{fail, fail, fail}, StateOpen},
		{"success resets count", []func() error{fail, fail, succeed, fail, fail}, StateClosed},
		{"cancellations ignored", []func() error{fail, fail, func() error { return context.Canceled }, fail}, StateOpen},
		{"wrapped cancellation ignored", []func() error{fail, fail, func() error { return fmt.Errorf("dashscope: %w", context.Canceled) }}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})
			run(cb, tt.outcomes...)
			if got := cb.State(); got != tt.want {
				t.Fatalf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejects(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	run(cb, fail)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("Execute while open = %v (called=%v), want ErrCircuitOpen without a call", err, called)
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probes []func() error
		want   State
	}{
		{"probes succeed", []func() error{succeed, succeed}, StateClosed},
		{"one probe short", []func() error{succeed}, StateHalfOpen},
		{"probe fails", []func() error{succeed, fail}, StateOpen},
		{"canceled probe frees its slot", []func() error{func() error { return context.Canceled }, succeed, succeed}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				MaxFailures: 2, ResetTimeout: 10 * time.Second, HalfOpenMax: 2, Now: clk.Now,
			})
			run(cb, fail, fail)
			clk.Advance(10 * time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state after timeout = %v, want half-open", cb.State())
			}
			run(cb, tt.probes...)
			if got := cb.State(); got != tt.want {
				t.Fatalf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Now: clk.Now})
	run(cb, fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	t.Parallel()

	errBadAudio := errors.New("bad audio")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errBadAudio) },
	})
	run(cb, func() error { return errBadAudio })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after a caller error, want closed", cb.State())
	}
	run(cb, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after a backend error, want open", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name: "speech-primary", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Now: clk.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+">"+to.String())
		},
	})

	run(cb, fail)
	clk.Advance(time.Second)
	run(cb, succeed)
	cb.Reset()

	want := []string{
		"speech-primary:closed>open",
		"speech-primary:open>half-open",
		"speech-primary:half-open>closed",
	}
	if !slices.Equal(transitions, want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	run(cb, fail, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	cb.Reset()
	if err := cb.Execute(succeed); err != nil || cb.State() != StateClosed {
		t.Fatalf("after Reset: err = %v, state = %v", err, cb.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
