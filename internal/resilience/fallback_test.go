package resilience

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/medscribe/pkg/types"
)

// chain builds a group over the named backends, primary first.
func chain(cfg FallbackConfig, names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], cfg)
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

// failing returns a call that fails for every backend in down.
func failing(down ...string) func(string, bool) (string, error) {
	return func(v string, _ bool) (string, error) {
		if slices.Contains(down, v) {
			return "", errTest
		}
		return "from " + v, nil
	}
}

func TestExecuteWithResult_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		down []string
		want string
	}{
		{"primary healthy", nil, "from dashscope"},
		{"primary down", []string{"dashscope"}, "from anthropic"},
		{"two down", []string{"dashscope", "anthropic"}, "from ollama"},
		{"only fallback down", []string{"anthropic"}, "from dashscope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := chain(FallbackConfig{}, "dashscope", "anthropic", "ollama")
			got, err := ExecuteWithResult(context.Background(), fg, failing(tt.down...))
			if err != nil {
				t.Fatalf("ExecuteWithResult: %v", err)
			}
			if got != tt.want {
				t.Fatalf("result = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecuteWithResult_PrimaryFlag(t *testing.T) {
	t.Parallel()

	fg := chain(FallbackConfig{}, "dashscope", "anthropic")
	var seen []bool
	_, err := ExecuteWithResult(context.Background(), fg, func(v string, primary bool) (string, error) {
		seen = append(seen, primary)
		if primary {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if !slices.Equal(seen, []bool{true, false}) {
		t.Fatalf("primary flags = %v, want [true false]", seen)
	}
}

func TestExecuteWithResult_OnFailover(t *testing.T) {
	t.Parallel()

	var failed []string
	fg := chain(FallbackConfig{
		OnFailover: func(name string, err error) {
			if !errors.Is(err, errTest) {
				t.Errorf("OnFailover(%q) err = %v, want errTest", name, err)
			}
			failed = append(failed, name)
		},
	}, "dashscope", "anthropic", "ollama")

	_, _ = ExecuteWithResult(context.Background(), fg, failing("dashscope", "anthropic", "ollama"))
	// The last entry has nothing to fail over to.
	if !slices.Equal(failed, []string{"dashscope", "anthropic"}) {
		t.Fatalf("failovers = %v, want [dashscope anthropic]", failed)
	}
}

func TestExecuteWithResult_AllFailed(t *testing.T) {
	t.Parallel()

	fg := chain(FallbackConfig{}, "dashscope", "anthropic")
	_, err := ExecuteWithResult(context.Background(), fg, func(v string, primary bool) (string, error) {
		if primary {
			return "", &types.StatusError{Provider: v, StatusCode: http.StatusUnauthorized}
		}
		return "", &types.StatusError{Provider: v, StatusCode: http.StatusServiceUnavailable}
	})

	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	var all *AllFailedError
	if !errors.As(err, &all) || len(all.Failures) != 2 {
		t.Fatalf("err = %#v, want an AllFailedError with two failures", err)
	}
	if all.Failures[0].Provider != "dashscope" || all.Failures[1].Provider != "anthropic" {
		t.Errorf("failures = %+v, want attempt order", all.Failures)
	}
	if msg := err.Error(); !strings.Contains(msg, "dashscope") || !strings.Contains(msg, "anthropic") {
		t.Errorf("Error() = %q, want both providers named", msg)
	}

	var se *types.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("errors.As found %v, want the last provider's 503", se)
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable = false, want the last provider's 503 to decide")
	}
}

func TestExecuteWithResult_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := chain(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	}, "dashscope", "anthropic")

	for range 2 {
		_, _ = ExecuteWithResult(context.Background(), fg, failing("dashscope"))
	}
	if s := fg.States()["dashscope"]; s != StateOpen {
		t.Fatalf("primary breaker = %v, want open", s)
	}

	var calls []string
	got, err := ExecuteWithResult(context.Background(), fg, func(v string, _ bool) (string, error) {
		calls = append(calls, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "anthropic" || !slices.Equal(calls, []string{"anthropic"}) {
		t.Fatalf("got %q after calls %v, want anthropic only", got, calls)
	}
}

func TestExecuteWithResult_StopsOnContextError(t *testing.T) {
	t.Parallel()

	var failovers int
	fg := chain(FallbackConfig{OnFailover: func(string, error) { failovers++ }}, "dashscope", "anthropic")

	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	_, err := ExecuteWithResult(ctx, fg, func(v string, _ bool) (string, error) {
		calls = append(calls, v)
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want plain context.Canceled", err)
	}
	if len(calls) != 1 || failovers != 0 {
		t.Fatalf("calls = %v, failovers = %d; want the primary only", calls, failovers)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()

	fg := chain(FallbackConfig{}, "openai", "anthropic", "ollama")
	if got, want := fg.Names(), []string{"openai", "anthropic", "ollama"}; !slices.Equal(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}
