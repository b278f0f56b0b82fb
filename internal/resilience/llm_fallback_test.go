package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/medscribe/pkg/provider/llm/mock"
)

func replying(content string) *llmmock.Provider {
	return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func newChatChain(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("anthropic", secondary)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		primaryErr error
		want       string
		wantCalls  [2]int
	}{
		{name: "primary answers", want: "主模型", wantCalls: [2]int{1, 0}},
		{name: "primary down", primaryErr: errors.New("upstream 502"), want: "备用模型", wantCalls: [2]int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := replying("主模型")
			primary.CompleteErr = tt.primaryErr
			secondary := replying("备用模型")

			resp, err := newChatChain(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.want {
				t.Fatalf("content = %q, want %q", resp.Content, tt.want)
			}
			if got := [2]int{primary.CompleteCallCount(), secondary.CompleteCallCount()}; got != tt.wantCalls {
				t.Fatalf("calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

func TestLLMFallback_RequestKeyStaysWithPrimary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("quota exhausted")}
	secondary := replying("备用模型")
	fb := newChatChain(primary, secondary)

	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{APIKey: "sk-user"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := primary.CompleteCalls[0].Req.APIKey; got != "sk-user" {
		t.Errorf("primary key = %q, want sk-user", got)
	}
	if got := secondary.CompleteCalls[0].Req.APIKey; got != "" {
		t.Errorf("fallback key = %q, want empty", got)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()

	fb := newChatChain(
		&llmmock.Provider{CompleteErr: errors.New("primary down")},
		&llmmock.Provider{CompleteErr: errors.New("secondary down")},
	)
	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	var all *AllFailedError
	if !errors.As(err, &all) || len(all.Failures) != 2 {
		t.Fatalf("err = %v, want AllFailedError over both providers", err)
	}
	if fb.States()["openai"] != StateClosed {
		t.Errorf("breaker opened after one failure")
	}
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErrs: []error{errors.New("stream failed")}}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "咳嗽"}, {Text: "三天"}, {FinishReason: llm.FinishStop}},
	}

	ch, err := newChatChain(primary, secondary).StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text, err := llm.Collect(ch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "咳嗽三天" {
		t.Fatalf("text = %q, want 咳嗽三天", text)
	}
}
