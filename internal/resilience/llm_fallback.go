package resilience

import (
	"context"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across chat backends.
// A per-request API key is meant for the primary and is withheld from
// fallbacks, which always use their configured credentials.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a chat backend to the failover order.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the provider names in failover order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// States returns the breaker state of every provider.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider, primary bool) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, forProvider(req, primary))
	})
}

// StreamCompletion fails over only while opening the stream. Once fragments
// flow, an error ends the stream.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider, primary bool) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, forProvider(req, primary))
	})
}

func forProvider(req llm.CompletionRequest, primary bool) llm.CompletionRequest {
	if !primary {
		req.APIKey = ""
	}
	return req
}
