// Package llm defines the Provider interface for chat/completion backends.
//
// An LLM provider wraps a remote model API (an OpenAI-compatible endpoint,
// Anthropic, Gemini, a local Ollama instance) and exposes a uniform interface
// to the gateway so that callers never couple to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/medscribe/pkg/types"
)

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// Temperature controls output randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// APIKey, when non-empty, overrides the provider's configured credential
	// for this request only.
	APIKey string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text of this chunk. Never empty unless the chunk
	// only carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk: FinishStop after the terminal
	// sentinel, FinishError when Err is set.
	FinishReason string

	// Err terminates the stream with a failure. No chunk follows it.
	Err error
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string
}

// Provider is the abstraction over any chat backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values in arrival order. The channel is finite and is
	// closed when generation finishes, fails, or ctx is cancelled. A stream is
	// not restartable; retrying means issuing a new call.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting (bad credentials, non-2xx status, unreachable host).
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Collect drains a stream into a single string. It returns the text gathered
// so far together with the first chunk error.
func Collect(ch <-chan Chunk) (string, error) {
	var out []byte
	for c := range ch {
		if c.Err != nil {
			return string(out), c.Err
		}
		out = append(out, c.Text...)
	}
	return string(out), nil
}
