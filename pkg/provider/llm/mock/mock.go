// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send the expected
// CompletionRequests and to feed controlled responses without a live model.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"hasIssues":false,"issues":[]}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
)

// Call records a single invocation of Complete or StreamCompletion.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Req is the CompletionRequest passed to the method.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion. All chunks are sent before the channel is
	// closed.
	StreamChunks []llm.Chunk

	// StreamErrs are returned, in order, by successive StreamCompletion calls
	// before any stream is opened. A nil entry opens the stream.
	StreamErrs []error

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErrs are returned, in order, by successive Complete calls. Once
	// exhausted Complete returns CompleteResponse, CompleteErr.
	CompleteErrs []error

	// CompleteErr, if non-nil, is returned by Complete after CompleteErrs.
	CompleteErr error

	// CompleteFunc, if set, replaces the scripted Complete behaviour.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []Call

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and returns a channel that emits StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if n < len(p.StreamErrs) && p.StreamErrs[n] != nil {
		err := p.StreamErrs[n]
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the next scripted outcome.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	if fn == nil && n < len(p.CompleteErrs) && p.CompleteErrs[n] != nil {
		err := p.CompleteErrs[n]
		p.mu.Unlock()
		return nil, err
	}
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CompleteCallCount returns the number of Complete calls so far.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}
