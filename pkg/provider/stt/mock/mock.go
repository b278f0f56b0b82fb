// Package mock provides a test double for the stt.Transcriber interface.
//
// Results are consumed in order: the n-th call to Transcribe returns
// Results[n] when present, falling back to Text/Err once the list is used up.
//
// Example:
//
//	tr := &mock.Transcriber{Results: []mock.Result{
//	    {Err: &types.StatusError{StatusCode: 503}},
//	    {Text: "患者咳嗽三天"},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medscribe/pkg/provider/stt"
)

// Result is one scripted outcome of Transcribe.
type Result struct {
	Text string
	Err  error
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results are returned in call order.
	Results []Result

	// Text and Err are returned once Results is exhausted.
	Text string
	Err  error

	// Hook, if set, runs at the start of every call before the result is
	// chosen. Tests use it to block or to observe timing.
	Hook func(ctx context.Context, req stt.Request)

	// Calls records every request in order.
	Calls []stt.Request
}

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns the next scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	t.mu.Lock()
	hook := t.Hook
	t.mu.Unlock()
	if hook != nil {
		hook(ctx, req)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	req.Audio = append([]byte(nil), req.Audio...)
	n := len(t.Calls)
	t.Calls = append(t.Calls, req)
	if n < len(t.Results) {
		return t.Results[n].Text, t.Results[n].Err
	}
	return t.Text, t.Err
}

// CallCount returns the number of Transcribe calls so far.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}
