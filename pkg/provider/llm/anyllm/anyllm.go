// Package anyllm adapts github.com/mozilla-ai/any-llm-go backends to
// llm.Provider. medscribe uses them as chat fallbacks behind the
// OpenAI-compatible primary, so a DashScope outage can be bridged by
// Anthropic, Gemini or a local Ollama model.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/types"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap adapts a backend constructor returning its concrete type.
func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return fn(opts...)
	}
}

var constructors = map[string]constructor{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// Supported returns the backend names accepted by [New], sorted.
func Supported() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var (
	// ErrUnsupported is returned by [New] for an unknown backend name.
	ErrUnsupported = errors.New("anyllm: unsupported backend")

	errImagesUnsupported = errors.New("anyllm: image attachments are not supported")
	errNoChoices         = errors.New("anyllm: response has no choices")
)

// Provider is a chat backend served through any-llm-go.
type Provider struct {
	name  string
	model string
	opts  []anyllmlib.Option
	ctor  constructor

	// backend carries the configured credential. Requests with their own
	// key get a one-off backend instead.
	backend anyllmlib.Provider
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the named backend. opts are any-llm-go options
// such as WithAPIKey and WithBaseURL. Without a key option the backend
// reads its usual environment variable (ANTHROPIC_API_KEY, ...).
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %s)", ErrUnsupported, name, strings.Join(Supported(), ", "))
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: %s: model is required", name)
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{name: name, model: model, opts: opts, ctor: ctor, backend: backend}, nil
}

// Name returns the backend name, e.g. "anthropic".
func (p *Provider) Name() string { return p.name }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	backend, params, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	resp, err := backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errNoChoices
	}
	return &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}, nil
}

// StreamCompletion implements llm.Provider. The stream always ends with a
// FinishStop or FinishError chunk unless ctx is canceled first.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	backend, params, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	chunks, errs := backend.CompletionStream(ctx, params)

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		emit := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" && !emit(llm.Chunk{Text: text}) {
				return
			}
		}
		if err := <-errs; err != nil {
			emit(llm.Chunk{FinishReason: llm.FinishError, Err: fmt.Errorf("anyllm: %s: stream: %w", p.name, err)})
			return
		}
		emit(llm.Chunk{FinishReason: llm.FinishStop})
	}()
	return out, nil
}

// prepare picks the backend for req and converts it to completion params.
func (p *Provider) prepare(req llm.CompletionRequest) (anyllmlib.Provider, anyllmlib.CompletionParams, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, params, err
	}
	if req.APIKey == "" {
		return p.backend, params, nil
	}
	opts := append(slices.Clone(p.opts), anyllmlib.WithAPIKey(req.APIKey))
	backend, err := p.ctor(opts...)
	if err != nil {
		return nil, params, fmt.Errorf("anyllm: %s: %w", p.name, err)
	}
	return backend, params, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		if m.HasImages() {
			return anyllmlib.CompletionParams{}, errImagesUnsupported
		}
		params.Messages = append(params.Messages, toMessage(m))
	}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params, nil
}

func toMessage(m types.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}
