// Package gateway is the single entry point for model calls: chat
// completions, streamed chat, and audio transcription. Every call resolves
// its credential, runs through the retry policy of [resilience.Retry], and
// records provider metrics.
//
// The effective configuration is passed in explicitly as a
// [config.Resolved]; the gateway never reads settings files or the
// environment itself. [Gateway.Update] swaps the configuration when the
// settings file changes.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/resilience"
	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/types"
)

// Backends are the concrete providers built for one resolved configuration.
type Backends struct {
	// Name labels metrics, e.g. "openai".
	Name  string
	Chat  llm.Provider
	Audio stt.Transcriber
}

// Factory builds [Backends] for a resolved configuration. It is called once
// by [New] and again on every [Gateway.Update].
type Factory func(config.Resolved) (Backends, error)

// Option configures a [Gateway].
type Option func(*Gateway)

// WithChatPolicy sets the retry policy for Chat and ChatStream.
// Default: [resilience.DefaultRetryPolicy].
func WithChatPolicy(p resilience.RetryPolicy) Option {
	return func(g *Gateway) { g.chatPolicy = p }
}

// WithAudioPolicy sets the retry policy for TranscribeAudio.
// Default: [resilience.DefaultRetryPolicy].
func WithAudioPolicy(p resilience.RetryPolicy) Option {
	return func(g *Gateway) { g.audioPolicy = p }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithRetryOptions appends options to every retry loop. Tests use it to
// inject a sleeper.
func WithRetryOptions(opts ...resilience.RetryOption) Option {
	return func(g *Gateway) { g.retryOpts = append(g.retryOpts, opts...) }
}

// Gateway is safe for concurrent use.
type Gateway struct {
	factory     Factory
	chatPolicy  resilience.RetryPolicy
	audioPolicy resilience.RetryPolicy
	metrics     *observe.Metrics
	retryOpts   []resilience.RetryOption

	mu       sync.RWMutex
	cfg      config.Resolved
	backends Backends
}

// New builds a gateway for cfg.
func New(cfg config.Resolved, factory Factory, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		factory:     factory,
		chatPolicy:  resilience.DefaultRetryPolicy(),
		audioPolicy: resilience.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: build backends: %w", err)
	}
	g.cfg, g.backends = cfg, b
	return g, nil
}

// Update rebuilds the backends for cfg. On error the previous configuration
// stays active.
func (g *Gateway) Update(cfg config.Resolved) error {
	b, err := g.factory(cfg)
	if err != nil {
		return fmt.Errorf("gateway: rebuild backends: %w", err)
	}
	g.mu.Lock()
	changed := g.cfg.Changed(cfg)
	g.cfg, g.backends = cfg, b
	g.mu.Unlock()
	slog.Info("gateway configuration updated", "changed", changed)
	return nil
}

// Config returns the active resolved configuration.
func (g *Gateway) Config() config.Resolved {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func (g *Gateway) snapshot() (config.Resolved, Backends) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg, g.backends
}

// ── Call options ─────────────────────────────────────────────────────────────

type callOptions struct {
	apiKey      string
	temperature float64
	maxTokens   int
}

// CallOption adjusts a single gateway call.
type CallOption func(*callOptions)

// WithAPIKey overrides the resolved credential for this call only.
func WithAPIKey(key string) CallOption {
	return func(o *callOptions) { o.apiKey = key }
}

// WithTemperature sets the sampling temperature of a chat call.
func WithTemperature(t float64) CallOption {
	return func(o *callOptions) { o.temperature = t }
}

// WithMaxTokens caps the completion length of a chat call.
func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = n }
}

// prepare resolves call options and the credential. The key is checked
// before any upstream attempt.
func (g *Gateway) prepare(opts []CallOption) (callOptions, Backends, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg, b := g.snapshot()
	if o.apiKey == "" && cfg.APIKey == "" {
		return o, b, types.ErrMissingAPIKey
	}
	return o, b, nil
}

func (g *Gateway) retryOptions(op string) []resilience.RetryOption {
	opts := append([]resilience.RetryOption{}, g.retryOpts...)
	return append(opts, resilience.WithOnRetry(func(attempt int, err error) {
		g.metrics.RecordRetry(context.Background(), op)
		slog.Warn("gateway call failed, retrying", "op", op, "attempt", attempt, "err", err)
	}))
}

// ── Operations ───────────────────────────────────────────────────────────────

// Chat sends msgs and returns the full reply text.
func (g *Gateway) Chat(ctx context.Context, msgs []types.Message, opts ...CallOption) (string, error) {
	o, b, err := g.prepare(opts)
	if err != nil {
		return "", fmt.Errorf("gateway: chat: %w", err)
	}
	ctx, span := observe.StartSpan(ctx, "gateway.chat")
	defer span.End()

	req := llm.CompletionRequest{
		Messages:    msgs,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		APIKey:      o.apiKey,
	}
	start := time.Now()
	text, err := resilience.Retry(ctx, g.chatPolicy, func(ctx context.Context) (string, error) {
		resp, err := b.Chat.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		if resp == nil {
			return "", nil
		}
		return resp.Content, nil
	}, g.retryOptions("chat")...)
	g.metrics.RecordProviderCall(ctx, b.Name, "chat", time.Since(start).Seconds(), err)
	if err != nil {
		observe.Fail(span, err)
		return "", fmt.Errorf("gateway: chat: %w", err)
	}
	return text, nil
}

// ChatStream opens a streamed reply. Only opening the stream is retried; an
// error after the first fragment ends the stream with a chunk carrying Err.
func (g *Gateway) ChatStream(ctx context.Context, msgs []types.Message, opts ...CallOption) (<-chan llm.Chunk, error) {
	o, b, err := g.prepare(opts)
	if err != nil {
		return nil, fmt.Errorf("gateway: chat stream: %w", err)
	}
	req := llm.CompletionRequest{
		Messages:    msgs,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		APIKey:      o.apiKey,
	}
	start := time.Now()
	ch, err := resilience.Retry(ctx, g.chatPolicy, func(ctx context.Context) (<-chan llm.Chunk, error) {
		return b.Chat.StreamCompletion(ctx, req)
	}, g.retryOptions("chat_stream")...)
	g.metrics.RecordProviderCall(ctx, b.Name, "chat_stream", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("gateway: chat stream: %w", err)
	}
	return ch, nil
}

// TranscribeAudio transcribes raw 16 kHz mono PCM with the audio model of
// the chat backend.
func (g *Gateway) TranscribeAudio(ctx context.Context, pcm []byte, opts ...CallOption) (string, error) {
	o, b, err := g.prepare(opts)
	if err != nil {
		return "", fmt.Errorf("gateway: transcribe: %w", err)
	}
	if b.Audio == nil {
		return "", fmt.Errorf("gateway: transcribe: backend %q has no audio model", b.Name)
	}
	ctx, span := observe.StartSpan(ctx, "gateway.transcribe")
	defer span.End()

	req := stt.Request{Audio: pcm, APIKey: o.apiKey}
	start := time.Now()
	text, err := resilience.Retry(ctx, g.audioPolicy, func(ctx context.Context) (string, error) {
		return b.Audio.Transcribe(ctx, req)
	}, g.retryOptions("transcribe")...)
	g.metrics.RecordProviderCall(ctx, b.Name, "transcribe", time.Since(start).Seconds(), err)
	if err != nil {
		observe.Fail(span, err)
		return "", fmt.Errorf("gateway: transcribe: %w", err)
	}
	return text, nil
}
