package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/resilience"
	"github.com/MrWong99/medscribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/medscribe/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/medscribe/pkg/provider/stt/mock"
	"github.com/MrWong99/medscribe/pkg/types"
)

var messages = []types.Message{{Role: types.RoleUser, Content: "患者咳嗽三天，伴发热"}}

// newGateway returns a gateway over fixed backends whose retries never sleep.
func newGateway(t *testing.T, cfg config.Resolved, b Backends) *Gateway {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	g, err := New(cfg, func(config.Resolved) (Backends, error) { return b, nil },
		WithMetrics(m),
		WithRetryOptions(resilience.WithSleep(func(context.Context, time.Duration) error { return nil })),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestChat_MissingKeyBeforeAnyAttempt(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "x"}}
	audio := &sttmock.Transcriber{Text: "x"}
	g := newGateway(t, config.Resolved{Model: "gpt-4o-mini"}, Backends{Name: "mock", Chat: chat, Audio: audio})

	if _, err := g.Chat(context.Background(), messages); !errors.Is(err, types.ErrMissingAPIKey) {
		t.Errorf("Chat err = %v, want ErrMissingAPIKey", err)
	}
	if _, err := g.ChatStream(context.Background(), messages); !errors.Is(err, types.ErrMissingAPIKey) {
		t.Errorf("ChatStream err = %v, want ErrMissingAPIKey", err)
	}
	if _, err := g.TranscribeAudio(context.Background(), []byte{0, 0}); !errors.Is(err, types.ErrMissingAPIKey) {
		t.Errorf("TranscribeAudio err = %v, want ErrMissingAPIKey", err)
	}
	if chat.CompleteCallCount() != 0 || len(chat.StreamCalls) != 0 || audio.CallCount() != 0 {
		t.Error("a backend was called without a credential")
	}
}

func TestChat_OverrideKeySuppliesCredential(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "上呼吸道感染"}}
	g := newGateway(t, config.Resolved{}, Backends{Name: "mock", Chat: chat})

	got, err := g.Chat(context.Background(), messages, WithAPIKey("sk-call"), WithTemperature(0.2), WithMaxTokens(512))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "上呼吸道感染" {
		t.Errorf("reply = %q", got)
	}
	req := chat.CompleteCalls[0].Req
	if req.APIKey != "sk-call" || req.Temperature != 0.2 || req.MaxTokens != 512 {
		t.Errorf("request = %+v, want override key, temperature and max tokens", req)
	}
}

func TestChat_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{
		CompleteErrs: []error{
			&types.StatusError{Provider: "mock", StatusCode: http.StatusServiceUnavailable},
			&types.NetworkError{Provider: "mock", Err: errors.New("connection reset")},
		},
		CompleteResponse: &llm.CompletionResponse{Content: "好的"},
	}
	g := newGateway(t, config.Resolved{APIKey: "sk"}, Backends{Name: "mock", Chat: chat})

	got, err := g.Chat(context.Background(), messages)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "好的" || chat.CompleteCallCount() != 3 {
		t.Errorf("reply = %q after %d calls, want 好的 after 3", got, chat.CompleteCallCount())
	}
}

func TestChat_FatalErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{CompleteErr: &types.StatusError{Provider: "mock", StatusCode: http.StatusUnauthorized}}
	g := newGateway(t, config.Resolved{APIKey: "sk"}, Backends{Name: "mock", Chat: chat})

	_, err := g.Chat(context.Background(), messages)
	var se *types.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
	if chat.CompleteCallCount() != 1 {
		t.Errorf("calls = %d, want 1", chat.CompleteCallCount())
	}
}

func TestChatStream_RetriesOnlyTheOpen(t *testing.T) {
	t.Parallel()

	streamErr := errors.New("stream cut")
	chat := &llmmock.Provider{
		StreamErrs:   []error{&types.StatusError{Provider: "mock", StatusCode: http.StatusTooManyRequests}},
		StreamChunks: []llm.Chunk{{Text: "建议"}, {Text: "多饮水"}, {Err: streamErr, FinishReason: llm.FinishError}},
	}
	g := newGateway(t, config.Resolved{APIKey: "sk"}, Backends{Name: "mock", Chat: chat})

	ch, err := g.ChatStream(context.Background(), messages)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	text, err := llm.Collect(ch)
	if text != "建议多饮水" {
		t.Errorf("text = %q, want 建议多饮水", text)
	}
	if !errors.Is(err, streamErr) {
		t.Errorf("stream err = %v, want the mid-stream error", err)
	}
	if len(chat.StreamCalls) != 2 {
		t.Errorf("stream opens = %d, want 2", len(chat.StreamCalls))
	}
}

func TestTranscribeAudio(t *testing.T) {
	t.Parallel()

	audio := &sttmock.Transcriber{Results: []sttmock.Result{
		{Err: &types.StatusError{Provider: "mock", StatusCode: http.StatusBadGateway}},
		{Text: "头痛两天"},
	}}
	g := newGateway(t, config.Resolved{APIKey: "sk"}, Backends{Name: "mock", Chat: &llmmock.Provider{}, Audio: audio})

	got, err := g.TranscribeAudio(context.Background(), []byte{1, 2, 3, 4}, WithAPIKey("sk-call"))
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if got != "头痛两天" {
		t.Errorf("text = %q", got)
	}
	if audio.CallCount() != 2 || audio.Calls[1].APIKey != "sk-call" {
		t.Errorf("calls = %+v", audio.Calls)
	}
}

func TestTranscribeAudio_NoAudioBackend(t *testing.T) {
	t.Parallel()

	g := newGateway(t, config.Resolved{APIKey: "sk"}, Backends{Name: "chat-only", Chat: &llmmock.Provider{}})
	if _, err := g.TranscribeAudio(context.Background(), []byte{0, 0}); err == nil {
		t.Fatal("expected an error without an audio backend")
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	builds := 0
	factory := func(cfg config.Resolved) (Backends, error) {
		builds++
		if cfg.Model == "broken" {
			return Backends{}, errors.New("unknown model")
		}
		return Backends{Name: cfg.Model, Chat: &llmmock.Provider{}}, nil
	}
	m, _ := observe.NewMetrics(noop.NewMeterProvider())
	g, err := New(config.Resolved{APIKey: "sk", Model: "gpt-4o-mini"}, factory, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.Update(config.Resolved{APIKey: "sk2", Model: "gpt-4o"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := g.Config().Model; got != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", got)
	}

	if err := g.Update(config.Resolved{Model: "broken"}); err == nil {
		t.Fatal("expected Update to fail")
	}
	if got := g.Config(); got.Model != "gpt-4o" || got.APIKey != "sk2" {
		t.Errorf("config after failed update = %+v, want previous kept", got)
	}
	if builds != 3 {
		t.Errorf("builds = %d, want 3", builds)
	}
}

func TestNewFactory_FallbackChain(t *testing.T) {
	t.Parallel()

	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "备用回复"}}
	reg := config.NewRegistry()
	reg.RegisterLLM("anthropic", func(config.ProviderEntry) (llm.Provider, error) { return secondary, nil })

	var failed []string
	factory := NewFactory(FactoryConfig{
		Registry:   reg,
		Fallbacks:  []config.ProviderEntry{{Name: "anthropic", Model: "claude-3-5-haiku-latest"}},
		Breaker:    resilience.CircuitBreakerConfig{MaxFailures: 3},
		OnFailover: func(name string, _ error) { failed = append(failed, name) },
	})
	b, err := factory(config.Resolved{APIKey: "sk", BaseURL: "http://127.0.0.1:1/v1", Model: "gpt-4o-mini", AudioModel: "whisper-1"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	chain, ok := b.Chat.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("chat backend = %T, want *resilience.LLMFallback", b.Chat)
	}
	if names := chain.Names(); len(names) != 2 || names[1] != "anthropic" {
		t.Errorf("chain = %v", names)
	}

	resp, err := chain.Complete(context.Background(), llm.CompletionRequest{Messages: messages, APIKey: "sk-call"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "备用回复" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := secondary.CompleteCalls[0].Req.APIKey; got != "" {
		t.Errorf("fallback received per-call key %q", got)
	}
	if len(failed) != 1 || failed[0] != "openai" {
		t.Errorf("failovers = %v, want [openai]", failed)
	}
}

func TestNewFactory_UnknownFallback(t *testing.T) {
	t.Parallel()

	factory := NewFactory(FactoryConfig{
		Registry:  config.NewRegistry(),
		Fallbacks: []config.ProviderEntry{{Name: "ollama", Model: "qwen2.5"}},
	})
	_, err := factory(config.Resolved{Model: "gpt-4o-mini"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}
