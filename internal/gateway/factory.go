package gateway

import (
	"fmt"

	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/resilience"
	"github.com/MrWong99/medscribe/pkg/provider/llm/openai"
)

// FactoryConfig describes how [NewFactory] builds backends.
type FactoryConfig struct {
	// Registry creates the fallback chat providers. May be nil when
	// Fallbacks is empty.
	Registry *config.Registry

	// Fallbacks are tried in order after the OpenAI-compatible primary fails
	// or its breaker opens.
	Fallbacks []config.ProviderEntry

	// Breaker configures the per-provider circuit breaker of the fallback
	// chain.
	Breaker resilience.CircuitBreakerConfig

	// OnFailover is called each time chat moves past a failed provider.
	OnFailover func(failed string, err error)

	// OpenAI options applied on top of the resolved base URL and audio model.
	OpenAI []openai.Option
}

// NewFactory returns a [Factory] that builds an OpenAI-compatible primary
// serving both chat and transcription. With fallbacks configured, chat goes
// through a [resilience.LLMFallback].
func NewFactory(fc FactoryConfig) Factory {
	return func(cfg config.Resolved) (Backends, error) {
		opts := append([]openai.Option{
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithAudioModel(cfg.AudioModel),
		}, fc.OpenAI...)
		primary, err := openai.New(cfg.APIKey, cfg.Model, opts...)
		if err != nil {
			return Backends{}, err
		}
		b := Backends{Name: "openai", Chat: primary, Audio: primary}
		if len(fc.Fallbacks) == 0 {
			return b, nil
		}

		chain := resilience.NewLLMFallback(primary, "openai", resilience.FallbackConfig{
			CircuitBreaker: fc.Breaker,
			OnFailover:     fc.OnFailover,
		})
		for _, entry := range fc.Fallbacks {
			p, err := fc.Registry.CreateLLM(entry)
			if err != nil {
				return Backends{}, fmt.Errorf("fallback %q: %w", entry.Name, err)
			}
			chain.AddFallback(entry.Name, p)
		}
		b.Chat = chain
		return b, nil
	}
}
