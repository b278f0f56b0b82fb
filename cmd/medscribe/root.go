package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/spf13/cobra"

	"github.com/MrWong99/medscribe/internal/app"
	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/provider/llm/anyllm"
	"github.com/MrWong99/medscribe/pkg/provider/llm/openai"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/provider/stt/dashscope"
	"github.com/MrWong99/medscribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/medscribe/pkg/provider/stt/whisper"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath   string
	settingsPath string
	logLevel     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "medscribe",
		Version:       version,
		Short:         "Clinical documentation assistant",
		Long:          "Transcribes consultations, drafts medical records, matches them against the reference catalog and fact-checks the result.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&g.settingsPath, "settings", "settings.yaml", "path to the persisted user settings file (empty disables it)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error (default: server.log_level)")

	root.AddCommand(
		newServeCmd(g),
		newTranscribeCmd(g),
		newMatchCmd(g),
		newRecordCmd(g),
		newExportCmd(g),
	)
	return root
}

// load reads the configuration, installs the logger and loads .env. A
// missing config file yields the zero config so the subcommands work from
// environment variables alone.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = &config.Config{}
	case err != nil:
		return nil, err
	}

	level := config.LogLevel(g.logLevel)
	if level == "" {
		level = cfg.Server.LogLevel
	}
	if level != "" && !level.IsValid() {
		return nil, fmt.Errorf("invalid --log-level %q; valid values: debug, info, warn, error", g.logLevel)
	}
	slog.SetDefault(newLogger(level))

	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return cfg, nil
}

// newApp loads the configuration and builds the application.
func (g *globalFlags) newApp(cmd *cobra.Command, opts ...app.Option) (*app.App, *config.Config, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	a, err := g.buildApp(cmd, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// buildApp wires an App for an already loaded cfg.
func (g *globalFlags) buildApp(cmd *cobra.Command, cfg *config.Config, opts ...app.Option) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	opts = append([]app.Option{app.WithSettingsPath(g.settingsPath)}, opts...)
	return app.New(cmd.Context(), cfg, reg, opts...)
}

// ── Provider wiring ──────────────────────────────────────────────────────────

// anyllmProviders share the same pattern: optional APIKey + optional BaseURL.
var anyllmProviders = []string{
	"openai", "anthropic", "gemini",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires the built-in provider factories into reg.
// Chat providers serve the gateway's fallback chain; speech backends serve
// the transcription orchestrator's primary path.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ──────────────────────────────────────────────────────────────
	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── STT ──────────────────────────────────────────────────────────────
	// Options: timeout, chunk_interval (Go durations such as "5m").
	reg.RegisterSTT("dashscope", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []dashscope.Option
		if entry.BaseURL != "" {
			opts = append(opts, dashscope.WithURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, dashscope.WithModel(entry.Model))
		}
		timeout, err := optDuration(entry.Options, "timeout")
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, dashscope.WithTimeout(timeout))
		}
		interval, err := optDuration(entry.Options, "chunk_interval")
		if err != nil {
			return nil, err
		}
		if _, set := entry.Options["chunk_interval"]; set {
			opts = append(opts, dashscope.WithChunkInterval(interval))
		}
		return dashscope.New(entry.APIKey, opts...), nil
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		model := entry.Model
		if model == "" {
			model = config.DefaultModel
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.AudioModel != "" {
			opts = append(opts, openai.WithAudioModel(entry.AudioModel))
		}
		p, err := openai.New(entry.APIKey, model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Options: language, keywords (list), keyword_boost.
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if kws := optStrings(entry.Options, "keywords"); len(kws) > 0 {
			boost := 1.0
			if b, ok := entry.Options["keyword_boost"].(float64); ok {
				boost = b
			} else if b, ok := entry.Options["keyword_boost"].(int); ok {
				boost = float64(b)
			}
			opts = append(opts, deepgram.WithKeywords(boost, kws...))
		}
		return deepgram.New(entry.APIKey, opts...), nil
	})

	// whisper is a local whisper.cpp server; BaseURL is its address.
	// Options: language, prompt.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, whisper.WithPrompt(prompt))
		}
		return whisper.New(entry.BaseURL, opts...), nil
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "stt", reg.STTNames())
}

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration reads a duration option such as "90s". Unset is zero.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	s, _ := v.(string)
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("option %s: invalid duration %v", key, v)
	}
	return d, nil
}

// optStrings reads a YAML list option. A single string is accepted too.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
