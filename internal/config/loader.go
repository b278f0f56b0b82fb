package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the built-in backend names per kind. Other names are
// accepted with a warning, since main may register more.
var KnownProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"dashscope", "openai", "deepgram", "whisper"},
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes and validates one YAML document. Unknown keys are
// errors; an empty document is the zero Config.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem in cfg at once, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	warnUnknownProvider("stt", cfg.Providers.STT.Name)
	if n := cfg.Providers.LLM.Name; n != "" && n != "openai" {
		errs = append(errs, fmt.Errorf("providers.llm.name %q is invalid; the primary chat provider must be openai-compatible (use fallbacks for other vendors)", n))
	}
	seen := map[string]int{cfg.Providers.LLM.Name: -1}
	for i, fb := range cfg.Providers.LLM.Fallbacks {
		prefix := fmt.Sprintf("providers.llm.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		warnUnknownProvider("llm", fb.Name)
		if fb.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if prev, ok := seen[fb.Name]; ok && prev >= 0 {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of fallbacks[%d]", prefix, fb.Name, prev))
		}
		seen[fb.Name] = i
	}

	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %g must be within [0, 1]", r))
	}

	if cfg.Speech.FallbackMaxBytes < 0 {
		errs = append(errs, fmt.Errorf("speech.fallback_max_bytes %d must not be negative", cfg.Speech.FallbackMaxBytes))
	}
	if cfg.Speech.BreakerMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("speech.breaker_max_failures %d must not be negative", cfg.Speech.BreakerMaxFailures))
	}

	for name, p := range map[string]RetryPolicyConfig{"chat": cfg.Retry.Chat, "transcription": cfg.Retry.Transcription} {
		if p.MaxRetries != nil && *p.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("retry.%s.max_retries %d must not be negative", name, *p.MaxRetries))
		}
		if p.Multiplier != 0 && p.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("retry.%s.multiplier %.2f must be at least 1", name, p.Multiplier))
		}
		if p.InitialDelay < 0 || p.MaxDelay < 0 {
			errs = append(errs, fmt.Errorf("retry.%s delays must not be negative", name))
		}
	}

	switch cfg.Telemetry.Driver {
	case "", "sqlite":
	case "postgres":
		if cfg.Telemetry.DSN == "" {
			errs = append(errs, errors.New("telemetry.dsn is required when driver is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.driver %q is invalid; valid values: sqlite, postgres", cfg.Telemetry.Driver))
	}
	if s3 := cfg.Telemetry.Export.S3; s3.Bucket != "" && s3.Region == "" {
		errs = append(errs, errors.New("telemetry.export.s3.region is required when bucket is set"))
	}

	if cfg.Catalog.Dir == "" {
		slog.Warn("catalog.dir is empty; entity matching will run against an empty catalog")
	}

	return errors.Join(errs...)
}

func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(KnownProviders[kind], name) {
		return
	}
	slog.Warn("config: unknown provider name", "kind", kind, "name", name, "known", KnownProviders[kind])
}
