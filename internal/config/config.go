// Package config provides the configuration schema, loader, persisted user
// settings, environment defaults and the provider registry for medscribe.
//
// Static deployment configuration lives in a YAML file loaded by [Load].
// Credentials and model choices that a user may change at runtime live in a
// separate settings file ([LoadSettings], [SaveSettings], [Watcher]). The two
// meet in [Resolve], a pure precedence function whose result is handed to the
// gateway and orchestrators explicitly.
package config

import "time"

// LogLevel controls log verbosity for the medscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for medscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Speech    SpeechConfig    `yaml:"speech"`
	Retry     RetryConfig     `yaml:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network and logging settings for the HTTP API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the chat and speech backends.
type ProvidersConfig struct {
	// LLM is the primary chat provider plus optional ordered fallbacks.
	LLM LLMConfig `yaml:"llm"`

	// STT is the primary speech transcription backend (e.g., "dashscope").
	STT ProviderEntry `yaml:"stt"`
}

// LLMConfig is the primary chat provider entry with ordered fallbacks. The
// primary must be OpenAI-compatible because it also serves audio
// transcription.
type LLMConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// AudioModel selects the transcription model for providers that offer one.
	AudioModel string `yaml:"audio_model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// ObserveConfig tunes tracing and the reported service identity.
type ObserveConfig struct {
	// ServiceName defaults to "medscribe".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the share of new traces sampled. Zero samples all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// CatalogConfig locates the reference tables.
type CatalogConfig struct {
	// Dir contains diagnoses.csv, medicines.csv and items.csv.
	Dir string `yaml:"dir"`
}

// SpeechConfig configures the transcription orchestrator.
type SpeechConfig struct {
	// TestMode returns a canned transcript instead of calling any backend.
	TestMode bool `yaml:"test_mode"`

	// CannedTranscript replaces the built-in test-mode transcript.
	CannedTranscript string `yaml:"canned_transcript"`

	// FallbackMaxBytes is the largest payload sent to the fallback provider.
	// Zero uses 25 MiB.
	FallbackMaxBytes int `yaml:"fallback_max_bytes"`

	// BreakerMaxFailures and BreakerResetTimeout tune the circuit breaker
	// around the primary backend.
	BreakerMaxFailures  int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// RetryConfig overrides the default retry policies. Zero fields keep the
// built-in defaults.
type RetryConfig struct {
	Chat          RetryPolicyConfig `yaml:"chat"`
	Transcription RetryPolicyConfig `yaml:"transcription"`
}

// RetryPolicyConfig mirrors resilience.RetryPolicy in YAML form.
type RetryPolicyConfig struct {
	MaxRetries   *int          `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// TelemetryConfig selects the session/telemetry store.
type TelemetryConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the SQLite file path or PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// Export configures where exported telemetry is written.
	Export ExportConfig `yaml:"export"`
}

// ExportConfig selects the export sink. When S3.Bucket is set exports go to
// S3, otherwise to Dir on the local file system.
type ExportConfig struct {
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

// S3Config describes an S3 (or S3-compatible) export bucket. Empty
// credentials fall back to the default AWS credential chain.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}
