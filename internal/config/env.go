package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables read by [EnvSettings].
const (
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvBaseURL        = "LLM_BASE_URL"
	EnvModel          = "LLM_MODEL"
	EnvAudioModel     = "LLM_AUDIO_MODEL"
	EnvDashScopeKey   = "DASHSCOPE_API_KEY"
	EnvSpeechTestMode = "SPEECH_TEST_MODE"
)

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none are
// given) into the process environment. Variables already set are not
// overridden and missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		err := godotenv.Load(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		slog.Debug("loaded environment file", "path", f)
	}
	return nil
}

// EnvSettings builds the environment-default layer from lookup. Pass
// [os.LookupEnv] in production.
func EnvSettings(lookup func(string) (string, bool)) Settings {
	get := func(k string) string {
		v, _ := lookup(k)
		return v
	}
	s := Settings{
		APIKey:          get(EnvOpenAIKey),
		BaseURL:         get(EnvBaseURL),
		Model:           get(EnvModel),
		AudioModel:      get(EnvAudioModel),
		DashScopeAPIKey: get(EnvDashScopeKey),
	}
	if v, ok := lookup(EnvSpeechTestMode); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("ignoring unparseable environment flag", "key", EnvSpeechTestMode, "value", v)
		} else {
			s.SpeechTestMode = &b
		}
	}
	return s
}

// ProcessEnv is EnvSettings over the process environment.
func ProcessEnv() Settings { return EnvSettings(os.LookupEnv) }

// FileDefaults converts the static config file into a Settings layer. It ranks
// alongside environment defaults, below them.
func FileDefaults(cfg *Config) Settings {
	s := Settings{
		APIKey:          cfg.Providers.LLM.APIKey,
		BaseURL:         cfg.Providers.LLM.BaseURL,
		Model:           cfg.Providers.LLM.Model,
		AudioModel:      cfg.Providers.LLM.AudioModel,
		DashScopeAPIKey: cfg.Providers.STT.APIKey,
	}
	if cfg.Speech.TestMode {
		t := true
		s.SpeechTestMode = &t
	}
	return s
}
