package config

import "github.com/MrWong99/medscribe/pkg/types"

// Hardcoded defaults, the lowest precedence layer.
const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultModel      = "gpt-4o-mini"
	DefaultAudioModel = "whisper-1"
)

// ErrMissingAPIKey is reported when no layer supplies a credential.
var ErrMissingAPIKey = types.ErrMissingAPIKey

// Resolved is the effective configuration handed to the gateway and the
// speech orchestrator. It is a plain value; callers re-resolve when a layer
// changes.
type Resolved struct {
	APIKey          string
	BaseURL         string
	Model           string
	AudioModel      string
	DashScopeAPIKey string
	SpeechTestMode  bool
}

// Resolve applies the precedence override → persisted → env → hardcoded
// default, field by field. It performs no I/O.
func Resolve(override, persisted, env Settings) Resolved {
	s := override.Or(persisted).Or(env).Or(Settings{
		BaseURL:    DefaultBaseURL,
		Model:      DefaultModel,
		AudioModel: DefaultAudioModel,
	})
	r := Resolved{
		APIKey:          s.APIKey,
		BaseURL:         s.BaseURL,
		Model:           s.Model,
		AudioModel:      s.AudioModel,
		DashScopeAPIKey: s.DashScopeAPIKey,
	}
	if s.SpeechTestMode != nil {
		r.SpeechTestMode = *s.SpeechTestMode
	}
	return r
}

// HasChatKey reports whether a chat credential was resolved.
func (r Resolved) HasChatKey() bool { return r.APIKey != "" }

// Changed lists the names of fields that differ between r and other. Secret
// values are never included, only their field names.
func (r Resolved) Changed(other Resolved) []string {
	var out []string
	if r.APIKey != other.APIKey {
		out = append(out, "api_key")
	}
	if r.BaseURL != other.BaseURL {
		out = append(out, "base_url")
	}
	if r.Model != other.Model {
		out = append(out, "model")
	}
	if r.AudioModel != other.AudioModel {
		out = append(out, "audio_model")
	}
	if r.DashScopeAPIKey != other.DashScopeAPIKey {
		out = append(out, "dashscope_api_key")
	}
	if r.SpeechTestMode != other.SpeechTestMode {
		out = append(out, "speech_test_mode")
	}
	return out
}
