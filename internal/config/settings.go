package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings is one layer of user-adjustable values. The same shape serves the
// call-site override, the persisted settings file and the environment
// defaults; empty fields defer to the next layer in [Resolve].
type Settings struct {
	APIKey          string `yaml:"api_key,omitempty"`
	BaseURL         string `yaml:"base_url,omitempty"`
	Model           string `yaml:"model,omitempty"`
	AudioModel      string `yaml:"audio_model,omitempty"`
	DashScopeAPIKey string `yaml:"dashscope_api_key,omitempty"`
	SpeechTestMode  *bool  `yaml:"speech_test_mode,omitempty"`
}

// Or returns s with every empty field filled from fallback.
func (s Settings) Or(fallback Settings) Settings {
	out := s
	if out.APIKey == "" {
		out.APIKey = fallback.APIKey
	}
	if out.BaseURL == "" {
		out.BaseURL = fallback.BaseURL
	}
	if out.Model == "" {
		out.Model = fallback.Model
	}
	if out.AudioModel == "" {
		out.AudioModel = fallback.AudioModel
	}
	if out.DashScopeAPIKey == "" {
		out.DashScopeAPIKey = fallback.DashScopeAPIKey
	}
	if out.SpeechTestMode == nil {
		out.SpeechTestMode = fallback.SpeechTestMode
	}
	return out
}

// LoadSettings reads the persisted settings file. A missing file is not an
// error and yields empty Settings.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("config: read settings %q: %w", path, err)
	}
	return parseSettings(data)
}

func parseSettings(data []byte) (Settings, error) {
	var s Settings
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("config: decode settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes s to path atomically (temp file plus rename) with
// owner-only permissions, since the file holds API keys.
func SaveSettings(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: encode settings: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("config: save settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: save settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: save settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: save settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: save settings: %w", err)
	}
	return nil
}
