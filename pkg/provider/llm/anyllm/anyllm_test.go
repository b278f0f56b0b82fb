package anyllm

import (
	"errors"
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/types"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backend  string
		model    string
		opts     []anyllmlib.Option
		wantName string
		wantErr  error
	}{
		{name: "openai", backend: "openai", model: "gpt-4o-mini", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}, wantName: "openai"},
		{name: "anthropic", backend: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}, wantName: "anthropic"},
		{name: "normalized", backend: " Ollama ", model: "qwen2.5", wantName: "ollama"},
		{name: "llamacpp", backend: "llamacpp", model: "qwen2.5", wantName: "llamacpp"},
		{name: "unknown", backend: "fakecloud", model: "m", wantErr: ErrUnsupported},
		{name: "empty name", backend: "", model: "m", wantErr: ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.backend, tt.model, tt.opts...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New(%q) err = %v, want %v", tt.backend, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q): %v", tt.backend, err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestNew_RequiresModel(t *testing.T) {
	t.Parallel()

	if _, err := New("ollama", ""); err == nil {
		t.Fatal("New with an empty model succeeded")
	}
}

func TestSupported(t *testing.T) {
	t.Parallel()

	got := Supported()
	if !slices.IsSorted(got) {
		t.Errorf("Supported() = %v, want sorted", got)
	}
	for _, want := range []string{"anthropic", "gemini", "ollama", "openai"} {
		if !slices.Contains(got, want) {
			t.Errorf("Supported() lacks %q", want)
		}
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "你是病历助手"},
			{Role: types.RoleUser, Content: "主诉：咳嗽"},
		},
		Temperature: 0.2,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "llama3" || len(params.Messages) != 2 {
		t.Fatalf("params = %+v", params)
	}
	if m := params.Messages[1]; m.Role != types.RoleUser || m.ContentString() != "主诉：咳嗽" {
		t.Errorf("message = %q/%q", m.Role, m.ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}

	params, _ = p.buildParams(llm.CompletionRequest{})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("zero request set temperature %v, max tokens %v", params.Temperature, params.MaxTokens)
	}
}

func TestBuildParams_RejectsImages(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-3-5-haiku-latest"}
	_, err := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "看图", Images: []string{"https://x/y.png"}}},
	})
	if !errors.Is(err, errImagesUnsupported) {
		t.Fatalf("err = %v, want errImagesUnsupported", err)
	}
}

func TestPrepare_RequestKey(t *testing.T) {
	t.Parallel()

	p, err := New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-default"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	shared, _, err := p.prepare(llm.CompletionRequest{})
	if err != nil || shared != p.backend {
		t.Fatalf("prepare without key = %v, %v; want the configured backend", shared, err)
	}
	own, _, err := p.prepare(llm.CompletionRequest{APIKey: "sk-ant-user"})
	if err != nil {
		t.Fatalf("prepare with key: %v", err)
	}
	if own == nil || own == p.backend {
		t.Fatal("prepare with a request key reused the configured backend")
	}
}
