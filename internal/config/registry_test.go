package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/medscribe/pkg/provider/llm/mock"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/medscribe/pkg/provider/stt/mock"
)

func TestRegistry_CreateLLM(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"})
	if err != nil || p == nil {
		t.Fatalf("CreateLLM = %v, %v", p, err)
	}
	if gotEntry.Model != "gpt-4o-mini" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if names := reg.LLMNames(); !slices.Equal(names, []string{"openai"}) {
		t.Errorf("LLMNames() = %v", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_CreateSTT(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterSTT("dashscope", func(config.ProviderEntry) (stt.Transcriber, error) {
		return &sttmock.Transcriber{Text: "你好"}, nil
	})
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Transcriber, error) {
		return nil, errDeepgram
	})
	tr, err := reg.CreateSTT(config.ProviderEntry{Name: "dashscope"})
	if err != nil || tr == nil {
		t.Fatalf("CreateSTT = %v, %v", tr, err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); !errors.Is(err, errDeepgram) {
		t.Errorf("CreateSTT(deepgram) err = %v, want the factory error", err)
	}
	if names := reg.STTNames(); !slices.Equal(names, []string{"dashscope", "deepgram"}) {
		t.Errorf("STTNames() = %v", names)
	}
}

var errDeepgram = errors.New("keywords must be strings")
