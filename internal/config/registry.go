package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned when no factory exists for a name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a backend from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name → constructor table.
type factories[T any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]Factory[T]
}

func (f *factories[T]) register(name string, fn Factory[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]Factory[T])
	}
	f.m[name] = fn
}

func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.m[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	v, err := fn(entry)
	if err != nil {
		return v, fmt.Errorf("config: create %s/%s: %w", f.kind, entry.Name, err)
	}
	return v, nil
}

func (f *factories[T]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for n := range f.m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Registry maps provider names to constructors. main registers the built-in
// backends; tests register fakes. Safe for concurrent use. A later
// registration under the same name replaces the earlier one.
type Registry struct {
	llm factories[llm.Provider]
	stt factories[stt.Transcriber]
}

func NewRegistry() *Registry {
	return &Registry{
		llm: factories[llm.Provider]{kind: "llm"},
		stt: factories[stt.Transcriber]{kind: "stt"},
	}
}

func (r *Registry) RegisterLLM(name string, fn Factory[llm.Provider]) { r.llm.register(name, fn) }

func (r *Registry) RegisterSTT(name string, fn Factory[stt.Transcriber]) { r.stt.register(name, fn) }

// CreateLLM builds the chat provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.create(entry) }

// CreateSTT builds the transcription backend registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) { return r.stt.create(entry) }

// LLMNames returns the registered chat provider names, sorted.
func (r *Registry) LLMNames() []string { return r.llm.names() }

// STTNames returns the registered transcription backend names, sorted.
func (r *Registry) STTNames() []string { return r.stt.names() }
