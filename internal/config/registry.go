package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/cashield/pkg/provider/llm"
	"github.com/MrWong99/cashield/pkg/provider/stt"
	"github.com/MrWong99/cashield/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config names a backend no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is the name table of one provider kind.
type factories[In, Out any] map[string]func(In) (Out, error)

// create runs the factory for name outside of mu.
func create[In, Out any](mu *sync.RWMutex, f factories[In, Out], kind, name string, in In) (Out, error) {
	mu.RLock()
	build, ok := f[name]
	mu.RUnlock()
	if !ok {
		var zero Out
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return build(in)
}

// Registry resolves the backend names in the config file to constructors.
// Registration normally happens once at startup; lookups may run
// concurrently with it.
type Registry struct {
	mu  sync.RWMutex
	llm factories[ProviderEntry, llm.Provider]
	stt factories[ProviderEntry, stt.Provider]
	vad factories[VADConfig, vad.Engine]
}

func NewRegistry() *Registry {
	return &Registry{
		llm: factories[ProviderEntry, llm.Provider]{},
		stt: factories[ProviderEntry, stt.Provider]{},
		vad: factories[VADConfig, vad.Engine]{},
	}
}

// RegisterLLM adds or replaces the summarizer backend called name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	r.llm[name] = factory
	r.mu.Unlock()
}

// RegisterSTT adds or replaces the ASR backend called name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	r.stt[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	r.vad[name] = factory
	r.mu.Unlock()
}

func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(&r.mu, r.llm, "llm", entry.Name, entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(&r.mu, r.stt, "stt", entry.Name, entry)
}

// CreateVAD looks the engine up by cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	return create(&r.mu, r.vad, "vad", cfg.Engine, cfg)
}

// Names lists the registered backends of kind "llm", "stt" or "vad",
// sorted. Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "llm":
		return slices.Sorted(maps.Keys(r.llm))
	case "stt":
		return slices.Sorted(maps.Keys(r.stt))
	case "vad":
		return slices.Sorted(maps.Keys(r.vad))
	}
	return nil
}
