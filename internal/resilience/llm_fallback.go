package resilience

import (
	"context"

	"github.com/MrWong99/cashield/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over from the configured
// summarizer to its fallback backends.
type LLMFallback struct {
	f *Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	f := NewFailover[llm.Provider](cfg)
	f.Add(name, primary)
	return &LLMFallback{f: f}
}

func (l *LLMFallback) AddFallback(name string, p llm.Provider) { l.f.Add(name, p) }

// Complete returns the first successful completion. Its Model field names
// the backend that answered.
func (l *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, l.f, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Model is the primary backend's model.
func (l *LLMFallback) Model() string {
	if _, p, ok := l.f.Primary(); ok {
		return p.Model()
	}
	return ""
}
