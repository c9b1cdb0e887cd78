// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []string{"not json", `{"summary":"ok"}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cashield/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Responses and Errs are consumed one element per call; once exhausted the
// last element repeats. A nil Errs element means success.
type Provider struct {
	mu sync.Mutex

	// ModelName is returned by Model. Defaults to "mock-model".
	ModelName string

	// Func, if set, computes every result.
	Func func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	Responses []string
	Errs      []error

	// Calls records every call to Complete in order.
	Calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the scripted result.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.Calls)
	p.Calls = append(p.Calls, CompleteCall{Req: req})
	fn := p.Func
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Errs) > 0 {
		if err := p.Errs[min(n, len(p.Errs)-1)]; err != nil {
			return nil, err
		}
	}
	var content string
	if len(p.Responses) > 0 {
		content = p.Responses[min(n, len(p.Responses)-1)]
	}
	return &llm.CompletionResponse{Content: content, Model: p.model()}, nil
}

// Model implements llm.Provider.
func (p *Provider) Model() string { return p.model() }

func (p *Provider) model() string {
	if p.ModelName != "" {
		return p.ModelName
	}
	return "mock-model"
}

// CallCount returns the number of Complete calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
