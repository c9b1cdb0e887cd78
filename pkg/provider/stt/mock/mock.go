// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to return canned transcripts, block on a gate to simulate a
// slow FINAL pass, and inspect which audio was submitted.
//
// Example:
//
//	p := &mock.Provider{Texts: []string{"こんにちは", "無能"}}
//	text, _ := p.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cashield/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
//
// Results are taken, in order of precedence, from Func, then Texts/Errs (one
// entry per call; the last entry repeats once the slice is exhausted), then
// Text/Err.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Func, if set, computes each result.
	Func func(ctx context.Context, audio stt.Audio) (string, error)

	// Texts and Errs are consumed one element per call.
	Texts []string
	Errs  []error

	// Text and Err are returned when neither Func nor Texts/Errs apply.
	Text string
	Err  error

	// Gate, if non-nil, is received from before returning. Tests close or
	// send on it to release blocked calls.
	Gate chan struct{}

	// Calls records a copy of every audio passed to Transcribe.
	Calls []stt.Audio
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio) (string, error) {
	p.mu.Lock()
	cp := audio
	cp.PCM = append([]byte(nil), audio.PCM...)
	n := len(p.Calls)
	p.Calls = append(p.Calls, cp)
	gate := p.Gate
	fn := p.Func
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, audio)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	text, err := p.Text, p.Err
	if len(p.Texts) > 0 {
		text = p.Texts[min(n, len(p.Texts)-1)]
	}
	if len(p.Errs) > 0 {
		err = p.Errs[min(n, len(p.Errs)-1)]
	}
	return text, err
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
