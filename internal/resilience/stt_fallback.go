package resilience

import (
	"context"

	"github.com/MrWong99/cashield/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that fails over between ASR backends.
type STTFallback struct {
	f *Failover[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	f := NewFailover[stt.Provider](cfg)
	f.Add(name, primary)
	return &STTFallback{f: f}
}

func (s *STTFallback) AddFallback(name string, p stt.Provider) { s.f.Add(name, p) }

func (s *STTFallback) Transcribe(ctx context.Context, audio stt.Audio) (string, error) {
	return Call(ctx, s.f, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, audio)
	})
}

// Name is the primary backend's name, used in metrics and logs.
func (s *STTFallback) Name() string {
	if name, _, ok := s.f.Primary(); ok {
		return name
	}
	return "stt-fallback"
}
