// Package energy provides a dependency-free VAD engine that classifies frames
// by their mean absolute amplitude.
//
// Each aggressiveness level maps to a fixed amplitude threshold; higher
// aggressiveness lowers the threshold, matching the behaviour of the energy
// gate used when no model-based VAD is available.
package energy

import (
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/cashield/pkg/audio"
	"github.com/MrWong99/cashield/pkg/provider/vad"
)

// Thresholds maps aggressiveness (0..3) to the mean-absolute amplitude at or
// above which a frame counts as speech.
var Thresholds = [4]float64{150, 120, 90, 70}

// Option configures an [Engine].
type Option func(*Engine)

// WithThreshold overrides the amplitude threshold for every aggressiveness.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.override = t }
}

// Engine implements [vad.Engine].
type Engine struct {
	override float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	th := Thresholds[cfg.Aggressiveness]
	if e.override > 0 {
		th = e.override
	}
	return &session{threshold: th, frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	threshold  float64
	frameBytes int
	closed     atomic.Bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Decision, error) {
	if s.closed.Load() {
		return vad.Decision{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Decision{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	score := audio.MeanAbs(frame)
	return vad.Decision{Speech: score >= s.threshold, Score: score}, nil
}

func (s *session) Reset() {}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}
