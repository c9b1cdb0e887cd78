// Package mock provides scripted VAD engines for segmenter and pipeline
// tests.
package mock

import (
	"sync"

	"github.com/MrWong99/cashield/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session, or a fresh silent one when Session is nil.
type Engine struct {
	Session       vad.SessionHandle
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session == nil:
		return &Session{}, nil
	}
	return e.Session, nil
}

// Configs returns the configurations sessions were requested with.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session classifies frames with Func when set, otherwise with the Script
// entry at the frame's index (silence past its end), otherwise as Speech.
type Session struct {
	Func   func(frame []byte) bool
	Script []bool
	Speech bool

	ProcessFrameErr error
	CloseErr        error

	mu sync.Mutex
	// Frames holds a copy of every frame seen. Read it only after the
	// session has gone idle; use FrameCount while it is live.
	Frames         [][]byte
	ResetCallCount int
	closed         int
}

func (s *Session) ProcessFrame(frame []byte) (vad.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.Frames)
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	if s.ProcessFrameErr != nil {
		return vad.Decision{}, s.ProcessFrameErr
	}
	speech := s.Speech
	if s.Func != nil {
		speech = s.Func(frame)
	} else if s.Script != nil {
		speech = idx < len(s.Script) && s.Script[idx]
	}
	if !speech {
		return vad.Decision{}, nil
	}
	return vad.Decision{Speech: true, Score: 1}, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.ResetCallCount++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return s.CloseErr
}

func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Closed reports how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
