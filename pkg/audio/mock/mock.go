// Package mock provides an in-memory implementation of [audio.Source] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every Start/Stop call so
// tests can assert on restart behaviour, and exposes fields that control the
// return values and liveness signals the supervisor observes.
//
// Typical usage:
//
//	src := mock.NewSource(audio.Format{SampleRate: 16000, Channels: 1})
//	src.Push(pcm)                    // simulate a capture callback
//	src.SetStalled(true)             // simulate a hot-unplug
//	src.StartErrs = []error{someErr} // first restart fails
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cashield/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	format  audio.Format
	ring    *audio.Ring
	active  bool
	last    time.Time
	stalled bool

	// StartErrs is consumed one element per Start call. A nil element or an
	// exhausted slice means success.
	StartErrs []error

	// StopErr is returned by Stop.
	StopErr error

	// StartCalls records the device passed to each Start call.
	StartCalls []audio.Device

	// StopCalls counts Stop invocations.
	StopCalls int

	// ManualClock makes the callback clock behave like a real device: Start
	// zeroes it and only Push advances it.
	ManualClock bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a stopped mock source delivering PCM in format f.
func NewSource(f audio.Format) *Source {
	return &Source{format: f, ring: audio.NewRing(1 << 20)}
}

func (s *Source) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context, dev audio.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls = append(s.StartCalls, dev)
	if len(s.StartErrs) > 0 {
		err := s.StartErrs[0]
		s.StartErrs = s.StartErrs[1:]
		if err != nil {
			s.active = false
			return err
		}
	}
	s.active = true
	s.stalled = false
	if s.ManualClock {
		s.last = time.Time{}
	} else {
		s.last = s.now()
	}
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	s.active = false
	s.ring.Reset()
	return s.StopErr
}

// Drain implements [audio.Source].
func (s *Source) Drain() []byte { return s.ring.Drain() }

// Active implements [audio.Source].
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastCallback implements [audio.Source]. Unless ManualClock is set, every
// call reports a fresh callback while the source is active and not stalled.
func (s *Source) LastCallback() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && !s.stalled && !s.ManualClock {
		s.last = s.now()
	}
	return s.last
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Dropped returns the bytes the 1 MiB ring evicted because nothing drained it.
func (s *Source) Dropped() int64 { return s.ring.Dropped() }

// Push simulates a capture callback delivering pcm.
func (s *Source) Push(pcm []byte) {
	s.mu.Lock()
	s.last = s.now()
	s.mu.Unlock()
	s.ring.Write(pcm)
}

// SetStalled freezes (true) or resumes (false) the callback clock.
func (s *Source) SetStalled(stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = stalled
}

// SetActive forces the reported stream state.
func (s *Source) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// Starts returns a copy of the recorded Start devices.
func (s *Source) Starts() []audio.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Device, len(s.StartCalls))
	copy(out, s.StartCalls)
	return out
}
