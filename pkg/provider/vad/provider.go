// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech classifier (an energy gate, WebRTC
// VAD, or a model) and surfaces it as a per-stream session. The segmenter asks
// the session about every fixed-size frame and builds utterances from the
// answers.
//
// VAD is synchronous: ProcessFrame returns immediately, making it suitable
// for the capture polling loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import "errors"

// ErrFrameSize is returned by ProcessFrame when the frame length does not match
// the configured frame duration.
var ErrFrameSize = errors.New("vad: frame size mismatch")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000, 16000, 32000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds: 10, 20,
	// or 30.
	FrameSizeMs int

	// Aggressiveness ranges from 0 (least aggressive about filtering out
	// non-speech) to 3 (most aggressive).
	Aggressiveness int
}

// FrameBytes returns the expected byte length of a 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		errs = append(errs, errors.New("vad: frame size must be 10, 20 or 30 ms"))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		errs = append(errs, errors.New("vad: aggressiveness must be 0..3"))
	}
	return errors.Join(errs...)
}

// Decision is the classification of a single frame.
type Decision struct {
	// Speech is true when the frame is classified as speech.
	Speech bool

	// Score is the engine's raw score (energy, probability) for diagnostics.
	Score float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// Reset clears accumulated state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies one frame of raw little-endian 16-bit mono PCM
	// at the configured rate and frame size. Returns [ErrFrameSize] for
	// wrongly sized frames. Must not block.
	ProcessFrame(frame []byte) (Decision, error)

	// Reset clears accumulated detection state. Used when the audio stream is
	// restarted after a device change.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid for this engine.
	NewSession(cfg Config) (SessionHandle, error)
}
