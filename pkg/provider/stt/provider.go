// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription engine (a local whisper.cpp
// server, in-process whisper.cpp, or a cloud API) and turns one complete
// utterance of PCM audio into text. The pipeline calls the same interface for
// both the FAST preview pass and the FINAL confirmation pass; the two passes
// differ only in which provider instance (model size, beam settings) is used.
//
// Implementations must be safe for concurrent use: FINAL passes run on a
// worker pool while the FAST pass runs on the capture loop.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when Transcribe is called without audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Audio is one utterance of raw 16-bit little-endian PCM.
type Audio struct {
	// PCM holds the interleaved samples.
	PCM []byte

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels. Providers downmix
	// internally when they need mono.
	Channels int
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the recognised text for audio. An empty string with
	// a nil error means the engine heard nothing intelligible.
	//
	// Models that load lazily do so on the first call; that call may be slow
	// and may fail with a load error, which callers treat like any other
	// transcription failure.
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Name returns a short identifier for p for logs and metrics, using the
// optional Name() method when implemented.
func Name(p Provider) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "stt"
}
