// Package audio defines the capture-side abstractions of the CaShield audio
// pipeline.
//
// The central abstraction is [Source]: a live input device that pushes raw
// 16-bit little-endian PCM into a bounded [Ring] from its own callback thread.
// The pipeline drains the ring at a fixed cadence with [Source.Drain] and a
// supervisor watches [Source.Active] and [Source.LastCallback] to detect
// hot-unplugged or stalled devices.
//
// Device implementations live in sub-packages (e.g., audio/portaudio). This
// package lives under pkg/ so that alternative capture backends can be
// implemented outside the module.
package audio

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNoDevice is returned by [Source.Start] when the selected device cannot be
// found or opened.
var ErrNoDevice = errors.New("audio: input device not available")

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerMs returns how many bytes of 16-bit PCM make up one millisecond.
func (f Format) BytesPerMs() int {
	return f.SampleRate * f.Channels * 2 / 1000
}

// FrameBytes returns the byte length of a frame of the given duration.
func (f Format) FrameBytes(frameMs int) int {
	return f.SampleRate * frameMs / 1000 * f.Channels * 2
}

// Device selects a capture device. The zero value selects the platform
// default input device.
type Device struct {
	// Index selects a device by its platform index when HasIndex is true.
	Index    int
	HasIndex bool

	// Name selects the first input device whose name contains Name
	// (case-insensitive). Ignored when HasIndex is true.
	Name string
}

// ParseDevice interprets a user-supplied selector. Integers select by index,
// any other non-empty string selects by name substring, and an empty string
// selects the default device.
func ParseDevice(s string) Device {
	if s == "" {
		return Device{}
	}
	if idx, err := strconv.Atoi(s); err == nil {
		return Device{Index: idx, HasIndex: true}
	}
	return Device{Name: s}
}

// IsDefault reports whether d selects the platform default device.
func (d Device) IsDefault() bool {
	return !d.HasIndex && d.Name == ""
}

// String returns a log-friendly representation of the selector.
func (d Device) String() string {
	switch {
	case d.HasIndex:
		return "#" + strconv.Itoa(d.Index)
	case d.Name != "":
		return d.Name
	default:
		return "default"
	}
}

// DeviceInfo describes an input device reported by the platform.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// Source is a live capture device. Implementations must be safe for
// concurrent use: the capture callback runs on a platform thread while the
// pipeline and the supervisor call the remaining methods.
type Source interface {
	// Start opens the given device and begins capturing. Calling Start on a
	// running source restarts it against dev.
	Start(ctx context.Context, dev Device) error

	// Stop closes the device. Buffered audio is discarded. Safe to call on a
	// stopped source.
	Stop() error

	// Drain returns and removes all buffered PCM. Returns nil when empty.
	Drain() []byte

	// Active reports whether the underlying stream is running.
	Active() bool

	// LastCallback returns the time of the most recent capture callback. The
	// zero time means no callback has fired since the last Start.
	LastCallback() time.Time

	// Format returns the PCM format delivered by Drain.
	Format() Format
}
