// Package portaudio implements [audio.Source] on top of PortAudio.
//
// The stream runs in callback mode: PortAudio invokes the callback on its own
// thread with a buffer of int16 samples, which is copied into a bounded
// [audio.Ring]. When the device cannot be opened at the requested format the
// source falls back to the device's native rate and channel count and
// converts in the callback.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/cashield/pkg/audio"
)

// Option configures a [Source].
type Option func(*Source)

// WithFramesPerBuffer sets the callback buffer size in frames. Defaults to
// one 30 ms frame at the target rate.
func WithFramesPerBuffer(n int) Option {
	return func(s *Source) { s.framesPerBuf = n }
}

// WithRingSeconds sets how many seconds of audio the ring buffer holds before
// evicting the oldest bytes. Defaults to 10.
func WithRingSeconds(sec int) Option {
	return func(s *Source) { s.ringSec = sec }
}

// Source captures mono int16 PCM from a PortAudio input device.
type Source struct {
	target       audio.Format
	framesPerBuf int
	ringSec      int

	ring *audio.Ring

	mu     sync.Mutex
	stream *portaudio.Stream
	device string

	// written from the PortAudio callback thread
	lastMu sync.Mutex
	last   time.Time
}

var _ audio.Source = (*Source)(nil)

// New initialises PortAudio and returns a stopped source that delivers PCM at
// sampleRate in mono. Call [Source.Close] to release PortAudio.
func New(sampleRate int, opts ...Option) (*Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	s := &Source{
		target:  audio.Format{SampleRate: sampleRate, Channels: 1},
		ringSec: 10,
	}
	for _, o := range opts {
		o(s)
	}
	if s.framesPerBuf <= 0 {
		s.framesPerBuf = sampleRate * 30 / 1000
	}
	s.ring = audio.NewRing(s.target.BytesPerMs() * 1000 * s.ringSec)
	return s, nil
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context, dev audio.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	info, err := resolve(dev)
	if err != nil {
		return err
	}

	stream, err := s.open(info, s.target)
	if err != nil {
		native := audio.Format{
			SampleRate: int(info.DefaultSampleRate),
			Channels:   min(info.MaxInputChannels, 2),
		}
		slog.Warn("portaudio: target format rejected, using device native format",
			"device", info.Name,
			"native", fmt.Sprintf("%dHz/%dch", native.SampleRate, native.Channels),
			"err", err,
		)
		stream, err = s.open(info, native)
		if err != nil {
			return fmt.Errorf("portaudio: open %q: %w", info.Name, err)
		}
	}

	s.setLast(time.Time{})
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start %q: %w", info.Name, err)
	}
	s.stream = stream
	s.device = info.Name
	slog.Info("audio capture started", "device", info.Name)
	return nil
}

func (s *Source) open(info *portaudio.DeviceInfo, f audio.Format) (*portaudio.Stream, error) {
	if f.Channels < 1 {
		return nil, audio.ErrNoDevice
	}
	conv := audio.NewConverter(f, s.target)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: f.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: f.SampleRate * 30 / 1000,
	}
	if f == s.target {
		params.FramesPerBuffer = s.framesPerBuf
	}
	return portaudio.OpenStream(params, func(in []int16) {
		s.ring.Write(audio.Int16Bytes(conv.Samples(in)))
		s.setLast(time.Now())
	})
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Source) closeLocked() error {
	if s.stream == nil {
		return nil
	}
	stream := s.stream
	s.stream = nil
	s.ring.Reset()

	// Stop blocks on a device that vanished mid-stream; Abort does not.
	err := stream.Abort()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("portaudio: stop %q: %w", s.device, err)
	}
	return nil
}

// Close stops the stream and terminates PortAudio.
func (s *Source) Close() error {
	_ = s.Stop()
	return portaudio.Terminate()
}

// Drain implements [audio.Source].
func (s *Source) Drain() []byte { return s.ring.Drain() }

// Active implements [audio.Source].
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// LastCallback implements [audio.Source].
func (s *Source) LastCallback() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

func (s *Source) setLast(t time.Time) {
	s.lastMu.Lock()
	s.last = t
	s.lastMu.Unlock()
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.target }

// Dropped returns the number of bytes evicted from the ring buffer because the
// pipeline fell behind.
func (s *Source) Dropped() int64 { return s.ring.Dropped() }

// ListDevices returns all devices with at least one input channel. PortAudio
// must be initialised (see [New]).
func ListDevices() ([]audio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []audio.DeviceInfo
	for i, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, audio.DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			IsDefault:         def != nil && d.Name == def.Name,
		})
	}
	return out, nil
}

func resolve(dev audio.Device) (*portaudio.DeviceInfo, error) {
	if dev.IsDefault() {
		info, err := portaudio.DefaultInputDevice()
		if err != nil || info == nil {
			return nil, fmt.Errorf("%w: default input: %v", audio.ErrNoDevice, err)
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	if dev.HasIndex {
		if dev.Index < 0 || dev.Index >= len(devices) || devices[dev.Index].MaxInputChannels < 1 {
			return nil, fmt.Errorf("%w: index %d", audio.ErrNoDevice, dev.Index)
		}
		return devices[dev.Index], nil
	}
	needle := strings.ToLower(dev.Name)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), needle) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input matching %q", audio.ErrNoDevice, dev.Name)
}
