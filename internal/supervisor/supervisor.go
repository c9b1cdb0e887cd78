// Package supervisor keeps the capture device alive and drives the capture
// loop.
//
// A [Supervisor] polls its [audio.Source] at a fixed interval. Each tick it
// either drains the buffered PCM into the handler or, when the stream is
// inactive or no capture callback arrived within the liveness timeout,
// restarts the device. A restart that fails is retried once after a backoff;
// if that fails too the supervisor optionally falls back to the platform
// default device after twice the backoff.
//
// A single failed restart never stops the loop. Only when fallback is
// disabled and both attempts fail does [Supervisor.Run] return the error.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cashield/internal/observe"
	"github.com/MrWong99/cashield/pkg/audio"
)

// Default supervision parameters.
const (
	defaultPollInterval    = 60 * time.Millisecond
	defaultLivenessTimeout = 2 * time.Second
	defaultBackoff         = 1 * time.Second
)

// ErrDeviceUnavailable is returned by Run when the configured device cannot be
// started and fallback is disabled.
var ErrDeviceUnavailable = errors.New("supervisor: capture device unavailable")

// Config configures a [Supervisor].
type Config struct {
	// Source is the supervised capture device. Required.
	Source audio.Source

	// Device is the configured input device.
	Device audio.Device

	// Handler receives every drained PCM chunk on the supervisor goroutine.
	// It may block; polling resumes once it returns.
	Handler func(ctx context.Context, pcm []byte)

	// OnRestart runs before every restart, after the old stream is stopped.
	// The capture loop uses it to flush the segmenter. May be nil.
	OnRestart func()

	// PollInterval defaults to 60ms.
	PollInterval time.Duration

	// LivenessTimeout is the longest gap between capture callbacks, or
	// between a start and the first callback, before the device is
	// restarted. Defaults to 2s.
	LivenessTimeout time.Duration

	// Backoff before the single retry. The fallback waits twice as long.
	// Defaults to 1s.
	Backoff time.Duration

	// FallbackToDefault switches to the platform default device when the
	// configured device cannot be restarted.
	FallbackToDefault bool

	Metrics *observe.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Supervisor owns the capture loop. Create one with [New].
type Supervisor struct {
	cfg     Config
	healthy atomic.Bool
	booted  atomic.Bool
	current atomic.Pointer[audio.Device]

	// startedAt is only touched by the Run goroutine.
	startedAt time.Time
}

// New validates cfg and returns a stopped supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Source == nil {
		return nil, errors.New("supervisor: source is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("supervisor: handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Supervisor{cfg: cfg}
	dev := cfg.Device
	s.current.Store(&dev)
	return s, nil
}

// Healthy reports whether the device is running and delivering audio.
func (s *Supervisor) Healthy() bool { return s.healthy.Load() }

// Device returns the device currently in use. It differs from the configured
// device after a fallback.
func (s *Supervisor) Device() audio.Device { return *s.current.Load() }

// Run starts the device and polls it until ctx is cancelled. The device is
// stopped before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		s.healthy.Store(false)
		if err := s.cfg.Source.Stop(); err != nil {
			slog.Warn("stopping capture device failed", "err", err)
		}
	}()

	if err := s.ensureStarted(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !s.alive() {
			s.healthy.Store(false)
			slog.Warn("capture device inactive or silent, restarting",
				"device", s.Device().String(),
				"liveness_timeout", s.cfg.LivenessTimeout,
			)
			if err := s.ensureStarted(ctx); err != nil {
				return err
			}
			continue
		}

		if pcm := s.cfg.Source.Drain(); len(pcm) > 0 {
			s.cfg.Handler(ctx, pcm)
		}
	}
}

func (s *Supervisor) alive() bool {
	if !s.cfg.Source.Active() {
		return false
	}
	// A fresh stream gets a full timeout before its first callback is due.
	last := s.cfg.Source.LastCallback()
	if last.Before(s.startedAt) {
		last = s.startedAt
	}
	return s.cfg.Now().Sub(last) <= s.cfg.LivenessTimeout
}

// ensureStarted (re)starts the device under the restart policy. It returns an
// error only when Run must stop.
func (s *Supervisor) ensureStarted(ctx context.Context) error {
	src := s.cfg.Source
	if err := src.Stop(); err != nil {
		slog.Debug("stop before restart failed", "err", err)
	}
	if s.cfg.OnRestart != nil {
		s.cfg.OnRestart()
	}

	dev := s.cfg.Device
	err := src.Start(ctx, dev)
	if err == nil {
		s.started(ctx, dev, "ok")
		return nil
	}
	slog.Warn("capture device start failed, retrying", "device", dev.String(), "backoff", s.cfg.Backoff, "err", err)
	if !sleep(ctx, s.cfg.Backoff) {
		return nil
	}

	if err = src.Start(ctx, dev); err == nil {
		s.started(ctx, dev, "retry")
		return nil
	}

	if !s.cfg.FallbackToDefault {
		s.cfg.Metrics.RecordDeviceRestart(ctx, "failed")
		return fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, dev, err)
	}

	wait := 2 * s.cfg.Backoff
	slog.Warn("capture device retry failed, falling back to default device", "device", dev.String(), "wait", wait, "err", err)
	if !sleep(ctx, wait) {
		return nil
	}
	if err := src.Start(ctx, audio.Device{}); err != nil {
		s.cfg.Metrics.RecordDeviceRestart(ctx, "failed")
		slog.Error("default capture device failed to start, will retry on next poll", "err", err)
		return nil
	}
	s.started(ctx, audio.Device{}, "fallback")
	return nil
}

func (s *Supervisor) started(ctx context.Context, dev audio.Device, result string) {
	s.current.Store(&dev)
	s.startedAt = s.cfg.Now()
	s.healthy.Store(true)
	if s.booted.Swap(true) {
		s.cfg.Metrics.RecordDeviceRestart(ctx, result)
	}
	slog.Info("capture device started", "device", dev.String(), "result", result)
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
