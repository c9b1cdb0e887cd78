// Package segment cuts a continuous PCM stream into utterances using a
// frame-level voice activity classifier.
//
// The segmenter is a two-state machine. While idle it keeps the last few
// frames in a pre-roll ring. The first speech frame opens an utterance that
// starts with the pre-roll. Each silence frame while open counts down the
// post-roll; speech resets the count. When the count reaches zero, or the
// utterance reaches its maximum length, the utterance is emitted.
//
// A Segmenter is not safe for concurrent use; the capture loop owns it.
package segment

import (
	"errors"
	"fmt"

	"github.com/MrWong99/cashield/pkg/audio"
	"github.com/MrWong99/cashield/pkg/provider/vad"
)

// Config holds segmentation parameters. Zero fields take the defaults shown.
type Config struct {
	SampleRate     int // 16000
	FrameMs        int // 30; 10, 20 or 30
	PadPrevMs      int // 200
	PadPostMs      int // 300
	MaxUtteranceMs int // 6000
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameMs == 0 {
		c.FrameMs = 30
	}
	if c.PadPrevMs == 0 {
		c.PadPrevMs = 200
	}
	if c.PadPostMs == 0 {
		c.PadPostMs = 300
	}
	if c.MaxUtteranceMs == 0 {
		c.MaxUtteranceMs = 6000
	}
	return c
}

// Utterance is one emitted speech segment of mono int16 LE PCM.
type Utterance struct {
	PCM []byte
	// Frames is the number of frames in PCM.
	Frames int
	// Forced is true when the utterance was cut at the maximum length or by
	// Flush rather than closed by trailing silence.
	Forced bool
}

// Segmenter turns PCM chunks into utterances.
type Segmenter struct {
	sess       vad.SessionHandle
	frameBytes int
	prevFrames int
	postFrames int
	maxFrames  int

	residual []byte
	ring     [][]byte

	triggered bool
	current   []byte
	frames    int
	post      int
}

// New returns a Segmenter classifying frames with sess. The session must have
// been created for the same sample rate and frame size.
func New(cfg Config, sess vad.SessionHandle) (*Segmenter, error) {
	if sess == nil {
		return nil, errors.New("segment: nil vad session")
	}
	cfg = cfg.withDefaults()
	if cfg.FrameMs != 10 && cfg.FrameMs != 20 && cfg.FrameMs != 30 {
		return nil, fmt.Errorf("segment: frame_ms must be 10, 20 or 30, got %d", cfg.FrameMs)
	}
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: 1}
	return &Segmenter{
		sess:       sess,
		frameBytes: f.FrameBytes(cfg.FrameMs),
		prevFrames: max(1, cfg.PadPrevMs/cfg.FrameMs),
		postFrames: max(1, cfg.PadPostMs/cfg.FrameMs),
		maxFrames:  max(1, cfg.MaxUtteranceMs/cfg.FrameMs),
	}, nil
}

// FrameBytes returns the size of one classified frame.
func (s *Segmenter) FrameBytes() int { return s.frameBytes }

// Feed appends chunk to the stream and returns the utterances completed by
// it. Bytes that do not fill a whole frame are kept for the next call.
//
// A frame the classifier fails on is treated as silence. The returned
// utterances are valid even when err is non-nil; err then joins every
// classification failure of this call.
func (s *Segmenter) Feed(chunk []byte) ([]Utterance, error) {
	s.residual = append(s.residual, chunk...)

	var (
		out  []Utterance
		errs []error
	)
	for len(s.residual) >= s.frameBytes {
		frame := make([]byte, s.frameBytes)
		copy(frame, s.residual[:s.frameBytes])
		s.residual = s.residual[s.frameBytes:]

		d, err := s.sess.ProcessFrame(frame)
		if err != nil {
			errs = append(errs, err)
			d.Speech = false
		}
		if u, ok := s.step(frame, d.Speech); ok {
			out = append(out, u)
		}
	}
	if len(s.residual) == 0 {
		s.residual = nil
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("segment: classify: %w", errors.Join(errs...))
	}
	return out, nil
}

func (s *Segmenter) step(frame []byte, speech bool) (Utterance, bool) {
	if !s.triggered {
		if !speech {
			s.ring = append(s.ring, frame)
			if len(s.ring) > s.prevFrames {
				s.ring = s.ring[1:]
			}
			return Utterance{}, false
		}
		s.triggered = true
		for _, f := range s.ring {
			s.appendFrame(f)
		}
		s.ring = nil
		s.appendFrame(frame)
		s.post = s.postFrames
		return s.checkMax()
	}

	s.appendFrame(frame)
	if speech {
		s.post = s.postFrames
		return s.checkMax()
	}
	s.post--
	if s.post <= 0 {
		return s.emit(false), true
	}
	return s.checkMax()
}

func (s *Segmenter) appendFrame(f []byte) {
	s.current = append(s.current, f...)
	s.frames++
}

func (s *Segmenter) checkMax() (Utterance, bool) {
	if s.frames >= s.maxFrames {
		return s.emit(true), true
	}
	return Utterance{}, false
}

func (s *Segmenter) emit(forced bool) Utterance {
	u := Utterance{PCM: s.current, Frames: s.frames, Forced: forced}
	s.triggered = false
	s.current = nil
	s.frames = 0
	s.post = 0
	return u
}

// Flush emits the open utterance, if any, and clears all buffered audio and
// classifier state. Call it at shutdown and before a device restart.
func (s *Segmenter) Flush() (Utterance, bool) {
	var (
		u  Utterance
		ok bool
	)
	if s.triggered && s.frames > 0 {
		u, ok = s.emit(true), true
	}
	s.triggered = false
	s.current = nil
	s.frames = 0
	s.ring = nil
	s.residual = nil
	s.sess.Reset()
	return u, ok
}

// Open reports whether an utterance is being collected.
func (s *Segmenter) Open() bool { return s.triggered }
