package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Converter adapts a device's native capture format to the mono stream the
// VAD and ASR stages read. Resampling is linear and carries its position and
// the last sample across chunks, so a stream converted in 30 ms pieces
// matches the same stream converted at once.
//
// A Converter belongs to one stream and is not safe for concurrent use.
type Converter struct {
	from, to Format
	step     float64

	pos     float64
	prev    int16
	hasPrev bool

	logOnce sync.Once
}

// NewConverter returns a converter from from to to. Only mono output is
// supported; to.Channels is ignored.
func NewConverter(from, to Format) *Converter {
	from.Channels = max(from.Channels, 1)
	to.Channels = 1
	c := &Converter{from: from, to: to, step: 1}
	if from.SampleRate > 0 && to.SampleRate > 0 {
		c.step = float64(from.SampleRate) / float64(to.SampleRate)
	}
	return c
}

// Passthrough reports whether input is returned unchanged.
func (c *Converter) Passthrough() bool {
	return c.from.Channels == 1 && c.step == 1
}

// Samples converts interleaved samples. Trailing samples that do not form a
// whole frame are dropped.
func (c *Converter) Samples(in []int16) []int16 {
	if extra := len(in) % c.from.Channels; extra != 0 {
		slog.Debug("audio converter: dropping partial frame", "samples", extra)
		in = in[:len(in)-extra]
	}
	if c.Passthrough() {
		return in
	}
	c.logOnce.Do(func() {
		slog.Info("audio converter active",
			"from_hz", c.from.SampleRate, "from_channels", c.from.Channels,
			"to_hz", c.to.SampleRate)
	})
	mono := downmix(in, c.from.Channels)
	if c.step == 1 {
		return mono
	}
	return c.resample(mono)
}

// Convert is [Converter.Samples] on 16-bit little-endian PCM bytes.
func (c *Converter) Convert(pcm []byte) []byte {
	if c.Passthrough() {
		return pcm[:len(pcm)&^1]
	}
	return Int16Bytes(c.Samples(BytesInt16(pcm)))
}

func (c *Converter) resample(m []int16) []int16 {
	n := len(m)
	if n == 0 {
		return nil
	}
	at := func(i int) float64 {
		if i < 0 {
			return float64(c.prev)
		}
		return float64(m[i])
	}

	out := make([]int16, 0, int(float64(n)/c.step)+1)
	last := float64(n - 1)
	for c.pos < last {
		i := int(math.Floor(c.pos))
		frac := c.pos - float64(i)
		s0, s1 := at(i), at(i+1)
		out = append(out, int16(math.Round(s0+(s1-s0)*frac)))
		c.pos += c.step
	}
	c.pos -= float64(n)
	c.prev, c.hasPrev = m[n-1], true
	return out
}

// Downmix averages interleaved 16-bit PCM bytes into mono.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	return Int16Bytes(downmix(BytesInt16(pcm), channels))
}

func downmix(in []int16, channels int) []int16 {
	if channels == 1 {
		return in
	}
	out := make([]int16, len(in)/channels)
	for f := range out {
		var sum int32
		for _, s := range in[f*channels : (f+1)*channels] {
			sum += int32(s)
		}
		out[f] = int16(sum / int32(channels))
	}
	return out
}

// BytesInt16 decodes 16-bit little-endian PCM. An odd trailing byte is
// ignored.
func BytesInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// Int16Bytes encodes samples as 16-bit little-endian PCM.
func Int16Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
