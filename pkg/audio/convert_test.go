package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/cashield/pkg/audio"
)

var (
	mono16k   = audio.Format{SampleRate: 16000, Channels: 1}
	stereo48k = audio.Format{SampleRate: 48000, Channels: 2}
	mono8k    = audio.Format{SampleRate: 8000, Channels: 1}
	mono48k   = audio.Format{SampleRate: 48000, Channels: 1}
)

// ramp returns n samples rising by step from 0.
func ramp(n int, step int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i) * step
	}
	return out
}

// --- Converter ---

func TestConverter_Samples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from audio.Format
		in   []int16
		want []int16
	}{
		{name: "passthrough", from: mono16k, in: []int16{5, -5, 7}, want: []int16{5, -5, 7}},
		{
			name: "stereo 48k to mono 16k",
			from: stereo48k,
			in:   []int16{100, 300, 0, 0, 0, 0, 500, 700, 0, 0, 0, 0, 900, 900},
			want: []int16{200, 600},
		},
		{name: "8k upsampled", from: mono8k, in: []int16{0, 100, 200}, want: []int16{0, 50, 100, 150}},
		{name: "partial frame dropped", from: audio.Format{SampleRate: 16000, Channels: 2}, in: []int16{10, 30, 99}, want: []int16{20}},
		{name: "negative average", from: audio.Format{SampleRate: 16000, Channels: 2}, in: []int16{-32768, -32768}, want: []int16{-32768}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.NewConverter(tc.from, mono16k).Samples(tc.in)
			if !slices.Equal(got, tc.want) {
				t.Errorf("Samples() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConverter_ChunkedMatchesWhole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  audio.Format
		chunk int
	}{
		{name: "48k in 30ms chunks", from: mono48k, chunk: 1440},
		{name: "48k in odd chunks", from: mono48k, chunk: 7},
		{name: "8k in 30ms chunks", from: mono8k, chunk: 240},
		{name: "8k one sample at a time", from: mono8k, chunk: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			signal := ramp(4800, 3)

			whole := audio.NewConverter(tc.from, mono16k).Samples(signal)

			conv := audio.NewConverter(tc.from, mono16k)
			var chunked []int16
			for chunk := range slices.Chunk(signal, tc.chunk) {
				chunked = append(chunked, conv.Samples(chunk)...)
			}
			if !slices.Equal(chunked, whole) {
				n := min(len(chunked), len(whole))
				for i := range n {
					if chunked[i] != whole[i] {
						t.Fatalf("sample %d: chunked %d, whole %d", i, chunked[i], whole[i])
					}
				}
				t.Fatalf("chunked produced %d samples, whole %d", len(chunked), len(whole))
			}
		})
	}
}

func TestConverter_RateIsKept(t *testing.T) {
	t.Parallel()

	// One second of 48 kHz stereo in 10 ms callbacks yields one second at
	// 16 kHz, give or take the sample held back for interpolation.
	conv := audio.NewConverter(stereo48k, mono16k)
	var total int
	for range 100 {
		total += len(conv.Samples(make([]int16, 480*2)))
	}
	if total < 15999 || total > 16000 {
		t.Errorf("output samples = %d, want about 16000", total)
	}
}

func TestConverter_Convert(t *testing.T) {
	t.Parallel()

	t.Run("passthrough keeps the buffer", func(t *testing.T) {
		in := audio.Int16Bytes([]int16{100, 200})
		out := audio.NewConverter(mono16k, mono16k).Convert(in)
		if &out[0] != &in[0] || len(out) != len(in) {
			t.Error("matching formats should return the input slice")
		}
	})
	t.Run("odd byte dropped", func(t *testing.T) {
		if out := audio.NewConverter(mono16k, mono16k).Convert([]byte{1, 2, 3}); len(out) != 2 {
			t.Errorf("len = %d, want 2", len(out))
		}
	})
	t.Run("bytes round trip through stereo downmix", func(t *testing.T) {
		conv := audio.NewConverter(audio.Format{SampleRate: 16000, Channels: 2}, mono16k)
		got := audio.BytesInt16(conv.Convert(audio.Int16Bytes([]int16{1000, 3000, -10, 10})))
		if !slices.Equal(got, []int16{2000, 0}) {
			t.Errorf("Convert() = %v, want [2000 0]", got)
		}
	})
}

// --- Downmix ---

func TestDownmix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		channels int
		in       []int16
		want     []int16
	}{
		{name: "mono unchanged", channels: 1, in: []int16{1, 2}, want: []int16{1, 2}},
		{name: "stereo", channels: 2, in: []int16{100, 300, -200, 200}, want: []int16{200, 0}},
		{name: "four channels", channels: 4, in: []int16{32767, 32767, 32767, 32767}, want: []int16{32767}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.BytesInt16(audio.Downmix(audio.Int16Bytes(tc.in), tc.channels))
			if !slices.Equal(got, tc.want) {
				t.Errorf("Downmix() = %v, want %v", got, tc.want)
			}
		})
	}
}
