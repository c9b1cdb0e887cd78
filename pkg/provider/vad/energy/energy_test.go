package energy_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/cashield/pkg/provider/vad"
	"github.com/MrWong99/cashield/pkg/provider/vad/energy"
)

func constFrame(n int, amp int16) []byte {
	b := make([]byte, n*2)
	for i := range n {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func TestSession_Thresholds(t *testing.T) {
	tests := []struct {
		aggr   int
		amp    int16
		speech bool
	}{
		{0, 149, false},
		{0, 150, true},
		{1, 119, false},
		{1, 120, true},
		{2, 89, false},
		{2, 90, true},
		{3, 69, false},
		{3, 70, true},
	}
	for _, tt := range tests {
		sess, err := energy.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: tt.aggr})
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		d, err := sess.ProcessFrame(constFrame(480, tt.amp))
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if d.Speech != tt.speech {
			t.Errorf("aggr=%d amp=%d: speech=%v, want %v", tt.aggr, tt.amp, d.Speech, tt.speech)
		}
	}
}

func TestSession_FrameSize(t *testing.T) {
	sess, err := energy.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sess.ProcessFrame(make([]byte, 100)); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("err = %v, want ErrFrameSize", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	cases := []vad.Config{
		{SampleRate: 16000, FrameSizeMs: 25, Aggressiveness: 2},
		{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 4},
		{SampleRate: 0, FrameSizeMs: 30},
	}
	for _, cfg := range cases {
		if _, err := energy.New().NewSession(cfg); err == nil {
			t.Errorf("NewSession(%+v): expected error", cfg)
		}
	}
}

func TestWithThreshold(t *testing.T) {
	sess, err := energy.New(energy.WithThreshold(1000)).NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 10})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := sess.ProcessFrame(constFrame(160, 500))
	if d.Speech {
		t.Error("expected silence below overridden threshold")
	}
}
