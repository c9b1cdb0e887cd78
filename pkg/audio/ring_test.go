package audio_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cashield/pkg/audio"
)

func TestRing_WriteDrain(t *testing.T) {
	r := audio.NewRing(16)
	r.Write([]byte{1, 2, 3, 4})
	r.Write([]byte{5, 6})
	if r.Len() != 6 {
		t.Fatalf("Len = %d, want 6", r.Len())
	}
	got := r.Drain()
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Drain = %v", got)
	}
	if r.Drain() != nil {
		t.Error("expected nil after drain")
	}
}

func TestRing_OverflowKeepsNewest(t *testing.T) {
	r := audio.NewRing(8)
	r.Write([]byte{1, 2, 3, 4, 5, 6})
	r.Write([]byte{7, 8, 9, 10})
	got := r.Drain()
	if !bytes.Equal(got, []byte{3, 4, 5, 6, 7, 8, 9, 10}) {
		t.Errorf("Drain = %v", got)
	}
	if r.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", r.Dropped())
	}
}

func TestRing_OversizedWrite(t *testing.T) {
	r := audio.NewRing(4)
	r.Write([]byte{1, 2})
	r.Write([]byte{3, 4, 5, 6, 7, 8})
	got := r.Drain()
	if !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Errorf("Drain = %v", got)
	}
}

func TestRing_EvictionKeepsSampleAlignment(t *testing.T) {
	r := audio.NewRing(6)
	r.Write([]byte{1, 2, 3, 4})
	r.Write([]byte{5, 6, 7})
	if n := r.Len(); n%2 != 1 || n > 6 {
		t.Errorf("Len = %d", n)
	}
	got := r.Drain()
	if got[0] != 3 {
		t.Errorf("eviction split a sample: %v", got)
	}
}

func TestRing_Concurrent(t *testing.T) {
	r := audio.NewRing(1 << 16)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				r.Write(make([]byte, 64))
			}
		}()
	}
	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		total += len(r.Drain())
		select {
		case <-done:
			total += len(r.Drain())
			if total != 4*100*64 {
				t.Errorf("drained %d bytes, want %d", total, 4*100*64)
			}
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestMeanAbs(t *testing.T) {
	if got := audio.MeanAbs(audio.Int16Bytes([]int16{100, -300, 0, 200})); got != 150 {
		t.Errorf("MeanAbs = %v, want 150", got)
	}
	if got := audio.MeanAbs(nil); got != 0 {
		t.Errorf("MeanAbs(nil) = %v, want 0", got)
	}
}

func TestDuration(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := audio.Duration(make([]byte, 32000), f); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := f.FrameBytes(30); got != 960 {
		t.Errorf("FrameBytes(30) = %d, want 960", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := audio.Int16Bytes([]int16{1, 2, 3})
	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1})
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad header: %q", wav[:44])
	}
}

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in   string
		want audio.Device
	}{
		{"", audio.Device{}},
		{"3", audio.Device{Index: 3, HasIndex: true}},
		{"USB Mic", audio.Device{Name: "USB Mic"}},
	}
	for _, tt := range tests {
		if got := audio.ParseDevice(tt.in); got != tt.want {
			t.Errorf("ParseDevice(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	if !audio.ParseDevice("").IsDefault() {
		t.Error("empty selector should be default")
	}
}
