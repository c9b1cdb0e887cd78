// Package window cuts the conversation context around a trigger line out of a
// day log, sized for a summarization prompt.
package window

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/cashield/internal/transcript"
)

// untimedTurn is the span credited to each turn when no line in a window
// carries a timestamp.
const untimedTurn = 3 * time.Second

// initialRadius is the number of turns taken on each side of the trigger
// before sizing starts.
const initialRadius = 2

// Options bound the window.
type Options struct {
	// MinSpan is the span the window grows towards. Default 12 s.
	MinSpan time.Duration

	// MaxSpan is the span the window is shrunk below. Default 30 s.
	MaxSpan time.Duration

	// MaxTokens caps the estimated prompt tokens of all turn texts. Default 512.
	MaxTokens int
}

// DefaultOptions returns the canonical bounds.
func DefaultOptions() Options {
	return Options{MinSpan: 12 * time.Second, MaxSpan: 30 * time.Second, MaxTokens: 512}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinSpan <= 0 {
		o.MinSpan = d.MinSpan
	}
	if o.MaxSpan <= 0 {
		o.MaxSpan = d.MaxSpan
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	return o
}

// Turn is one utterance inside a snippet.
type Turn struct {
	Role transcript.Role `json:"role"`
	Text string          `json:"text"`
	// Time is "HH:MM:SS", or empty when the line had no timestamp. Empty is
	// encoded as null.
	Time string `json:"time"`
}

func (t Turn) MarshalJSON() ([]byte, error) {
	var ts *string
	if t.Time != "" {
		ts = &t.Time
	}
	return json.Marshal(struct {
		Role transcript.Role `json:"role"`
		Text string          `json:"text"`
		Time *string         `json:"time"`
	}{t.Role, t.Text, ts})
}

// Snippet is the window chosen around a trigger line.
type Snippet struct {
	TriggerWord string `json:"ng_word"`
	// AnchorTime is the trigger line's "HH:MM:SS", or empty.
	AnchorTime string `json:"anchor_time,omitempty"`
	Turns      []Turn `json:"turns"`
	// Low and High are the inclusive line indices of the window.
	Low  int `json:"line_low"`
	High int `json:"line_high"`
}

// Indices returns Low..High.
func (s Snippet) Indices() []int {
	if s.High < s.Low {
		return nil
	}
	out := make([]int, 0, s.High-s.Low+1)
	for i := s.Low; i <= s.High; i++ {
		out = append(out, i)
	}
	return out
}

// EstimateTokens approximates the token count of Japanese text as two thirds
// of its rune count, never less than one.
func EstimateTokens(s string) int {
	return max(1, int(float64(utf8.RuneCountInString(s))*0.66))
}

// Build selects the turns around lines[idx].
//
// The window starts at two turns on each side of idx. While its span is
// shorter than MinSpan it grows, one line earlier first and then one line
// later. It then shrinks from whichever side holds more turns while the span
// exceeds MaxSpan, and again while the estimated tokens exceed MaxTokens. The
// trigger line is never dropped. A trigger line without a timestamp yields a
// single-turn snippet. An idx outside lines yields a snippet without turns.
func Build(lines []string, idx int, word string, opts Options) Snippet {
	opts = opts.withDefaults()
	snip := Snippet{TriggerWord: word, Low: idx, High: idx}
	if idx < 0 || idx >= len(lines) {
		return snip
	}

	entries := transcript.ParseLines(lines)
	anchor := entries[idx]
	if anchor.HasTime() {
		snip.AnchorTime = anchor.Time.Format(time.TimeOnly)
	} else {
		snip.Turns = []Turn{toTurn(anchor)}
		return snip
	}

	last := len(entries) - 1
	lo := max(0, idx-initialRadius)
	hi := min(last, idx+initialRadius)

	for span(entries, lo, hi) < opts.MinSpan {
		if lo > 0 {
			lo--
			if span(entries, lo, hi) >= opts.MinSpan {
				break
			}
		}
		if hi < last {
			hi++
		}
		if lo == 0 && hi == last {
			break
		}
	}

	shrink := func() {
		if idx-lo > hi-idx {
			lo++
		} else {
			hi--
		}
	}
	for hi > lo && span(entries, lo, hi) > opts.MaxSpan {
		shrink()
	}
	for hi > lo && tokens(entries, lo, hi) > opts.MaxTokens {
		shrink()
	}

	snip.Low, snip.High = lo, hi
	snip.Turns = make([]Turn, 0, hi-lo+1)
	for _, e := range entries[lo : hi+1] {
		snip.Turns = append(snip.Turns, toTurn(e))
	}
	return snip
}

func toTurn(e transcript.Entry) Turn {
	t := Turn{Role: e.Role, Text: e.Text}
	if e.HasTime() {
		t.Time = e.Time.Format(time.TimeOnly)
	}
	return t
}

// span is the distance between the earliest and latest timestamps in
// entries[lo..hi], or untimedTurn per turn when none has a timestamp.
func span(entries []transcript.Entry, lo, hi int) time.Duration {
	var first, last time.Time
	for _, e := range entries[lo : hi+1] {
		if !e.HasTime() {
			continue
		}
		if first.IsZero() || e.Time.Before(first) {
			first = e.Time
		}
		if last.IsZero() || e.Time.After(last) {
			last = e.Time
		}
	}
	if first.IsZero() {
		return time.Duration(hi-lo+1) * untimedTurn
	}
	return last.Sub(first)
}

func tokens(entries []transcript.Entry, lo, hi int) int {
	n := 0
	for _, e := range entries[lo : hi+1] {
		n += utf8.RuneCountInString(e.Text)
	}
	return max(1, int(float64(n)*0.66))
}
