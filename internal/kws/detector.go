// Package kws spots configured trigger phrases in transcripts.
//
// Both the transcript and every keyword are normalised to hiragana by a
// [Normalizer] before comparison, so kanji, katakana and kana spellings of the
// same word match. A keyword hits when its normalised form occurs verbatim in
// the normalised transcript or when the fuzzy [PartialRatio] between them
// reaches the configured threshold.
//
// A [Detector] is safe for concurrent use as long as its Normalizer is. Its
// keyword list can be swapped at runtime with [Detector.Replace].
package kws

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultThreshold = 88
	defaultMinLength = 2

	// DefaultSeverity is assigned to keywords that carry no level.
	DefaultSeverity = 2
)

// TriggerWord is one configured keyword.
type TriggerWord struct {
	// Text is the keyword as written in the keyword file. Hits are reported
	// with this spelling.
	Text string

	// Severity is the configured level, 1 (minor) to 5 (severe).
	Severity int

	// Normalized is Text after normalisation. Filled in by [New].
	Normalized string
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithThreshold sets the minimum partial ratio (0–100) for a fuzzy hit.
// Default: 88.
func WithThreshold(t float64) Option {
	return func(d *Detector) {
		d.threshold = t
	}
}

// WithMinLength sets the minimum normalised length, in runes, of both
// keywords and transcripts. Shorter keywords are dropped at construction and
// shorter transcripts never hit. Default: 2.
func WithMinLength(n int) Option {
	return func(d *Detector) {
		d.minLen = n
	}
}

// WithNormalizer sets the normaliser. Default: [KanaNormalizer].
func WithNormalizer(n Normalizer) Option {
	return func(d *Detector) {
		d.norm = n
	}
}

// Detector matches transcripts against a keyword list.
type Detector struct {
	set       atomic.Pointer[wordSet]
	norm      Normalizer
	threshold float64
	minLen    int
}

// wordSet is one immutable keyword list.
type wordSet struct {
	words     []TriggerWord
	bySurface map[string]TriggerWord
}

// New returns a Detector for words. Duplicate keywords keep their first
// position and last severity; keywords that normalise to fewer than the
// minimum length are skipped with a warning.
func New(words []TriggerWord, opts ...Option) *Detector {
	d := &Detector{
		norm:      KanaNormalizer{},
		threshold: defaultThreshold,
		minLen:    defaultMinLength,
	}
	for _, o := range opts {
		o(d)
	}
	d.set.Store(d.build(words))
	return d
}

// Replace swaps the keyword list. Detect calls already running finish
// against the old list.
func (d *Detector) Replace(words []TriggerWord) {
	d.set.Store(d.build(words))
}

func (d *Detector) build(words []TriggerWord) *wordSet {
	ws := &wordSet{bySurface: make(map[string]TriggerWord, len(words))}
	index := make(map[string]int, len(words))
	for _, w := range words {
		w.Text = strings.TrimSpace(w.Text)
		if w.Text == "" {
			continue
		}
		if w.Severity == 0 {
			w.Severity = DefaultSeverity
		}
		w.Normalized = d.norm.Normalize(w.Text)
		if utf8.RuneCountInString(w.Normalized) < d.minLen {
			slog.Warn("kws: keyword too short after normalisation, skipping",
				"keyword", w.Text, "normalized", w.Normalized, "min_len", d.minLen)
			continue
		}
		if i, ok := index[w.Text]; ok {
			ws.words[i].Severity = w.Severity
		} else {
			index[w.Text] = len(ws.words)
			ws.words = append(ws.words, w)
		}
		ws.bySurface[w.Text] = ws.words[index[w.Text]]
	}
	return ws
}

// Words returns the active keywords in configured order.
func (d *Detector) Words() []TriggerWord {
	words := d.set.Load().words
	out := make([]TriggerWord, len(words))
	copy(out, words)
	return out
}

// Severity returns the configured severity of keyword, or [DefaultSeverity]
// when keyword is unknown.
func (d *Detector) Severity(keyword string) int {
	if w, ok := d.set.Load().bySurface[keyword]; ok {
		return w.Severity
	}
	return DefaultSeverity
}

// Detect returns the keywords found in text, in configured order.
func (d *Detector) Detect(text string) []TriggerWord {
	norm := d.norm.Normalize(text)
	if utf8.RuneCountInString(norm) < d.minLen {
		return nil
	}
	var hits []TriggerWord
	for _, w := range d.set.Load().words {
		if strings.Contains(norm, w.Normalized) || PartialRatio(w.Normalized, norm) >= d.threshold {
			hits = append(hits, w)
		}
	}
	return hits
}

// Texts returns the Text of each word.
func Texts(words []TriggerWord) []string {
	if len(words) == 0 {
		return nil
	}
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = w.Text
	}
	return out
}

// PartialRatio returns the best indel similarity (0–100) between the shorter
// of a and b and any equally long window of the longer one. Windows that
// overhang either end of the longer string are clipped, so a keyword cut off
// at the start or end of an utterance still scores. Comparison is by rune.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	m := len(short)
	if m == 0 {
		return 0
	}
	s := string(short)

	var best float64
	for start := 1 - m; start < len(long); start++ {
		win := long[max(start, 0):min(start+m, len(long))]
		lcs := matchr.LongestCommonSubsequence(s, string(win))
		if r := 200 * float64(lcs) / float64(m+len(win)); r > best {
			best = r
			if best >= 100 {
				break
			}
		}
	}
	return best
}
