package transcript

import "strings"

// DefaultHallucinations are phrases Whisper emits on silence or noise,
// learned from video captions.
var DefaultHallucinations = []string{
	"ご視聴ありがとうございました",
	"チャンネル登録よろしくお願いします",
}

// HallucinationFilter drops transcripts that are exactly one of a fixed set
// of phrases, with or without a trailing "。". Empty and whitespace-only
// transcripts are also treated as hallucinations.
type HallucinationFilter struct {
	phrases map[string]struct{}
}

// NewHallucinationFilter returns a filter for [DefaultHallucinations] plus
// extra.
func NewHallucinationFilter(extra ...string) *HallucinationFilter {
	f := &HallucinationFilter{phrases: make(map[string]struct{})}
	for _, p := range append(append([]string{}, DefaultHallucinations...), extra...) {
		p = strings.TrimSuffix(strings.TrimSpace(p), "。")
		if p != "" {
			f.phrases[p] = struct{}{}
		}
	}
	return f
}

// IsHallucination reports whether text should be discarded.
func (f *HallucinationFilter) IsHallucination(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	_, ok := f.phrases[strings.TrimSuffix(t, "。")]
	return ok
}
