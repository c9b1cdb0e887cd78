package kws

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// soundMarks maps spacing voiced marks to their combining forms so NFC can
// compose them with the preceding kana.
var soundMarks = strings.NewReplacer("\u309b", "\u3099", "\u309c", "\u309a")

// fold narrows full-width ASCII, widens half-width katakana, composes voiced
// marks and lower-cases.
func fold(s string) string {
	return strings.ToLower(norm.NFC.String(soundMarks.Replace(width.Fold.String(s))))
}

// Normalizer maps text to the form keywords are compared in. Implementations
// must not fail: on any internal error they return a best-effort rendering of
// the input.
type Normalizer interface {
	Normalize(text string) string
}

// KanaNormalizer folds character width, lower-cases Latin letters and maps
// katakana to hiragana. It does not read kanji.
// Half-width "ﾄﾞ" becomes "ど".
type KanaNormalizer struct{}

var _ Normalizer = KanaNormalizer{}

// Normalize implements [Normalizer].
func (KanaNormalizer) Normalize(text string) string {
	return toHiragana(fold(text))
}

// KagomeNormalizer converts text to its hiragana reading using the kagome
// morphological analyser with the IPA dictionary, so that "土下座" and
// "どげざ" compare equal.
type KagomeNormalizer struct {
	tok *tokenizer.Tokenizer
}

var _ Normalizer = (*KagomeNormalizer)(nil)

// NewKagomeNormalizer loads the IPA dictionary. Loading takes a few hundred
// milliseconds and is done once per process.
func NewKagomeNormalizer() (*KagomeNormalizer, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, err
	}
	return &KagomeNormalizer{tok: t}, nil
}

// Normalize implements [Normalizer]. Tokens without a dictionary reading
// (unknown words, Latin text, digits) keep their surface form.
func (n *KagomeNormalizer) Normalize(text string) (out string) {
	folded := fold(text)
	if n == nil || n.tok == nil || folded == "" {
		return toHiragana(folded)
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("kws: tokenizer panicked, using kana fallback", "err", r)
			out = toHiragana(folded)
		}
	}()

	var b strings.Builder
	for _, t := range n.tok.Tokenize(folded) {
		if r, ok := t.Reading(); ok && r != "" && r != "*" {
			b.WriteString(r)
			continue
		}
		b.WriteString(t.Surface)
	}
	return toHiragana(b.String())
}

// toHiragana maps katakana U+30A1..U+30F6 to the matching hiragana and drops
// whitespace, which the recogniser inserts inconsistently.
func toHiragana(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return -1
		case r >= 'ァ' && r <= 'ヶ':
			return r - 0x60
		}
		return r
	}, s)
}
