package kws_test

import (
	"math"
	"slices"
	"testing"

	"github.com/MrWong99/cashield/internal/kws"
)

func words(ws ...string) []kws.TriggerWord {
	out := make([]kws.TriggerWord, len(ws))
	for i, w := range ws {
		out[i] = kws.TriggerWord{Text: w}
	}
	return out
}

// --- PartialRatio ---

func TestPartialRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want float64
	}{
		{"どげざ", "もうどげざしろ", 100},
		{"もうどげざしろ", "どげざ", 100},
		{"どげざ", "どげさしろ", 80},
		{"abcd", "xbcdx", 75},
		{"abcdefghij", "xxabcdefghiyxx", 90},
		{"", "abc", 0},
		{"abc", "", 0},
	}
	for _, tt := range tests {
		got := kws.PartialRatio(tt.a, tt.b)
		if math.Abs(got-tt.want) > 0.01 {
			t.Errorf("PartialRatio(%q, %q) = %.2f, want %.2f", tt.a, tt.b, got, tt.want)
		}
	}
}

// --- Detector ---

func TestDetector_PreservesConfiguredOrder(t *testing.T) {
	t.Parallel()

	d := kws.New(words("無能", "土下座", "死ね"))
	got := kws.Texts(d.Detect("土下座しろ、無能が"))
	if want := []string{"無能", "土下座"}; !slices.Equal(got, want) {
		t.Errorf("Detect = %v, want %v", got, want)
	}
}

func TestDetector_KatakanaMatchesHiragana(t *testing.T) {
	t.Parallel()

	d := kws.New(words("どげざ"))
	if got := d.Detect("ドゲザしろ"); len(got) != 1 {
		t.Errorf("Detect = %v, want one hit", got)
	}
	if got := d.Detect("ﾄﾞｹﾞｻﾞしろ"); len(got) != 1 {
		t.Errorf("half-width Detect = %v, want one hit", got)
	}
}

func TestDetector_FuzzyThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold float64
		want      int
	}{
		{"default accepts one substitution in ten", 88, 1},
		{"strict rejects", 95, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := kws.New(words("abcdefghij"), kws.WithThreshold(tt.threshold))
			if got := d.Detect("xxABCDEFGHIYxx"); len(got) != tt.want {
				t.Errorf("Detect = %v, want %d hits", got, tt.want)
			}
		})
	}
}

func TestDetector_NearMissDoesNotHit(t *testing.T) {
	t.Parallel()

	d := kws.New(words("どげざ"))
	if got := d.Detect("どげさしろ"); got != nil {
		t.Errorf("Detect = %v, want nil", got)
	}
}

func TestDetector_MinLength(t *testing.T) {
	t.Parallel()

	d := kws.New(words("死", "無能"))
	if n := len(d.Words()); n != 1 {
		t.Fatalf("Words() has %d entries, want 1", n)
	}
	if got := d.Detect("無"); got != nil {
		t.Errorf("short transcript Detect = %v, want nil", got)
	}
}

func TestDetector_Severity(t *testing.T) {
	t.Parallel()

	d := kws.New([]kws.TriggerWord{
		{Text: "黙れ", Severity: 2},
		{Text: "殺す", Severity: 3},
		{Text: "黙れ", Severity: 4},
		{Text: "無能"},
	})
	tests := []struct {
		word string
		want int
	}{
		{"黙れ", 4},
		{"殺す", 3},
		{"無能", kws.DefaultSeverity},
		{"unknown", kws.DefaultSeverity},
	}
	for _, tt := range tests {
		if got := d.Severity(tt.word); got != tt.want {
			t.Errorf("Severity(%q) = %d, want %d", tt.word, got, tt.want)
		}
	}
	if got := kws.Texts(d.Words()); !slices.Equal(got, []string{"黙れ", "殺す", "無能"}) {
		t.Errorf("Words() = %v", got)
	}
}

func TestDetector_Replace(t *testing.T) {
	t.Parallel()

	d := kws.New([]kws.TriggerWord{{Text: "無能", Severity: 2}})
	d.Replace([]kws.TriggerWord{{Text: "土下座", Severity: 5}})

	if got := d.Detect("この無能が"); got != nil {
		t.Errorf("Detect after Replace = %v, want no hit for the removed keyword", got)
	}
	if got := kws.Texts(d.Detect("土下座しろ")); !slices.Equal(got, []string{"土下座"}) {
		t.Errorf("Detect after Replace = %v, want [土下座]", got)
	}
	if got := d.Severity("土下座"); got != 5 {
		t.Errorf("Severity(土下座) = %d, want 5", got)
	}
}

func TestDetector_ReplaceWhileDetecting(t *testing.T) {
	t.Parallel()

	d := kws.New(words("無能"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			d.Replace(words("無能", "土下座"))
			d.Replace(words("無能"))
		}
	}()
	for range 200 {
		if got := d.Detect("この無能が"); len(got) != 1 {
			t.Fatalf("Detect = %v, want one hit during replacement", got)
		}
	}
	<-done
}

type failingNormalizer struct{}

func (failingNormalizer) Normalize(text string) string { return text }

func TestDetector_CustomNormalizer(t *testing.T) {
	t.Parallel()

	d := kws.New(words("ドゲザ"), kws.WithNormalizer(failingNormalizer{}))
	if got := d.Detect("どげざ"); got != nil {
		t.Errorf("identity normaliser should not fold kana, got %v", got)
	}
}

// --- Normalizers ---

func TestKanaNormalizer(t *testing.T) {
	t.Parallel()

	n := kws.KanaNormalizer{}
	tests := []struct{ in, want string }{
		{"ドゲザ", "どげざ"},
		{"ﾄﾞｹﾞｻﾞ", "どげざ"},
		{"ＡＢＣ ｄｅｆ", "abcdef"},
		{"土下座", "土下座"},
	}
	for _, tt := range tests {
		if got := n.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKagomeNormalizer_ReadsKanji(t *testing.T) {
	t.Parallel()

	n, err := kws.NewKagomeNormalizer()
	if err != nil {
		t.Fatalf("NewKagomeNormalizer: %v", err)
	}
	if got := n.Normalize("土下座"); got != "どげざ" {
		t.Errorf("Normalize(土下座) = %q, want どげざ", got)
	}

	d := kws.New(words("土下座"), kws.WithNormalizer(n))
	if got := d.Detect("どげざしろよ"); len(got) != 1 {
		t.Errorf("Detect = %v, want one hit", got)
	}
}
