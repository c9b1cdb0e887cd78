package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/MrWong99/cashield/internal/kws"
)

// DefaultKeywords are used when the keyword file does not exist.
var DefaultKeywords = []string{"土下座", "無能", "死ね"}

// levelHead matches the opening of a "levelN=[" block.
var levelHead = regexp.MustCompile(`(?i)level\s*(\d+)\s*=\s*\[`)

// keywordSep splits block bodies on ASCII, full-width and ideographic commas.
var keywordSep = regexp.MustCompile(`[,，、]`)

// LoadKeywords reads the keyword file at path. A missing file yields
// [DefaultKeywords] at [kws.DefaultSeverity].
func LoadKeywords(path string) ([]kws.TriggerWord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("keyword file not found, using defaults", "path", path, "keywords", DefaultKeywords)
		return plainWords(DefaultKeywords), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open keywords %q: %w", path, err)
	}
	defer f.Close()

	words, err := ParseKeywords(f)
	if err != nil {
		return nil, fmt.Errorf("config: keywords %q: %w", path, err)
	}
	return words, nil
}

// ParseKeywords parses a keyword list in one of two formats.
//
// Level blocks assign the level as severity. A block may span lines and may
// end with a trailing separator:
//
//	level2=[黙れ, いい加減にしろ,
//	        地獄に落ちろ]
//	level3=[殺す、死ね]
//
// Without any level block every non-empty line is one keyword at
// [kws.DefaultSeverity]; lines starting with '#' are skipped.
//
// Levels are clipped to 1..5. A keyword listed twice keeps its first position
// and its last level.
func ParseKeywords(r io.Reader) ([]kws.TriggerWord, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := string(b)

	var (
		words []kws.TriggerWord
		pos   = map[string]int{}
		found bool
	)
	add := func(w string, sev int) {
		if i, ok := pos[w]; ok {
			words[i].Severity = sev
			return
		}
		pos[w] = len(words)
		words = append(words, kws.TriggerWord{Text: w, Severity: sev})
	}

	for rest := text; ; {
		m := levelHead.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}
		found = true
		level, err := strconv.Atoi(rest[m[2]:m[3]])
		if err != nil {
			return nil, fmt.Errorf("level %q: %w", rest[m[2]:m[3]], err)
		}
		body := rest[m[1]:]
		end := strings.IndexByte(body, ']')
		if end < 0 {
			slog.Warn("unterminated keyword level block, ignoring the rest of the file", "level", level)
			break
		}
		for _, raw := range keywordSep.Split(body[:end], -1) {
			if w := strings.TrimSpace(raw); w != "" {
				add(w, clipSeverity(level))
			}
		}
		rest = body[end+1:]
	}
	if found {
		return words, nil
	}

	for line := range strings.Lines(text) {
		w := strings.TrimSpace(line)
		if w == "" || strings.HasPrefix(w, "#") {
			continue
		}
		add(w, kws.DefaultSeverity)
	}
	return words, nil
}

func clipSeverity(level int) int {
	return min(max(level, 1), 5)
}

func plainWords(texts []string) []kws.TriggerWord {
	out := make([]kws.TriggerWord, len(texts))
	for i, t := range texts {
		out[i] = kws.TriggerWord{Text: t, Severity: kws.DefaultSeverity}
	}
	return out
}
