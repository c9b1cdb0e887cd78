// Package transcript defines the on-disk transcript line format, the entry ID
// sequence and the hallucination filter shared by the live pipeline, the
// summarizer and the HTTP API.
//
// A line looks like:
//
//	[2025-03-14 18:02:11] 客: [FAST] [ID:000042] 土下座しろよ [NG: 土下座]
//
// Lines written before stage and ID tags existed omit both tags and still
// parse; [Entry.String] reproduces the tagged form byte for byte.
package transcript

import (
	"strings"
	"time"
)

// TimeLayout is the timestamp layout used inside the leading brackets.
const TimeLayout = "2006-01-02 15:04:05"

// Role identifies who spoke a line.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleClerk    Role = "clerk"
)

// Label returns the Japanese prefix written to the log.
func (r Role) Label() string {
	if r == RoleClerk {
		return "店員"
	}
	return "客"
}

// Stage is the transcription pass that produced a line.
type Stage string

const (
	// StageNone marks legacy lines without a stage tag.
	StageNone  Stage = ""
	StageFast  Stage = "FAST"
	StageFinal Stage = "FINAL"
)

// Entry is one parsed transcript line.
type Entry struct {
	ID    string    `json:"id,omitempty"`
	Time  time.Time `json:"time"`
	Role  Role      `json:"role"`
	Stage Stage     `json:"stage,omitempty"`
	Text  string    `json:"text"`
	Hits  []string  `json:"hits,omitempty"`
}

// HasTime reports whether the line carried a parseable timestamp.
func (e Entry) HasTime() bool { return !e.Time.IsZero() }

// String renders e as a log line without the trailing newline. Entries
// without a stage or ID omit the corresponding tag.
func (e Entry) String() string {
	var b strings.Builder
	if e.HasTime() {
		b.WriteByte('[')
		b.WriteString(e.Time.Format(TimeLayout))
		b.WriteString("] ")
	}
	b.WriteString(e.Role.Label())
	b.WriteString(": ")
	if e.Stage != StageNone {
		b.WriteString("[" + string(e.Stage) + "] ")
	}
	if e.ID != "" {
		b.WriteString("[ID:" + e.ID + "] ")
	}
	b.WriteString(e.Text)
	if len(e.Hits) > 0 {
		b.WriteString(" [NG: ")
		b.WriteString(strings.Join(e.Hits, ", "))
		b.WriteByte(']')
	}
	return b.String()
}

// ParseLine parses a single log line. It never fails: unknown prefixes are
// left in Text, a missing role defaults to [RoleCustomer], and a missing or
// malformed timestamp leaves Time zero.
func ParseLine(line string) Entry {
	e := Entry{Role: RoleCustomer}
	rest := strings.TrimSpace(line)

	if strings.HasPrefix(rest, "[") {
		if end := strings.IndexByte(rest, ']'); end > 0 {
			if ts, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(rest[1:end]), time.Local); err == nil {
				e.Time = ts
				rest = strings.TrimLeft(rest[end+1:], " ")
			}
		}
	}

	switch {
	case strings.HasPrefix(rest, "店員:"):
		e.Role = RoleClerk
		rest = strings.TrimLeft(strings.TrimPrefix(rest, "店員:"), " ")
	case strings.HasPrefix(rest, "客:"):
		rest = strings.TrimLeft(strings.TrimPrefix(rest, "客:"), " ")
	}

	if tag, after, ok := cutTag(rest); ok && (tag == string(StageFast) || tag == string(StageFinal)) {
		e.Stage = Stage(tag)
		rest = after
	}
	if tag, after, ok := cutTag(rest); ok && strings.HasPrefix(tag, "ID:") {
		e.ID = strings.TrimSpace(strings.TrimPrefix(tag, "ID:"))
		rest = after
	}

	e.Text, e.Hits = splitHits(rest)
	return e
}

// cutTag splits a leading "[tag]" off s.
func cutTag(s string) (tag, rest string, ok bool) {
	if !strings.HasPrefix(s, "[") {
		return "", s, false
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", s, false
	}
	return s[1:end], strings.TrimLeft(s[end+1:], " "), true
}

// splitHits separates a trailing "[NG: a, b]" suffix. Both the spaced and the
// older "[NG:a,b]" spelling are accepted.
func splitHits(s string) (string, []string) {
	s = strings.TrimRight(s, " ")
	if !strings.HasSuffix(s, "]") {
		return s, nil
	}
	i := strings.LastIndex(s, "[NG:")
	if i < 0 {
		return s, nil
	}
	var hits []string
	for _, h := range strings.Split(s[i+len("[NG:"):len(s)-1], ",") {
		if h = strings.TrimSpace(h); h != "" {
			hits = append(hits, h)
		}
	}
	return strings.TrimRight(s[:i], " "), hits
}

// ParseLines parses each line; out[i] always corresponds to lines[i].
func ParseLines(lines []string) []Entry {
	out := make([]Entry, len(lines))
	for i, l := range lines {
		out[i] = ParseLine(l)
	}
	return out
}
