// Package alert delivers trigger-word hits and incident summaries to people:
// a local sound on the monitoring machine, chat notifications, and the live
// feed.
//
// The pipeline raises a tentative event when the FAST pass hits and a
// confirmed event when the FINAL pass agrees. The summarization queue raises
// a summary event per persisted record. The [Dispatcher] decides what each
// kind triggers.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/cashield/internal/summarize"
	"github.com/MrWong99/cashield/internal/transcript"
)

// Kind classifies an event.
type Kind string

const (
	KindTentative Kind = "tentative"
	KindConfirmed Kind = "confirmed"
	KindSummary   Kind = "summary"
)

// Event is one alert.
type Event struct {
	Kind Kind `json:"kind"`

	// Date and Index locate the transcript line.
	Date  string `json:"date"`
	Index int    `json:"index"`

	// Entry is the line that hit. Empty for summaries.
	Entry transcript.Entry `json:"entry"`

	// Words are the keywords that hit.
	Words []string `json:"words,omitempty"`

	// Severity is the highest configured severity among Words, or the
	// record's severity for summaries.
	Severity int `json:"severity"`

	// Record is set for KindSummary.
	Record *summarize.Record `json:"record,omitempty"`
}

// Notifier sends an event to an external channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Message renders ev as plain Japanese notification text.
func Message(ev Event) string {
	var b strings.Builder
	switch ev.Kind {
	case KindSummary:
		b.WriteString("カスハラ事案の要約を通知します\n")
		if r := ev.Record; r != nil {
			fmt.Fprintf(&b, "発生日時: %s %s\n", r.Date, r.AnchorTime)
			fmt.Fprintf(&b, "検出ワード: %s\n", r.NGWord)
			fmt.Fprintf(&b, "深刻度: %d\n", r.Severity)
			fmt.Fprintf(&b, "要約: %s\n", r.Summary)
			fmt.Fprintf(&b, "推奨対応: %s", r.Action)
		}
		return strings.TrimRight(b.String(), "\n")
	case KindTentative:
		b.WriteString("カスハラの可能性を検出しました（未確定）\n")
	default:
		b.WriteString("カスハラ検出を通知します\n")
	}
	ts := ev.Date
	if ev.Entry.HasTime() {
		ts = ev.Entry.Time.Format(transcript.TimeLayout)
	}
	words := "該当なし"
	if len(ev.Words) > 0 {
		words = strings.Join(ev.Words, ", ")
	}
	fmt.Fprintf(&b, "発生日時: %s\n", ts)
	fmt.Fprintf(&b, "検出ワード: %s", words)
	return b.String()
}
