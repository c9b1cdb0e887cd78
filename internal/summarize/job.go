// Package summarize turns trigger-word hits into structured incident records.
//
// A [Job] carries a snapshot of one day's transcript and the index of the
// line that triggered it. The [Queue] hands jobs to a fixed set of workers.
// Each worker cuts a conversation window around the trigger line, renders a
// deterministic prompt and calls the [Backend] with retries. The result is
// appended to the day's JSONL file and to any extra [Sink]. When every
// attempt fails the job leaves an error artifact instead. Either way the job
// is done; nothing is redelivered.
package summarize

import (
	"github.com/google/uuid"
)

// Job is one summarization request.
type Job struct {
	// ID is a random identifier recorded in the output metadata.
	ID string

	// Date is the day the transcript belongs to, as YYYY-MM-DD.
	Date string

	// Lines is the day's transcript as it was when the job was created.
	Lines []string

	// TriggerIndex is the index into Lines of the line that hit.
	TriggerIndex int

	// TriggerWord is the configured keyword that hit.
	TriggerWord string

	// Severity comes from the keyword configuration, 1..5.
	Severity int
}

// NewJob returns a job with a fresh ID. lines is not copied; callers pass a
// slice they no longer modify.
func NewJob(date string, lines []string, idx int, word string, severity int) Job {
	return Job{
		ID:           uuid.NewString(),
		Date:         date,
		Lines:        lines,
		TriggerIndex: idx,
		TriggerWord:  word,
		Severity:     clampSeverity(severity),
	}
}

func clampSeverity(s int) int {
	return min(5, max(1, s))
}
