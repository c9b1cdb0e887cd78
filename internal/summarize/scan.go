package summarize

import (
	"errors"
	"fmt"

	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/kws"
	"github.com/MrWong99/cashield/internal/transcript"
)

// Scan returns one job per line of lines that carries a trigger-word hit and
// whose index is not in done. A line hits when it has an [NG: ...] tag, or,
// when det is non-nil, when det finds a keyword in its text. The first hit
// names the job.
func Scan(date string, lines []string, done map[int]bool, det *kws.Detector) []Job {
	var jobs []Job
	for i, e := range transcript.ParseLines(lines) {
		if done[i] {
			continue
		}
		word := ""
		if len(e.Hits) > 0 {
			word = e.Hits[0]
		} else if det != nil {
			if hits := det.Detect(e.Text); len(hits) > 0 {
				word = hits[0].Text
			}
		}
		if word == "" {
			continue
		}
		sev := kws.DefaultSeverity
		if det != nil {
			sev = det.Severity(word)
		}
		jobs = append(jobs, NewJob(date, lines, i, word, sev))
	}
	return jobs
}

// Backfill enqueues jobs for every unsummarized hit in the log of date and
// returns how many were enqueued.
func Backfill(q *Queue, log *incident.Log, date string, det *kws.Detector) (int, error) {
	lines, err := log.Lines(date)
	if err != nil {
		return 0, fmt.Errorf("summarize: backfill: %w", err)
	}
	done, err := q.cfg.Store.Summarized(date)
	if err != nil {
		return 0, fmt.Errorf("summarize: backfill: %w", err)
	}
	n := 0
	var errs []error
	for _, job := range Scan(date, lines, done, det) {
		if err := q.Enqueue(job); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", job.TriggerIndex, err))
			continue
		}
		n++
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("summarize: backfill: %w", errors.Join(errs...))
	}
	return n, nil
}
