package summarize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/transcript"
	"github.com/MrWong99/cashield/internal/window"
)

// Meta is bookkeeping stored with every record.
type Meta struct {
	Model         string `json:"model"`
	CreatedAt     string `json:"created_at"`
	JobID         string `json:"job_id"`
	LineLow       int    `json:"line_low"`
	LineHigh      int    `json:"line_high"`
	LineIndices   []int  `json:"line_indices"`
	TriggerIndex  int    `json:"trigger_index"`
	ModelSeverity int    `json:"model_severity"`
}

// Record is one persisted incident summary.
type Record struct {
	Date       string        `json:"date"`
	AnchorTime string        `json:"anchor_time"`
	NGWord     string        `json:"ng_word"`
	Turns      []window.Turn `json:"turns"`
	Summary    string        `json:"summary"`
	// Severity comes from the keyword configuration, not the backend.
	Severity int    `json:"severity"`
	Action   string `json:"action"`
	Meta     Meta   `json:"meta"`
}

// Sink receives every persisted record.
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

// FileStore keeps records as <dir>/<date>.jsonl and error artifacts under
// <dir>/errors. It is safe for concurrent use within one process.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

var _ Sink = (*FileStore)(nil)

// NewFileStore creates dir and its errors subdirectory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "errors"), 0o755); err != nil {
		return nil, fmt.Errorf("summarize: create store dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir returns the summaries directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the JSONL file for date.
func (s *FileStore) Path(date string) string {
	return filepath.Join(s.dir, date+".jsonl")
}

// ErrorDir returns the directory holding error artifacts.
func (s *FileStore) ErrorDir() string { return filepath.Join(s.dir, "errors") }

// Save appends rec as one JSON line.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("summarize: encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.Path(rec.Date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("summarize: open %s: %w", rec.Date, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("summarize: append %s: %w", rec.Date, err)
	}
	return f.Close()
}

// Records returns the records of date in file order. A missing file yields
// no records. Lines that do not decode are skipped with a warning.
func (s *FileStore) Records(date string) ([]Record, error) {
	f, err := os.Open(s.Path(date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summarize: open %s: %w", date, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("skipping malformed summary line", "date", date, "line", n, "err", err)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("summarize: read %s: %w", date, err)
	}
	return out, nil
}

// Dates returns every date with a summary file, oldest first.
func (s *FileStore) Dates() ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("summarize: list %s: %w", s.dir, err)
	}
	var out []string
	for _, e := range ents {
		date, ok := strings.CutSuffix(e.Name(), ".jsonl")
		if !ok || e.IsDir() {
			continue
		}
		if _, err := time.Parse(incident.DateLayout, date); err == nil {
			out = append(out, date)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Summarized returns the trigger indices that already have a record for date.
func (s *FileStore) Summarized(date string) (map[int]bool, error) {
	recs, err := s.Records(date)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(recs))
	for _, r := range recs {
		done[r.Meta.TriggerIndex] = true
	}
	return done, nil
}

// Referenced returns every line index covered by a record window for date.
func (s *FileStore) Referenced(date string) (map[int]bool, error) {
	recs, err := s.Records(date)
	if err != nil {
		return nil, err
	}
	keep := make(map[int]bool)
	for _, r := range recs {
		for i := r.Meta.LineLow; i <= r.Meta.LineHigh; i++ {
			keep[i] = true
		}
		keep[r.Meta.TriggerIndex] = true
	}
	return keep, nil
}

// WriteError records a job that exhausted its attempts. It writes the detail
// artifact errors/<date>-<idx>.log and appends a single line to
// errors/<date>.log.
func (s *FileStore) WriteError(job Job, cause error, correlationID string) error {
	now := s.now().Format(transcript.TimeLayout)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "time: %s\n", now)
	fmt.Fprintf(&b, "job_id: %s\n", job.ID)
	fmt.Fprintf(&b, "date: %s\n", job.Date)
	fmt.Fprintf(&b, "trigger_index: %d\n", job.TriggerIndex)
	fmt.Fprintf(&b, "ng_word: %s\n", job.TriggerWord)
	if correlationID != "" {
		fmt.Fprintf(&b, "trace_id: %s\n", correlationID)
	}
	if job.TriggerIndex >= 0 && job.TriggerIndex < len(job.Lines) {
		fmt.Fprintf(&b, "line: %s\n", job.Lines[job.TriggerIndex])
	}
	fmt.Fprintf(&b, "error: %s\n", msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	artifact := filepath.Join(s.ErrorDir(), fmt.Sprintf("%s-%d.log", job.Date, job.TriggerIndex))
	if err := os.WriteFile(artifact, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("summarize: write error artifact: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.ErrorDir(), job.Date+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("summarize: open error log: %w", err)
	}
	line := fmt.Sprintf("[%s] job=%s idx=%d ng_word=%s err=%s\n",
		now, job.ID, job.TriggerIndex, job.TriggerWord, strings.ReplaceAll(msg, "\n", " "))
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("summarize: append error log: %w", err)
	}
	return f.Close()
}
