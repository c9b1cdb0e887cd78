// Package incident persists the per-day transcript log.
//
// Each calendar day is one UTF-8 text file named YYYY-MM-DD.txt holding one
// [transcript.Entry] per line. The file is opened and closed for every
// operation so external tools (tail -f, the retention purge, editors) never
// see a long-lived handle. Writes are serialised by a mutex; in the live
// pipeline a single writer goroutine owns the Log anyway.
package incident

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/cashield/internal/transcript"
)

// DateLayout is the layout of the date part of log file names.
const DateLayout = "2006-01-02"

// ErrEntryNotFound is returned by [Log.Replace] when no line carries the
// requested ID and role.
var ErrEntryNotFound = errors.New("incident: entry not found")

// Log is a directory of day files.
type Log struct {
	dir string
	mu  sync.Mutex
}

// NewLog returns a Log rooted at dir, creating it if needed.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("incident: create log dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Dir returns the root directory.
func (l *Log) Dir() string { return l.dir }

// Path returns the file path for date (YYYY-MM-DD).
func (l *Log) Path(date string) string {
	return filepath.Join(l.dir, date+".txt")
}

// DateOf returns the day file an entry timestamped t belongs to.
func DateOf(t time.Time) string { return t.Format(DateLayout) }

// Append writes e as a new line to the file for e's date and returns the date
// and the zero-based line index of the new line.
func (l *Log) Append(e transcript.Entry) (date string, idx int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	date = DateOf(e.Time)
	path := l.Path(date)
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", 0, fmt.Errorf("incident: read %s: %w", date, err)
	}
	idx = countLines(data)
	prefix := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		prefix = "\n"
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("incident: open %s: %w", date, err)
	}
	if _, err := f.WriteString(prefix + e.String() + "\n"); err != nil {
		_ = f.Close()
		return "", 0, fmt.Errorf("incident: append %s: %w", date, err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("incident: close %s: %w", date, err)
	}
	return date, idx, nil
}

// Replace rewrites the line of date's file that carries e's ID and role.
// hint is the index Append returned for that line; it is checked first and
// the file is scanned from the top only when it does not match, so a
// negative hint selects the first match. The original timestamp is kept. It
// returns the replaced line index and the entry as written, or
// [ErrEntryNotFound].
func (l *Log) Replace(date string, hint int, e transcript.Entry) (int, transcript.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines(date)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, e, err
	}
	var idx int
	if hint >= 0 && hint < len(lines) && sameLine(lines[hint], e) {
		idx = hint
	} else {
		idx = slices.IndexFunc(lines, func(line string) bool { return sameLine(line, e) })
	}
	if idx < 0 {
		return 0, e, fmt.Errorf("%w: %s ID %s", ErrEntryNotFound, date, e.ID)
	}

	if old := transcript.ParseLine(lines[idx]); old.HasTime() {
		e.Time = old.Time
	}
	lines[idx] = e.String()
	if err := l.writeLines(date, lines); err != nil {
		return 0, e, err
	}
	return idx, e, nil
}

func sameLine(line string, e transcript.Entry) bool {
	old := transcript.ParseLine(line)
	return old.ID != "" && old.ID == e.ID && old.Role == e.Role
}

// Lines returns every line of date's file without trailing newlines. A
// missing file yields an error matching [fs.ErrNotExist].
func (l *Log) Lines(date string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLines(date)
}

// Entries returns the parsed lines of date's file.
func (l *Log) Entries(date string) ([]transcript.Entry, error) {
	lines, err := l.Lines(date)
	if err != nil {
		return nil, err
	}
	return transcript.ParseLines(lines), nil
}

// Rewrite replaces the whole content of date's file with lines.
func (l *Log) Rewrite(date string, lines []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLines(date, lines)
}

// Dates returns the dates that have a log file, oldest first.
func (l *Log) Dates() ([]string, error) {
	des, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("incident: list %s: %w", l.dir, err)
	}
	var dates []string
	for _, de := range des {
		name, ok := strings.CutSuffix(de.Name(), ".txt")
		if !ok || de.IsDir() {
			continue
		}
		if _, err := time.Parse(DateLayout, name); err == nil {
			dates = append(dates, name)
		}
	}
	slices.Sort(dates)
	return dates, nil
}

// LastID returns the numeric value of the last tagged ID in date's file, or 0
// when there is none. It seeds [transcript.NewSequence] after a restart.
func (l *Log) LastID(date string) int {
	lines, err := l.Lines(date)
	if err != nil {
		return 0
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if id := transcript.ParseLine(lines[i]).ID; id != "" {
			if n, err := strconv.Atoi(id); err == nil {
				return n
			}
		}
	}
	return 0
}

func (l *Log) readLines(date string) ([]string, error) {
	data, err := os.ReadFile(l.Path(date))
	if err != nil {
		return nil, fmt.Errorf("incident: read %s: %w", date, err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("incident: scan %s: %w", date, err)
	}
	return lines, nil
}

// writeLines replaces the file atomically through a temp file in the same
// directory.
func (l *Log) writeLines(date string, lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(l.dir, "."+date+"-*.tmp")
	if err != nil {
		return fmt.Errorf("incident: create temp for %s: %w", date, err)
	}
	defer os.Remove(tmp.Name())
	_ = tmp.Chmod(0o644)
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("incident: write %s: %w", date, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("incident: close temp for %s: %w", date, err)
	}
	if err := os.Rename(tmp.Name(), l.Path(date)); err != nil {
		return fmt.Errorf("incident: replace %s: %w", date, err)
	}
	return nil
}

func countLines(data []byte) int {
	n := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && data[len(data)-1] != '\n' {
		n++
	}
	return n
}
