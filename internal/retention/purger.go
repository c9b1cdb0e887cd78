// Package retention trims raw transcript logs once they expire.
//
// A day log older than the TTL is rewritten to keep only the lines some
// summary refers to. The untouched original is copied to the backup
// directory first. Logs without any summary are left alone.
//
// Summary records address lines by index, so a log is purged at most once:
// an existing backup marks the date as done.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/summarize"
)

const (
	defaultTTL      = 24 * time.Hour
	defaultInterval = time.Hour
)

// Action is what a purge did to one day log.
type Action string

const (
	ActionPurged    Action = "purged"
	ActionHeld      Action = "held"      // TTL not yet expired
	ActionUntouched Action = "untouched" // no summaries reference the log
	ActionNothing   Action = "nothing"   // every line is referenced
	ActionMissing   Action = "missing"   // no log file for the date
	ActionDone      Action = "done"      // purged by an earlier run
)

// Result reports the outcome for one date.
type Result struct {
	Date    string
	Action  Action
	Removed int
	Kept    int
	Backup  string
}

// Config configures a [Purger].
type Config struct {
	Log   *incident.Log
	Store *summarize.FileStore

	// TTL is the minimum age of a log file, by modification time. Defaults to
	// 24h.
	TTL time.Duration

	// Interval between periodic runs. Defaults to 1h.
	Interval time.Duration

	// BackupDir receives <date>.txt.bak copies. Defaults to backup/ below the
	// log directory.
	BackupDir string

	// DryRun reports what would be purged without writing anything.
	DryRun bool

	Now func() time.Time
}

// Purger applies the retention policy. All methods are safe for concurrent
// use; purges never overlap.
type Purger struct {
	cfg Config
	mu  sync.Mutex
}

// New returns a purger for cfg.
func New(cfg Config) (*Purger, error) {
	if cfg.Log == nil || cfg.Store == nil {
		return nil, errors.New("retention: log and summary store are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.Log.Dir(), "backup")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Purger{cfg: cfg}, nil
}

// Run purges once immediately and then every Interval until ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.PurgeAll(); err != nil {
			slog.Warn("retention purge failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PurgeAll purges every day log. Failures on one date do not stop the rest;
// they are joined into the returned error.
func (p *Purger) PurgeAll() ([]Result, error) {
	dates, err := p.cfg.Log.Dates()
	if err != nil {
		return nil, err
	}
	var (
		results []Result
		errs    []error
	)
	for _, d := range dates {
		r, err := p.PurgeDate(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

// PurgeDate applies the policy to a single day log.
func (p *Purger) PurgeDate(date string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := Result{Date: date}
	fi, err := os.Stat(p.cfg.Log.Path(date))
	if errors.Is(err, fs.ErrNotExist) {
		res.Action = ActionMissing
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("retention: %s: %w", date, err)
	}
	if p.cfg.Now().Sub(fi.ModTime()) < p.cfg.TTL {
		res.Action = ActionHeld
		return res, nil
	}

	backup := filepath.Join(p.cfg.BackupDir, date+".txt.bak")
	if _, err := os.Stat(backup); err == nil {
		res.Action = ActionDone
		res.Backup = backup
		return res, nil
	}

	keep, err := p.cfg.Store.Referenced(date)
	if err != nil {
		return res, fmt.Errorf("retention: %s: summaries: %w", date, err)
	}
	lines, err := p.cfg.Log.Lines(date)
	if err != nil {
		return res, fmt.Errorf("retention: %w", err)
	}
	if len(keep) == 0 {
		slog.Warn("no summaries for expired log, keeping it whole", "date", date)
		res.Action = ActionUntouched
		res.Kept = len(lines)
		return res, nil
	}

	kept := make([]string, 0, len(keep))
	for i, ln := range lines {
		if keep[i] {
			kept = append(kept, ln)
		}
	}
	res.Kept = len(kept)
	res.Removed = len(lines) - len(kept)
	if res.Removed == 0 {
		res.Action = ActionNothing
		return res, nil
	}

	res.Action = ActionPurged
	res.Backup = backup
	if p.cfg.DryRun {
		slog.Info("retention dry run", "date", date, "removed", res.Removed, "kept", res.Kept)
		return res, nil
	}

	if err := os.MkdirAll(p.cfg.BackupDir, 0o755); err != nil {
		return res, fmt.Errorf("retention: backup dir: %w", err)
	}
	if err := os.WriteFile(res.Backup, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return res, fmt.Errorf("retention: backup %s: %w", date, err)
	}
	if err := p.cfg.Log.Rewrite(date, kept); err != nil {
		return res, fmt.Errorf("retention: %w", err)
	}
	slog.Info("purged expired log", "date", date, "removed", res.Removed, "kept", res.Kept, "backup", res.Backup)
	return res, nil
}
