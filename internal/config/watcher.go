package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cashield/internal/kws"
)

// fileState identifies one version of a watched file. A missing file has the
// zero state.
type fileState struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// Watcher polls the config file, and the keyword file it names, and reports
// changes. Edits that fail to parse or validate are logged and skipped; the
// last valid config stays current.
type Watcher struct {
	path       string
	interval   time.Duration
	onChange   func(old, new *Config)
	onKeywords func([]kws.TriggerWord)

	current atomic.Pointer[Config]

	// Only the poll goroutine touches these after NewWatcher returns.
	cfgState fileState
	kwPath   string
	kwState  fileState

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithKeywordHandler receives the parsed keyword list whenever the keyword
// file changes, including when the config points at a different file.
func WithKeywordHandler(fn func([]kws.TriggerWord)) WatcherOption {
	return func(w *Watcher) { w.onKeywords = fn }
}

// NewWatcher loads the config at path and starts polling it. onChange may be
// nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, st, err := readState(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.cfgState = st
	w.kwPath = cfg.KWS.KeywordsFile
	if _, w.kwState, err = readState(w.kwPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config watcher: cannot read keyword file", "path", w.kwPath, "err", err)
	}

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Stop ends polling and waits for an in-flight check to finish. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) poll() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.checkConfig()
			w.checkKeywords()
		}
	}
}

func (w *Watcher) checkConfig() {
	data, st, changed, err := w.changed(w.path, w.cfgState)
	if err != nil {
		slog.Warn("config watcher: cannot read config", "path", w.path, "err", err)
		return
	}
	if !changed {
		w.cfgState = st
		return
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		// Remember the bad version so it is reported once.
		w.cfgState = st
		slog.Warn("config watcher: invalid config, keeping the previous one", "path", w.path, "err", err)
		return
	}
	w.cfgState = st
	old := w.current.Swap(cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) checkKeywords() {
	if w.onKeywords == nil {
		return
	}
	path := w.current.Load().KWS.KeywordsFile
	moved := path != w.kwPath

	_, st, changed, err := w.changed(path, w.kwState)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config watcher: cannot read keyword file", "path", path, "err", err)
		return
	}
	w.kwPath, w.kwState = path, st
	if !changed && !moved {
		return
	}
	words, err := LoadKeywords(path)
	if err != nil {
		slog.Warn("config watcher: invalid keyword file, keeping the previous list", "path", path, "err", err)
		return
	}
	slog.Info("config watcher: keywords reloaded", "path", path, "count", len(words))
	w.onKeywords(words)
}

// changed reports whether the file at path differs in content from prev.
// The file is only read when its size or modification time moved.
func (w *Watcher) changed(path string, prev fileState) ([]byte, fileState, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fileState{}, prev != (fileState{}), err
	}
	if err != nil {
		return nil, prev, false, err
	}
	if info.ModTime().Equal(prev.mod) && info.Size() == prev.size {
		return nil, prev, false, nil
	}
	data, st, err := readState(path)
	if err != nil {
		return nil, prev, false, err
	}
	return data, st, st.sum != prev.sum, nil
}

func readState(path string) ([]byte, fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}
	return buf.Bytes(), fileState{
		mod:  info.ModTime(),
		size: info.Size(),
		sum:  sha256.Sum256(buf.Bytes()),
	}, nil
}
