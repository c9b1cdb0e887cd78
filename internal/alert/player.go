package alert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// Player plays the alert sound without blocking the caller. At most one
// playback runs at a time; requests during a playback are dropped.
type Player struct {
	path string
	bell io.Writer

	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) error

	busy atomic.Bool
	wg   sync.WaitGroup
}

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithBell sets where the terminal bell is written when no player command
// works. Defaults to os.Stderr.
func WithBell(w io.Writer) PlayerOption {
	return func(p *Player) { p.bell = w }
}

// WithCommandRunner replaces command lookup and execution.
func WithCommandRunner(lookPath func(string) (string, error), run func(ctx context.Context, name string, args ...string) error) PlayerOption {
	return func(p *Player) {
		p.lookPath = lookPath
		p.run = run
	}
}

// NewPlayer returns a player for the sound file at path. An empty path plays
// only the bell.
func NewPlayer(path string, opts ...PlayerOption) *Player {
	p := &Player{
		path:     path,
		bell:     os.Stderr,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// candidates lists player commands in preference order.
func (p *Player) candidates() [][]string {
	c := [][]string{
		{"afplay", p.path},
		{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error", p.path},
	}
	if strings.HasSuffix(strings.ToLower(p.path), ".wav") {
		c = append(c, []string{"aplay", "-q", p.path})
	}
	return c
}

// Play starts a playback in the background and reports whether it started.
func (p *Player) Play(ctx context.Context) bool {
	if !p.busy.CompareAndSwap(false, true) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.busy.Store(false)
		if err := p.PlaySync(ctx); err != nil {
			slog.Warn("alert sound failed", "err", err)
		}
	}()
	return true
}

// PlaySync plays the sound and waits for it. It falls back to the bell when
// the file is missing or no command succeeds.
func (p *Player) PlaySync(ctx context.Context) error {
	if p.path != "" {
		if _, err := os.Stat(p.path); err == nil {
			var lastErr error
			for _, c := range p.candidates() {
				if _, err := p.lookPath(c[0]); err != nil {
					continue
				}
				if lastErr = p.run(ctx, c[0], c[1:]...); lastErr == nil {
					return nil
				}
			}
			if lastErr != nil {
				slog.Debug("player command failed, using bell", "err", lastErr)
			}
		}
	}
	if _, err := io.WriteString(p.bell, "\a"); err != nil {
		return fmt.Errorf("alert: bell: %w", err)
	}
	return nil
}

// Wait blocks until background playback has finished.
func (p *Player) Wait() { p.wg.Wait() }
