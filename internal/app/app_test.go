package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cashield/internal/alert"
	"github.com/MrWong99/cashield/internal/app"
	"github.com/MrWong99/cashield/internal/config"
	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/kws"
	"github.com/MrWong99/cashield/internal/transcript"
	"github.com/MrWong99/cashield/pkg/audio"
	audiomock "github.com/MrWong99/cashield/pkg/audio/mock"
	llmmock "github.com/MrWong99/cashield/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/cashield/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/cashield/pkg/provider/vad/mock"
)

const summaryJSON = `{"ng_word":"無能","turns":[],"summary":"客が店員を罵倒","severity":4,"action":"責任者に交代"}`

var fixedNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)

func clock() time.Time { return fixedNow }

// testConfig returns a validated default config rooted in a temp directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	config.ApplyDefaults(cfg)
	cfg.ASR.Fast.Name = "mock"
	cfg.Log.Dir = filepath.Join(dir, "logs")
	cfg.Storage.SummariesDir = filepath.Join(dir, "summaries")
	cfg.KWS.KeywordsFile = filepath.Join(dir, "missing-keywords.txt")
	cfg.Retention.Disabled = true
	cfg.Hotplug.PollInterval = 5 * time.Millisecond
	cfg.Summarizer.Backoff = time.Millisecond
	cfg.Summarizer.Jitter = 0
	return cfg
}

// speechVAD classifies any frame whose first byte is non-zero as speech.
func speechVAD() *vadmock.Engine {
	return &vadmock.Engine{Session: &vadmock.Session{
		Func: func(f []byte) bool { return f[0] != 0 },
	}}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alert.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev alert.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) kinds() []alert.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]alert.Kind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithPlayer(alert.NewPlayer("", alert.WithBell(io.Discard))),
		app.WithClock(clock),
	}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- New ---

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    *app.Providers
	}{
		{name: "nil providers", p: nil},
		{name: "no fast", p: &app.Providers{VAD: speechVAD()}},
		{name: "no vad", p: &app.Providers{Fast: &sttmock.Provider{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(context.Background(), testConfig(t), tc.p); err == nil {
				t.Fatal("New() error = nil, want error")
			}
		})
	}
}

func TestNew_VADSessionError(t *testing.T) {
	t.Parallel()

	p := &app.Providers{
		Fast: &sttmock.Provider{},
		VAD:  &vadmock.Engine{NewSessionErr: errors.New("boom")},
	}
	if _, err := app.New(context.Background(), testConfig(t), p); err == nil {
		t.Fatal("New() error = nil, want VAD session error")
	}
}

func TestRun_NoSource(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Summarizer.Disabled = true
	a := newApp(t, cfg, &app.Providers{Fast: &sttmock.Provider{}, VAD: speechVAD()})

	if err := a.Run(context.Background()); !errors.Is(err, app.ErrNoSource) {
		t.Fatalf("Run() error = %v, want ErrNoSource", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

// --- Run ---

func TestRun_HitIsLoggedAlertedAndSummarized(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Alert.OnFastWhenUnconfirmed = true

	src := audiomock.NewSource(audio.Format{SampleRate: 16000, Channels: 1})
	notifier := &recordingNotifier{}
	summarizer := &llmmock.Provider{Responses: []string{summaryJSON}}
	a := newApp(t, cfg, &app.Providers{
		Fast:       &sttmock.Provider{Text: "この無能が"},
		Summarizer: summarizer,
		VAD:        speechVAD(),
		Source:     src,
	}, app.WithNotifier(notifier))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	waitFor(t, "capture start", func() bool { return len(src.Starts()) > 0 })

	// 300 ms of speech followed by enough silence to close the utterance.
	frame := 960
	src.Push(bytes.Repeat([]byte{0x40}, 10*frame))
	src.Push(make([]byte, 12*frame))

	date := incident.DateOf(fixedNow)
	waitFor(t, "transcript line", func() bool {
		lines, _ := a.Log().Lines(date)
		return len(lines) == 1
	})
	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	entries, err := a.Log().Entries(date)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	e := entries[0]
	if e.Stage != transcript.StageFast || e.Text != "この無能が" {
		t.Errorf("entry = %+v, want FAST line with the transcript", e)
	}
	if len(e.Hits) != 1 || e.Hits[0] != "無能" {
		t.Errorf("entry hits = %v, want [無能]", e.Hits)
	}

	recs, err := a.Summaries().Records(date)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d summaries, want 1", len(recs))
	}
	if recs[0].NGWord != "無能" || recs[0].Meta.TriggerIndex != 0 {
		t.Errorf("record = %+v, want 無能 at line 0", recs[0])
	}

	var confirmed, summary int
	for _, k := range notifier.kinds() {
		switch k {
		case alert.KindConfirmed:
			confirmed++
		case alert.KindSummary:
			summary++
		}
	}
	if confirmed != 1 || summary != 1 {
		t.Errorf("notifications = %v, want one confirmed and one summary", notifier.kinds())
	}
}

func TestRun_FlushesOpenUtteranceOnStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Summarizer.Disabled = true

	src := audiomock.NewSource(audio.Format{SampleRate: 16000, Channels: 1})
	sess := &vadmock.Session{Speech: true}
	eng := &vadmock.Engine{Session: sess}
	fast := &sttmock.Provider{Text: "いらっしゃいませ"}
	a := newApp(t, cfg, &app.Providers{
		Fast:   fast,
		VAD:    eng,
		Source: src,
	})
	if cfgs := eng.Configs(); len(cfgs) != 1 || cfgs[0].SampleRate != cfg.Audio.SampleRate {
		t.Fatalf("vad sessions = %+v, want one at %d Hz", cfgs, cfg.Audio.SampleRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	waitFor(t, "capture start", func() bool { return len(src.Starts()) > 0 })
	src.Push(bytes.Repeat([]byte{0x40}, 5*960))
	waitFor(t, "frames classified", func() bool { return sess.FrameCount() == 5 })

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	lines, err := a.Log().Lines(incident.DateOf(fixedNow))
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want the flushed utterance", len(lines))
	}
	if n := sess.Closed(); n != 1 {
		t.Errorf("vad session closed %d times, want 1", n)
	}
}

// --- Backfill ---

func TestBackfill_SummarizesUnsummarizedHits(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	summarizer := &llmmock.Provider{Responses: []string{summaryJSON}}
	a := newApp(t, cfg, &app.Providers{
		Fast:       &sttmock.Provider{},
		Summarizer: summarizer,
		VAD:        speechVAD(),
	})

	for i, text := range []string{"いらっしゃいませ", "お前は無能だ", "申し訳ございません"} {
		_, _, err := a.Log().Append(transcript.Entry{
			ID:    transcript.NewSequence(i).Next(),
			Time:  fixedNow.Add(time.Duration(i) * time.Second),
			Role:  transcript.RoleCustomer,
			Stage: transcript.StageFast,
			Text:  text,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	date := incident.DateOf(fixedNow)
	n, err := a.Backfill(context.Background(), date)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Backfill() = %d jobs, want 1", n)
	}
	recs, err := a.Summaries().Records(date)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 1 || recs[0].Meta.TriggerIndex != 1 {
		t.Fatalf("records = %+v, want one summary for line 1", recs)
	}
	if got := summarizer.CallCount(); got != 1 {
		t.Errorf("summarizer calls = %d, want 1", got)
	}
}

func TestBackfill_SummarizerDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Summarizer.Disabled = true
	a := newApp(t, cfg, &app.Providers{Fast: &sttmock.Provider{}, VAD: speechVAD()})

	if _, err := a.Backfill(context.Background(), "2026-03-14"); err == nil {
		t.Fatal("Backfill() error = nil, want error")
	}
}

// --- Reload ---

func TestReload_AppliesLogLevel(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	cfg := testConfig(t)
	cfg.Summarizer.Disabled = true
	a := newApp(t, cfg, &app.Providers{Fast: &sttmock.Provider{}, VAD: speechVAD()}, app.WithLevelVar(&level))

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.KWS.Threshold = 70
	a.Reload(cfg, &next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
}

func TestReloadKeywords(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Summarizer.Disabled = true
	a := newApp(t, cfg, &app.Providers{Fast: &sttmock.Provider{}, VAD: speechVAD()})

	a.ReloadKeywords([]kws.TriggerWord{{Text: "金返せ", Severity: 3}})

	if got := kws.Texts(a.Detector().Detect("今すぐ金返せ")); len(got) != 1 || got[0] != "金返せ" {
		t.Errorf("Detect = %v, want [金返せ]", got)
	}
	if got := a.Detector().Detect("この無能が"); got != nil {
		t.Errorf("Detect = %v, want the default keywords gone", got)
	}
}
