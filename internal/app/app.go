// Package app wires all CaShield subsystems into a running monitor.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run captures audio until its context is cancelled, and Shutdown
// drains the FINAL passes and the summarization queue in order.
//
// For testing, inject doubles via functional options (WithNotifier,
// WithPlayer, WithSinks, ...) and through [Providers]. When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cashield/internal/alert"
	"github.com/MrWong99/cashield/internal/api"
	"github.com/MrWong99/cashield/internal/config"
	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/kws"
	"github.com/MrWong99/cashield/internal/observe"
	"github.com/MrWong99/cashield/internal/pipeline"
	"github.com/MrWong99/cashield/internal/resilience"
	"github.com/MrWong99/cashield/internal/retention"
	"github.com/MrWong99/cashield/internal/segment"
	"github.com/MrWong99/cashield/internal/summarize"
	"github.com/MrWong99/cashield/internal/summarize/pgstore"
	"github.com/MrWong99/cashield/internal/supervisor"
	"github.com/MrWong99/cashield/internal/transcript"
	"github.com/MrWong99/cashield/internal/window"
	"github.com/MrWong99/cashield/pkg/audio"
	"github.com/MrWong99/cashield/pkg/provider/llm"
	"github.com/MrWong99/cashield/pkg/provider/stt"
	"github.com/MrWong99/cashield/pkg/provider/vad"
)

// flushTimeout bounds the FAST pass of the utterance still open when capture
// stops.
const flushTimeout = 10 * time.Second

// ErrNoSource is returned by Run when no capture device was provided.
var ErrNoSource = errors.New("app: no audio source configured")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Fast and Final transcribe utterances. Fast is required; a nil Final
	// disables the FINAL stage.
	Fast  stt.Provider
	Final stt.Provider

	// ASRFallback is tried when Fast or Final fails.
	ASRFallback stt.Provider

	// Summarizer writes incident summaries. Nil disables summarization.
	Summarizer llm.Provider

	// SummarizerFallback is tried when Summarizer fails.
	SummarizerFallback llm.Provider

	// VAD classifies frames. Required.
	VAD vad.Engine

	// Source captures audio. Nil is allowed for offline tasks like backfill.
	Source audio.Source
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	level    *slog.LevelVar
	notifier alert.Notifier
	player   *alert.Player
	sinks    []summarize.Sink
	now      func() time.Time

	// Subsystems, initialised in New.
	log        *incident.Log
	store      *summarize.FileStore
	detector   *kws.Detector
	segmenter  *segment.Segmenter
	scheduler  *pipeline.Scheduler
	queue      *summarize.Queue
	dispatcher *alert.Dispatcher
	hub        *api.Hub
	server     *api.Server
	supervisor *supervisor.Supervisor
	purger     *retention.Purger
	checks     []api.Check

	// runCtx is the context of the capture loop; the segmenter flush on a
	// device restart runs under it.
	runCtx context.Context

	writerDone  chan struct{}
	queueDone   chan struct{}
	queueCancel context.CancelFunc
	bgOnce      sync.Once

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records telemetry on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.Reload] change the log level of the running process.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithNotifier injects a notifier instead of building LINE and Discord
// notifiers from config.
func WithNotifier(n alert.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithPlayer injects the alert sound player.
func WithPlayer(p *alert.Player) Option {
	return func(a *App) { a.player = p }
}

// WithSinks injects summary sinks instead of connecting to PostgreSQL.
func WithSinks(s ...summarize.Sink) Option {
	return func(a *App) { a.sinks = s }
}

// WithClock replaces time.Now in the transcription and summarization paths.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: log and summary stores,
// keyword loading, segmentation, notification channels, the summarization
// queue, the transcription scheduler, device supervision, the HTTP surface
// and the retention purger. Nothing runs until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Fast == nil {
		return nil, errors.New("app: a FAST transcription provider is required")
	}
	if providers.VAD == nil {
		return nil, errors.New("app: a VAD engine is required")
	}
	a := &App{
		cfg:        cfg,
		providers:  providers,
		writerDone: make(chan struct{}),
		queueDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.now == nil {
		a.now = time.Now
	}

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Keyword detector ──────────────────────────────────────────────
	if err := a.initDetector(); err != nil {
		return nil, fmt.Errorf("app: init keywords: %w", err)
	}

	// ── 3. Segmenter ─────────────────────────────────────────────────────
	if err := a.initSegmenter(); err != nil {
		return nil, fmt.Errorf("app: init segmenter: %w", err)
	}

	// ── 4. Alerts ────────────────────────────────────────────────────────
	if err := a.initAlerts(); err != nil {
		return nil, fmt.Errorf("app: init alerts: %w", err)
	}

	// ── 5. Summarization queue ───────────────────────────────────────────
	if err := a.initQueue(); err != nil {
		return nil, fmt.Errorf("app: init summarizer: %w", err)
	}

	// ── 6. Transcription scheduler ───────────────────────────────────────
	if err := a.initScheduler(); err != nil {
		return nil, fmt.Errorf("app: init scheduler: %w", err)
	}

	// ── 7. Device supervisor ─────────────────────────────────────────────
	if err := a.initSupervisor(); err != nil {
		return nil, fmt.Errorf("app: init supervisor: %w", err)
	}

	// ── 8. Retention and HTTP ────────────────────────────────────────────
	if err := a.initRetention(); err != nil {
		return nil, fmt.Errorf("app: init retention: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores opens the day logs, the summary files and, when configured, the
// PostgreSQL sink.
func (a *App) initStores(ctx context.Context) error {
	var err error
	if a.log, err = incident.NewLog(a.cfg.Log.Dir); err != nil {
		return err
	}
	if a.store, err = summarize.NewFileStore(a.cfg.Storage.SummariesDir); err != nil {
		return err
	}

	if a.sinks != nil || a.cfg.Storage.PostgresDSN == "" {
		return nil
	}
	pg, err := pgstore.New(ctx, a.cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	a.sinks = []summarize.Sink{pg}
	a.checks = append(a.checks, api.Check{Name: "postgres", Check: pg.Ping})
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	slog.Info("summaries mirrored to postgres")
	return nil
}

// initDetector loads the keyword file and builds the detector.
func (a *App) initDetector() error {
	words, err := config.LoadKeywords(a.cfg.KWS.KeywordsFile)
	if err != nil {
		return err
	}

	opts := []kws.Option{
		kws.WithThreshold(a.cfg.KWS.Threshold),
		kws.WithMinLength(a.cfg.KWS.MinLength),
	}
	if a.cfg.KWS.Normalizer == config.NormalizerKagome {
		n, err := kws.NewKagomeNormalizer()
		if err != nil {
			return fmt.Errorf("load kagome dictionary: %w", err)
		}
		opts = append(opts, kws.WithNormalizer(n))
	}
	a.detector = kws.New(words, opts...)
	slog.Info("keywords loaded", "count", len(words), "normalizer", a.cfg.KWS.Normalizer)
	return nil
}

// initSegmenter opens a VAD session and the segmenter on top of it.
func (a *App) initSegmenter() error {
	sess, err := a.providers.VAD.NewSession(vad.Config{
		SampleRate:     a.cfg.Audio.SampleRate,
		FrameSizeMs:    a.cfg.Audio.FrameMs,
		Aggressiveness: int(a.cfg.VAD.Aggressiveness),
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sess.Close)

	a.segmenter, err = segment.New(segment.Config{
		SampleRate:     a.cfg.Audio.SampleRate,
		FrameMs:        a.cfg.Audio.FrameMs,
		PadPrevMs:      a.cfg.VAD.PadPrevMs,
		PadPostMs:      a.cfg.VAD.PadPostMs,
		MaxUtteranceMs: a.cfg.VAD.MaxUtteranceMs,
	}, sess)
	return err
}

// initAlerts builds the sound player, the chat notifiers and the live feed.
func (a *App) initAlerts() error {
	if a.player == nil {
		a.player = alert.NewPlayer(a.cfg.Alert.Sound)
	}
	if a.notifier == nil {
		var ns alert.MultiNotifier
		if tok := a.cfg.Notify.LINE.Token; tok != "" {
			var opts []alert.LINEOption
			if ep := a.cfg.Notify.LINE.Endpoint; ep != "" {
				opts = append(opts, alert.WithLINEEndpoint(ep))
			}
			n, err := alert.NewLINENotifier(tok, opts...)
			if err != nil {
				return err
			}
			ns = append(ns, n)
		}
		if d := a.cfg.Notify.Discord; d.Token != "" {
			sess, err := alert.NewDiscordSession(d.Token)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, sess.Close)
			ns = append(ns, alert.NewDiscordNotifier(sess, d.ChannelID))
		}
		if len(ns) > 0 {
			a.notifier = ns
		}
	}

	a.hub = api.NewHub()
	a.hub.OriginPatterns = a.cfg.Server.OriginPatterns
	a.dispatcher = alert.NewDispatcher(a.player, a.notifier, a.hub)
	return nil
}

// initQueue builds the summarization queue unless summarization is off.
func (a *App) initQueue() error {
	sc := a.cfg.Summarizer
	if sc.Disabled || a.providers.Summarizer == nil {
		slog.Warn("incident summarization disabled")
		return nil
	}

	var provider llm.Provider = a.providers.Summarizer
	if fb := a.providers.SummarizerFallback; fb != nil {
		group := resilience.NewLLMFallback(provider, sc.Provider.Name, a.fallbackConfig())
		group.AddFallback(sc.Fallback.Name, fb)
		provider = group
	}

	model := sc.Provider.Model
	if model == "" {
		model = provider.Model()
	}

	var err error
	a.queue, err = summarize.NewQueue(summarize.Config{
		Backend:   summarize.NewLLMBackend(provider, sc.Temperature, sc.MaxTokens),
		Store:     a.store,
		Sinks:     a.sinks,
		Workers:   sc.Workers,
		QueueSize: sc.QueueSize,
		Window: window.Options{
			MinSpan:   time.Duration(sc.Window.MinSeconds) * time.Second,
			MaxSpan:   time.Duration(sc.Window.MaxSeconds) * time.Second,
			MaxTokens: sc.Window.MaxTokens,
		},
		Retry: resilience.RetryConfig{
			MaxRetries: sc.Retries,
			BaseDelay:  sc.Backoff,
			Jitter:     sc.Jitter,
		},
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "summarizer",
			MaxFailures:   sc.BreakerFailures,
			ResetTimeout:  sc.BreakerReset,
			OnStateChange: a.recordBreaker,
		}),
		Limiter:  summarize.NewRateLimiter(sc.RPM, sc.RPD),
		Model:    model,
		OnRecord: a.dispatcher.Summary,
		Metrics:  a.metrics,
		Now:      a.now,
	})
	return err
}

// initScheduler builds the FAST/FINAL scheduler, wrapping both stages in the
// ASR fallback when one is configured.
func (a *App) initScheduler() error {
	fast, final := a.providers.Fast, a.providers.Final
	if fb := a.providers.ASRFallback; fb != nil {
		fast = a.withSTTFallback(fast, a.cfg.ASR.Fast.Name, a.cfg.ASR.Fallback.Name, fb)
		if final != nil {
			final = a.withSTTFallback(final, a.cfg.ASR.Final.Name, a.cfg.ASR.Fallback.Name, fb)
		}
	}

	// The previous run's last ID seeds the sequence so IDs stay unique
	// within today's file.
	last := a.log.LastID(incident.DateOf(a.now()))

	cfg := pipeline.Config{
		Fast:                       fast,
		Final:                      final,
		Detector:                   a.detector,
		Log:                        a.log,
		Seq:                        transcript.NewSequence(last),
		Alerts:                     a.dispatcher,
		OnEntry:                    a.hub.PublishEntry,
		SampleRate:                 a.cfg.Audio.SampleRate,
		Role:                       transcript.Role(a.cfg.Log.Role),
		FinalWorkers:               a.cfg.ASR.FinalWorkers,
		FinalOnHitOnly:             a.cfg.ASR.FinalOnHitOnly,
		AlertOnFastWhenUnconfirmed: a.cfg.Alert.OnFastWhenUnconfirmed,
		ShutdownTimeout:            a.cfg.ASR.ShutdownTimeout,
		Metrics:                    a.metrics,
		Now:                        a.now,
	}
	if a.queue != nil {
		cfg.Jobs = a.queue
	}

	var err error
	a.scheduler, err = pipeline.New(cfg)
	return err
}

func (a *App) withSTTFallback(primary stt.Provider, primaryName, fallbackName string, fb stt.Provider) stt.Provider {
	group := resilience.NewSTTFallback(primary, primaryName, a.fallbackConfig())
	group.AddFallback(fallbackName, fb)
	return group
}

// fallbackConfig gives every failover member a breaker that reports its
// transitions.
func (a *App) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: a.recordBreaker},
	}
}

func (a *App) recordBreaker(name string, _, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

// initSupervisor builds the capture supervisor when a source is present.
func (a *App) initSupervisor() error {
	src := a.providers.Source
	if src == nil {
		return nil
	}
	if c, ok := src.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	if d, ok := src.(interface{ Dropped() int64 }); ok {
		reg, err := a.metrics.ObserveAudioDropped(d.Dropped)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, reg.Unregister)
	}

	var err error
	a.supervisor, err = supervisor.New(supervisor.Config{
		Source:            src,
		Device:            audio.ParseDevice(a.cfg.Audio.Device),
		Handler:           a.handleAudio,
		OnRestart:         a.flushOnRestart,
		PollInterval:      a.cfg.Hotplug.PollInterval,
		LivenessTimeout:   a.cfg.Hotplug.LivenessTimeout,
		Backoff:           a.cfg.Hotplug.Backoff,
		FallbackToDefault: a.cfg.Hotplug.FallbackToDefault == nil || *a.cfg.Hotplug.FallbackToDefault,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}
	a.checks = append(a.checks, api.HealthFunc("capture", a.supervisor.Healthy, "capture device is not delivering audio"))
	return nil
}

// initRetention builds the raw log purger unless retention is off.
func (a *App) initRetention() error {
	rc := a.cfg.Retention
	if rc.Disabled {
		return nil
	}
	var err error
	a.purger, err = retention.New(retention.Config{
		Log:       a.log,
		Store:     a.store,
		TTL:       rc.TTL,
		Interval:  rc.Interval,
		BackupDir: rc.BackupDir,
		DryRun:    rc.DryRun,
	})
	return err
}

// initServer builds the HTTP surface when a listen address is configured.
func (a *App) initServer() error {
	if a.cfg.Server.ListenAddr == "" {
		return nil
	}
	var err error
	a.server, err = api.New(api.Config{
		Addr:    a.cfg.Server.ListenAddr,
		Log:     a.log,
		Store:   a.store,
		Hub:     a.hub,
		Checks:  a.checks,
		MCP:     a.cfg.Server.MCP,
		Metrics: a.metrics,
	})
	return err
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run captures and processes audio until ctx is cancelled or the capture
// device is lost for good. The FINAL writer and the summarization workers
// keep running after Run returns; call [App.Shutdown] to drain them.
func (a *App) Run(ctx context.Context) error {
	if a.supervisor == nil {
		return ErrNoSource
	}
	a.runCtx = ctx
	a.startBackground(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.supervisor.Run(gctx)
		a.flush(ctx)
		return err
	})
	if a.server != nil {
		g.Go(func() error { return a.server.ListenAndServe(gctx) })
	}
	if a.purger != nil {
		g.Go(func() error { return a.purger.Run(gctx) })
	}

	slog.Info("monitoring started",
		"device", a.cfg.Audio.Device,
		"final", a.providers.Final != nil,
		"summarizer", a.queue != nil,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startBackground starts the FINAL writer and the summarization workers.
// Both outlive ctx so that Shutdown can drain them.
func (a *App) startBackground(ctx context.Context) {
	a.bgOnce.Do(func() {
		bg := context.WithoutCancel(ctx)
		go func() {
			defer close(a.writerDone)
			_ = a.scheduler.Run(bg)
		}()

		qctx, cancel := context.WithCancel(bg)
		a.queueCancel = cancel
		go func() {
			defer close(a.queueDone)
			if a.queue != nil {
				_ = a.queue.Run(qctx)
			}
		}()
	})
}

// handleAudio feeds one drained capture chunk through the segmenter and
// transcribes every finished utterance. It runs on the supervisor goroutine.
func (a *App) handleAudio(ctx context.Context, pcm []byte) {
	utts, err := a.segmenter.Feed(pcm)
	if err != nil {
		slog.Warn("segmentation failed", "err", err)
	}
	for _, u := range utts {
		a.process(ctx, u)
	}
}

func (a *App) process(ctx context.Context, u segment.Utterance) {
	if err := a.scheduler.Process(ctx, u); err != nil {
		slog.Warn("utterance skipped", "err", err)
	}
}

// flushOnRestart emits the utterance that was open when the device stalled.
func (a *App) flushOnRestart() {
	if a.runCtx != nil && a.runCtx.Err() == nil {
		a.flush(a.runCtx)
	}
}

// flush transcribes the open utterance, if any. The FAST pass gets its own
// deadline so that it still runs after ctx is cancelled.
func (a *App) flush(ctx context.Context) {
	u, ok := a.segmenter.Flush()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	a.process(ctx, u)
}

// ─── Backfill ────────────────────────────────────────────────────────────────

// Backfill summarizes every keyword line of the given dates that has no
// summary yet, waits for the jobs to finish and returns how many were
// enqueued. It must not be combined with Run.
func (a *App) Backfill(ctx context.Context, dates ...string) (int, error) {
	if a.queue == nil {
		return 0, errors.New("app: backfill needs summarization enabled")
	}
	a.startBackground(ctx)

	var (
		total int
		errs  []error
	)
	for _, date := range dates {
		n, err := summarize.Backfill(a.queue, a.log, date, a.detector)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
		slog.Info("backfill enqueued", "date", date, "jobs", n)
	}
	a.queue.Close()

	select {
	case <-a.queueDone:
	case <-ctx.Done():
		a.queueCancel()
		<-a.queueDone
		errs = append(errs, ctx.Err())
	}
	a.dispatcher.Wait()
	return total, errors.Join(errs...)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed config file. Only the log level takes effect
// immediately; other changes are reported as needing a restart. It matches
// the [config.Watcher] callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// ReloadKeywords swaps the trigger word list used by every later detection.
// It matches the [config.WithKeywordHandler] callback.
func (a *App) ReloadKeywords(words []kws.TriggerWord) {
	a.detector.Replace(words)
	slog.Info("keywords replaced", "count", len(a.detector.Words()))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Log returns the day log store.
func (a *App) Log() *incident.Log { return a.log }

// Summaries returns the summary store.
func (a *App) Summaries() *summarize.FileStore { return a.store }

// Detector returns the keyword detector.
func (a *App) Detector() *kws.Detector { return a.detector }

// Hub returns the live feed hub.
func (a *App) Hub() *api.Hub { return a.hub }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the pipeline after Run has returned: in-flight FINAL passes
// finish (bounded by asr.shutdown_timeout), queued summaries are processed,
// background notifications complete, and then the closers run in order. If
// ctx expires first, queued summaries are dropped and ctx's error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.startBackground(ctx)

		a.scheduler.Shutdown(ctx)
		<-a.writerDone

		if a.queue != nil {
			a.queue.Close()
		}
		select {
		case <-a.queueDone:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded, dropping queued summaries", "queued", a.queueLen())
			a.queueCancel()
			<-a.queueDone
			shutdownErr = ctx.Err()
		}

		a.dispatcher.Wait()

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) queueLen() int {
	if a.queue == nil {
		return 0
	}
	return a.queue.Len()
}
