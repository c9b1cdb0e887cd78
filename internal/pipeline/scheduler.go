// Package pipeline runs the two-tier transcription of segmented utterances.
//
// Every utterance first gets a FAST pass on the caller's goroutine. Its text
// is logged at once, checked for trigger words and, on a hit, raises a
// tentative alert and a summarization job. The same audio is then handed to a
// bounded pool for the slower FINAL pass. FINAL results travel over a channel
// to a single writer goroutine, which replaces the FAST line in place (same ID
// and role, timestamp kept) or appends when the line is gone. Only a FINAL
// hit makes the alert audible.
//
//	capture loop ──Process──▶ FAST ──▶ log append ──▶ detect ──▶ tentative alert / job
//	                                 └─▶ FINAL pool ──chan──▶ writer ──▶ log replace ──▶ confirmed alert
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/cashield/internal/alert"
	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/kws"
	"github.com/MrWong99/cashield/internal/observe"
	"github.com/MrWong99/cashield/internal/segment"
	"github.com/MrWong99/cashield/internal/summarize"
	"github.com/MrWong99/cashield/internal/transcript"
	"github.com/MrWong99/cashield/pkg/provider/stt"
)

const (
	defaultFinalWorkers    = 2
	defaultShutdownTimeout = 30 * time.Second
)

// Enqueuer accepts summarization jobs without blocking.
type Enqueuer interface {
	Enqueue(job summarize.Job) error
}

// Alerter receives hit events. Implementations must not block for long; the
// writer goroutine calls them.
type Alerter interface {
	Alert(ctx context.Context, ev alert.Event)
}

// EntryFunc observes every line written to the log, FAST and FINAL alike.
type EntryFunc func(date string, idx int, e transcript.Entry)

// Config holds the scheduler's collaborators and settings.
type Config struct {
	// Fast transcribes every utterance. Required.
	Fast stt.Provider

	// Final confirms utterances. Nil disables the FINAL stage.
	Final stt.Provider

	// Filter drops hallucinated transcripts. Nil uses the default phrases.
	Filter *transcript.HallucinationFilter

	// Detector spots trigger words. Required.
	Detector *kws.Detector

	// Log receives every line. Required.
	Log *incident.Log

	// Seq issues entry IDs. Nil starts a fresh sequence.
	Seq *transcript.Sequence

	// Jobs receives one summarization job per hit line. Optional.
	Jobs Enqueuer

	// Alerts receives tentative and confirmed hits. Optional.
	Alerts Alerter

	// OnEntry observes written lines. Optional.
	OnEntry EntryFunc

	// SampleRate of the utterance PCM. Default 16000.
	SampleRate int

	// Role is written on every line. Default customer.
	Role transcript.Role

	// FinalWorkers bounds concurrent FINAL passes. Default 2.
	FinalWorkers int

	// FinalOnHitOnly skips FINAL for utterances whose FAST text had no hit.
	FinalOnHitOnly bool

	// AlertOnFastWhenUnconfirmed raises a confirmed alert from FAST when no
	// FINAL pass is scheduled for the utterance.
	AlertOnFastWhenUnconfirmed bool

	// ShutdownTimeout bounds how long Shutdown waits for FINAL passes.
	// Default 30 s.
	ShutdownTimeout time.Duration

	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// finalResult is one completed FINAL pass.
type finalResult struct {
	date  string
	idx   int // of the FAST line
	entry transcript.Entry
	text  string
	err   error
}

// Scheduler implements the FAST/FINAL transcription flow. Process must be
// called from one goroutine; Run must be running for FINAL results to be
// written.
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted

	results chan finalResult

	finalCtx    context.Context
	cancelFinal context.CancelFunc
	inflight    sync.WaitGroup
	closeOnce   sync.Once
}

// New validates cfg and returns a scheduler.
func New(cfg Config) (*Scheduler, error) {
	var errs []error
	if cfg.Fast == nil {
		errs = append(errs, errors.New("fast provider is required"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("detector is required"))
	}
	if cfg.Log == nil {
		errs = append(errs, errors.New("log is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("pipeline: %w", errors.Join(errs...))
	}
	if cfg.Filter == nil {
		cfg.Filter = transcript.NewHallucinationFilter()
	}
	if cfg.Seq == nil {
		cfg.Seq = &transcript.Sequence{}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Role == "" {
		cfg.Role = transcript.RoleCustomer
	}
	if cfg.FinalWorkers <= 0 {
		cfg.FinalWorkers = defaultFinalWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	finalCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.FinalWorkers)),
		results:     make(chan finalResult, cfg.FinalWorkers),
		finalCtx:    finalCtx,
		cancelFinal: cancel,
	}, nil
}

// Process runs the FAST stage for utt and schedules FINAL. It returns an error
// only when the utterance was skipped; FINAL never blocks it.
func (s *Scheduler) Process(ctx context.Context, utt segment.Utterance) error {
	audio := stt.Audio{PCM: utt.PCM, SampleRate: s.cfg.SampleRate, Channels: 1}

	text, err := s.transcribe(ctx, s.cfg.Fast, transcript.StageFast, audio)
	if err != nil {
		s.cfg.Metrics.RecordUtterance(ctx, "error")
		return fmt.Errorf("pipeline: fast: %w", err)
	}
	if s.cfg.Filter.IsHallucination(text) {
		s.cfg.Metrics.RecordUtterance(ctx, "hallucination")
		slog.Debug("dropped hallucinated transcript", "stage", transcript.StageFast, "text", text)
		return nil
	}

	e := transcript.Entry{
		ID:    s.cfg.Seq.Next(),
		Time:  s.cfg.Now(),
		Role:  s.cfg.Role,
		Stage: transcript.StageFast,
		Text:  strings.TrimSpace(text),
	}
	hits := s.cfg.Detector.Detect(e.Text)
	e.Hits = kws.Texts(hits)

	date, idx, err := s.cfg.Log.Append(e)
	if err != nil {
		s.cfg.Metrics.RecordUtterance(ctx, "error")
		return fmt.Errorf("pipeline: append: %w", err)
	}
	s.cfg.Metrics.RecordUtterance(ctx, "logged")
	s.observe(date, idx, e)

	scheduleFinal := s.cfg.Final != nil && (!s.cfg.FinalOnHitOnly || len(hits) > 0)

	if len(hits) > 0 {
		for _, h := range hits {
			s.cfg.Metrics.RecordKeywordHit(ctx, string(transcript.StageFast), h.Text)
		}
		ev := s.event(alert.KindTentative, date, idx, e, hits)
		s.raise(ctx, ev)
		if !scheduleFinal && s.cfg.AlertOnFastWhenUnconfirmed {
			ev.Kind = alert.KindConfirmed
			s.raise(ctx, ev)
		}
		s.enqueue(date, idx, hits)
	}

	if scheduleFinal {
		s.submitFinal(date, idx, e, audio)
	}
	return nil
}

func (s *Scheduler) transcribe(ctx context.Context, p stt.Provider, stage transcript.Stage, audio stt.Audio) (string, error) {
	name := stt.Name(p)
	ctx, span := observe.StartSpan(ctx, "pipeline."+strings.ToLower(string(stage)),
		observe.AttrStage.String(string(stage)), observe.AttrProvider.String(name))
	defer span.End()

	start := s.cfg.Now()
	text, err := p.Transcribe(ctx, audio)
	s.cfg.Metrics.RecordASR(ctx, string(stage), s.cfg.Now().Sub(start).Seconds())

	if err != nil {
		observe.Fail(span, err)
		s.cfg.Metrics.RecordProviderRequest(ctx, name, "stt", "error")
		s.cfg.Metrics.RecordProviderError(ctx, name, "stt")
		return "", err
	}
	s.cfg.Metrics.RecordProviderRequest(ctx, name, "stt", "ok")
	return text, nil
}

// submitFinal waits for a pool slot on its own goroutine.
func (s *Scheduler) submitFinal(date string, idx int, e transcript.Entry, audio stt.Audio) {
	s.inflight.Add(1)
	s.cfg.Metrics.FinalQueueDepth.Add(s.finalCtx, 1)
	go func() {
		defer s.inflight.Done()
		defer s.cfg.Metrics.FinalQueueDepth.Add(context.Background(), -1)

		if err := s.sem.Acquire(s.finalCtx, 1); err != nil {
			return
		}
		text, err := s.transcribe(s.finalCtx, s.cfg.Final, transcript.StageFinal, audio)
		s.sem.Release(1)
		if s.finalCtx.Err() != nil {
			return
		}

		select {
		case s.results <- finalResult{date: date, idx: idx, entry: e, text: text, err: err}:
		case <-s.finalCtx.Done():
		}
	}()
}

// Run is the single log writer for FINAL results. It returns after Shutdown
// once every pending result is written.
func (s *Scheduler) Run(ctx context.Context) error {
	for r := range s.results {
		s.applyFinal(ctx, r)
	}
	return nil
}

func (s *Scheduler) applyFinal(ctx context.Context, r finalResult) {
	e := r.entry
	e.Stage = transcript.StageFinal
	e.Hits = nil

	var hits []kws.TriggerWord
	switch {
	case r.err != nil:
		slog.Warn("final transcription failed", "id", e.ID, "err", r.err)
		e.Text = fmt.Sprintf("<ASR_ERROR: %v>", r.err)
	case s.cfg.Filter.IsHallucination(r.text):
		slog.Debug("final pass heard nothing, keeping fast line", "id", e.ID)
		return
	default:
		e.Text = strings.TrimSpace(r.text)
		hits = s.cfg.Detector.Detect(e.Text)
		e.Hits = kws.Texts(hits)
	}

	idx, written, err := s.cfg.Log.Replace(r.date, r.idx, e)
	if errors.Is(err, incident.ErrEntryNotFound) {
		slog.Debug("fast line not found, appending final", "id", e.ID, "date", r.date)
		r.date, idx, err = s.cfg.Log.Append(e)
		written = e
	}
	if err != nil {
		slog.Error("failed to write final transcript", "id", e.ID, "err", err)
		return
	}
	s.observe(r.date, idx, written)

	if len(hits) == 0 {
		return
	}
	for _, h := range hits {
		s.cfg.Metrics.RecordKeywordHit(ctx, string(transcript.StageFinal), h.Text)
	}
	s.raise(ctx, s.event(alert.KindConfirmed, r.date, idx, written, hits))
	if len(r.entry.Hits) == 0 {
		// FAST missed it, so no job exists for this line yet.
		s.enqueue(r.date, idx, hits)
	}
}

// Shutdown waits for in-flight FINAL passes, at most ShutdownTimeout or
// until ctx ends, then cancels the rest and lets Run drain and return. Call
// it once Process is no longer called.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(done)
		}()

		timer := time.NewTimer(s.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			slog.Warn("final passes still running at shutdown, abandoning them")
			s.cancelFinal()
			<-done
		case <-ctx.Done():
			s.cancelFinal()
			<-done
		}
		s.cancelFinal()
		close(s.results)
	})
}

func (s *Scheduler) enqueue(date string, idx int, hits []kws.TriggerWord) {
	if s.cfg.Jobs == nil {
		return
	}
	lines, err := s.cfg.Log.Lines(date)
	if err != nil {
		slog.Error("cannot snapshot log for summarization", "date", date, "err", err)
		return
	}
	w := hits[0]
	job := summarize.NewJob(date, lines, idx, w.Text, s.cfg.Detector.Severity(w.Text))
	if err := s.cfg.Jobs.Enqueue(job); err != nil {
		slog.Warn("summarization job not enqueued", "date", date, "index", idx, "err", err)
	}
}

func (s *Scheduler) raise(ctx context.Context, ev alert.Event) {
	if s.cfg.Alerts != nil {
		s.cfg.Alerts.Alert(ctx, ev)
	}
}

func (s *Scheduler) observe(date string, idx int, e transcript.Entry) {
	if s.cfg.OnEntry != nil {
		s.cfg.OnEntry(date, idx, e)
	}
}

func (s *Scheduler) event(kind alert.Kind, date string, idx int, e transcript.Entry, hits []kws.TriggerWord) alert.Event {
	sev := 0
	for _, h := range hits {
		sev = max(sev, h.Severity)
	}
	return alert.Event{
		Kind:     kind,
		Date:     date,
		Index:    idx,
		Entry:    e,
		Words:    kws.Texts(hits),
		Severity: sev,
	}
}
