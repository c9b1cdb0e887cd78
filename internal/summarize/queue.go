package summarize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/cashield/internal/observe"
	"github.com/MrWong99/cashield/internal/resilience"
	"github.com/MrWong99/cashield/internal/transcript"
	"github.com/MrWong99/cashield/internal/window"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("summarize: queue closed")

	// ErrQueueFull is returned by Enqueue when the buffer is exhausted.
	ErrQueueFull = errors.New("summarize: queue full")

	// ErrNoTurns is returned for a job whose trigger index is outside its
	// lines.
	ErrNoTurns = errors.New("summarize: trigger line not in snapshot")
)

const (
	defaultWorkers   = 1
	defaultQueueSize = 256
)

// Config configures a [Queue].
type Config struct {
	// Backend produces summaries. Required.
	Backend Backend

	// Store persists records and error artifacts. Required.
	Store *FileStore

	// Sinks receive every record after Store. Failures are logged only.
	Sinks []Sink

	// Workers is the number of concurrent jobs. Default 1.
	Workers int

	// QueueSize is the number of jobs buffered ahead of the workers.
	// Default 256.
	QueueSize int

	// Window bounds the conversation snippet.
	Window window.Options

	// Retry governs backend attempts. When MaxRetries and BaseDelay are both
	// zero the defaults apply: five retries from 1 s with 0.2 s jitter.
	Retry resilience.RetryConfig

	// Breaker, if set, wraps every backend call.
	Breaker *resilience.CircuitBreaker

	// Limiter, if set, is waited on before every backend call.
	Limiter *RateLimiter

	// Model is recorded when the backend does not report one.
	Model string

	// OnRecord, if set, is called after a record is persisted.
	OnRecord func(ctx context.Context, rec Record)

	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Queue runs summarization jobs on a fixed set of workers in FIFO order.
type Queue struct {
	cfg Config
	ch  chan Job

	mu     sync.RWMutex
	closed bool
}

// NewQueue validates cfg and returns an idle queue. Call Run to start it.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Backend == nil {
		return nil, errors.New("summarize: backend is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("summarize: store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		d := resilience.DefaultRetryConfig()
		cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.Jitter = d.MaxRetries, d.BaseDelay, d.Jitter
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{cfg: cfg, ch: make(chan Job, cfg.QueueSize)}, nil
}

// Enqueue adds job without blocking.
func (q *Queue) Enqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		q.cfg.Metrics.SummarizeQueueDepth.Add(context.Background(), 1)
		return nil
	default:
		q.cfg.Metrics.RecordSummarizeDropped(context.Background())
		return ErrQueueFull
	}
}

// Close stops accepting jobs. Workers finish the jobs already queued and Run
// then returns. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of queued jobs not yet picked up.
func (q *Queue) Len() int { return len(q.ch) }

// Run starts the workers and blocks until the queue is closed and drained or
// ctx ends. Jobs still queued when ctx ends are dropped.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range q.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.ch:
			if !ok {
				return
			}
			q.cfg.Metrics.SummarizeQueueDepth.Add(ctx, -1)
			q.process(ctx, job)
		}
	}
}

// process runs one job to its terminal state: a persisted record, an error
// artifact, or a skip when ctx ended.
func (q *Queue) process(ctx context.Context, job Job) {
	start := q.cfg.Now()
	ctx, span := observe.StartSpan(ctx, "summarize.job",
		observe.AttrJobID.String(job.ID), observe.AttrDate.String(job.Date))
	defer span.End()
	log := observe.Logger(ctx).With("job_id", job.ID, "date", job.Date, "trigger_index", job.TriggerIndex)

	status := "ok"
	defer func() {
		q.cfg.Metrics.RecordSummarizeJob(ctx, status, q.cfg.Now().Sub(start).Seconds())
	}()

	rec, err := q.Summarize(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			status = "skipped"
			log.Warn("summarization abandoned at shutdown", "err", err)
			return
		}
		status = "error"
		observe.Fail(span, err)
		log.Error("summarization failed", "err", err)
		if werr := q.cfg.Store.WriteError(job, err, observe.CorrelationID(ctx)); werr != nil {
			log.Error("failed to write error artifact", "err", werr)
		}
		return
	}

	if err := q.cfg.Store.Save(ctx, rec); err != nil {
		status = "error"
		observe.Fail(span, err)
		log.Error("failed to persist summary", "err", err)
		if werr := q.cfg.Store.WriteError(job, err, observe.CorrelationID(ctx)); werr != nil {
			log.Error("failed to write error artifact", "err", werr)
		}
		return
	}
	for _, s := range q.cfg.Sinks {
		if err := s.Save(ctx, rec); err != nil {
			log.Warn("summary sink failed", "err", err)
		}
	}
	log.Info("incident summarized", "ng_word", rec.NGWord, "severity", rec.Severity)
	if q.cfg.OnRecord != nil {
		q.cfg.OnRecord(ctx, rec)
	}
}

// Summarize builds the window and prompt for job and calls the backend with
// retries. It does not persist anything.
func (q *Queue) Summarize(ctx context.Context, job Job) (Record, error) {
	snip := window.Build(job.Lines, job.TriggerIndex, job.TriggerWord, q.cfg.Window)
	if len(snip.Turns) == 0 {
		return Record{}, fmt.Errorf("%w: index %d of %d", ErrNoTurns, job.TriggerIndex, len(job.Lines))
	}
	prompt := BuildPrompt(snip)

	var res *Result
	err := resilience.Retry(ctx, q.cfg.Retry, func(ctx context.Context) error {
		if err := q.cfg.Limiter.Wait(ctx); err != nil {
			return err
		}
		call := func() error {
			r, err := q.cfg.Backend.Summarize(ctx, prompt)
			if err != nil {
				return err
			}
			res = r
			return nil
		}
		if q.cfg.Breaker != nil {
			return q.cfg.Breaker.Execute(call)
		}
		return call()
	})
	if err != nil {
		return Record{}, fmt.Errorf("summarize: job %s: %w", job.ID, err)
	}

	model := res.Model
	if model == "" {
		model = q.cfg.Model
	}
	ngWord := res.NGWord
	if ngWord == "" {
		ngWord = job.TriggerWord
	}
	return Record{
		Date:       job.Date,
		AnchorTime: snip.AnchorTime,
		NGWord:     ngWord,
		Turns:      res.Turns,
		Summary:    res.Summary,
		Severity:   clampSeverity(job.Severity),
		Action:     res.Action,
		Meta: Meta{
			Model:         model,
			CreatedAt:     q.cfg.Now().Format(transcript.TimeLayout),
			JobID:         job.ID,
			LineLow:       snip.Low,
			LineHigh:      snip.High,
			LineIndices:   snip.Indices(),
			TriggerIndex:  job.TriggerIndex,
			ModelSeverity: res.Severity,
		},
	}, nil
}
