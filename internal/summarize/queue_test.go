package summarize_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/cashield/internal/observe"
	"github.com/MrWong99/cashield/internal/resilience"
	"github.com/MrWong99/cashield/internal/summarize"
)

// backendFunc adapts a function to summarize.Backend.
type backendFunc func(ctx context.Context, p summarize.Prompt) (*summarize.Result, error)

func (f backendFunc) Summarize(ctx context.Context, p summarize.Prompt) (*summarize.Result, error) {
	return f(ctx, p)
}

var testLines = []string{
	"[2025-03-14 18:00:00] 店員: [FINAL] [ID:000001] いらっしゃいませ",
	"[2025-03-14 18:00:04] 客: [FINAL] [ID:000002] 土下座しろ [NG: 土下座]",
	"[2025-03-14 18:00:08] 店員: [FINAL] [ID:000003] 申し訳ございません",
}

var fixedNow = time.Date(2025, 3, 14, 18, 5, 0, 0, time.Local)

func noSleep(context.Context, time.Duration) error { return nil }

func newQueue(t *testing.T, b summarize.Backend, mut func(*summarize.Config)) (*summarize.Queue, *summarize.FileStore) {
	t.Helper()
	store, err := summarize.NewFileStore(filepath.Join(t.TempDir(), "summaries"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := summarize.Config{
		Backend: b,
		Store:   store,
		Model:   "test-model",
		Retry:   resilience.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, Sleep: noSleep},
		Now:     func() time.Time { return fixedNow },
	}
	if mut != nil {
		mut(&cfg)
	}
	q, err := summarize.NewQueue(cfg)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, store
}

// drain closes q and runs it to completion.
func drain(t *testing.T, q *summarize.Queue) {
	t.Helper()
	q.Close()
	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// --- Success path ---

func TestQueue_PersistsRecord(t *testing.T) {
	t.Parallel()

	var got summarize.Prompt
	b := backendFunc(func(_ context.Context, p summarize.Prompt) (*summarize.Result, error) {
		got = p
		return &summarize.Result{NGWord: "土下座", Summary: "要約", Severity: 5, Action: "対応"}, nil
	})
	var hooked []summarize.Record
	q, store := newQueue(t, b, func(c *summarize.Config) {
		c.OnRecord = func(_ context.Context, rec summarize.Record) { hooked = append(hooked, rec) }
	})

	job := summarize.NewJob("2025-03-14", testLines, 1, "土下座", 4)
	if err := q.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	drain(t, q)

	if !strings.Contains(got.Text, "- 客 18:00:04: 土下座しろ") {
		t.Errorf("prompt missing trigger turn:\n%s", got.Text)
	}

	recs, err := store.Records("2025-03-14")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Severity != 4 {
		t.Errorf("Severity = %d, want configured 4", r.Severity)
	}
	if r.Meta.ModelSeverity != 5 {
		t.Errorf("ModelSeverity = %d, want 5", r.Meta.ModelSeverity)
	}
	if r.Meta.JobID != job.ID || r.Meta.TriggerIndex != 1 {
		t.Errorf("meta = %+v", r.Meta)
	}
	if r.Meta.LineLow != 0 || r.Meta.LineHigh != 2 || len(r.Meta.LineIndices) != 3 {
		t.Errorf("window = [%d,%d] %v", r.Meta.LineLow, r.Meta.LineHigh, r.Meta.LineIndices)
	}
	if r.Meta.Model != "test-model" || r.Meta.CreatedAt != "2025-03-14 18:05:00" {
		t.Errorf("model/created = %q/%q", r.Meta.Model, r.Meta.CreatedAt)
	}
	if r.AnchorTime != "18:00:04" {
		t.Errorf("AnchorTime = %q", r.AnchorTime)
	}
	if len(hooked) != 1 {
		t.Errorf("OnRecord called %d times, want 1", len(hooked))
	}
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := backendFunc(func(context.Context, summarize.Prompt) (*summarize.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("429 resource exhausted")
		}
		return &summarize.Result{Summary: "ok", Severity: 2}, nil
	})
	q, store := newQueue(t, b, nil)
	if err := q.Enqueue(summarize.NewJob("2025-03-14", testLines, 1, "土下座", 2)); err != nil {
		t.Fatal(err)
	}
	drain(t, q)

	if n := calls.Load(); n != 3 {
		t.Errorf("backend called %d times, want 3", n)
	}
	recs, _ := store.Records("2025-03-14")
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].NGWord != "土下座" {
		t.Errorf("NGWord should fall back to the trigger word, got %q", recs[0].NGWord)
	}
}

// --- Failure path ---

func TestQueue_ExhaustionWritesErrorArtifacts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := backendFunc(func(context.Context, summarize.Prompt) (*summarize.Result, error) {
		calls.Add(1)
		return nil, errors.New("503 unavailable")
	})
	q, store := newQueue(t, b, nil)
	job := summarize.NewJob("2025-03-14", testLines, 1, "土下座", 2)
	if err := q.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	drain(t, q)

	if n := calls.Load(); n != 3 {
		t.Errorf("backend called %d times, want MaxRetries+1 = 3", n)
	}
	if recs, _ := store.Records("2025-03-14"); len(recs) != 0 {
		t.Errorf("no record expected, got %d", len(recs))
	}

	artifact, err := os.ReadFile(filepath.Join(store.ErrorDir(), "2025-03-14-1.log"))
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if !strings.Contains(string(artifact), "503 unavailable") || !strings.Contains(string(artifact), job.ID) {
		t.Errorf("artifact content:\n%s", artifact)
	}

	daily, err := os.ReadFile(filepath.Join(store.ErrorDir(), "2025-03-14.log"))
	if err != nil {
		t.Fatalf("daily error log: %v", err)
	}
	if n := strings.Count(string(daily), "\n"); n != 1 {
		t.Errorf("daily error log has %d lines, want 1", n)
	}
}

func TestQueue_OutOfRangeIndexIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := backendFunc(func(context.Context, summarize.Prompt) (*summarize.Result, error) {
		calls.Add(1)
		return &summarize.Result{}, nil
	})
	q, store := newQueue(t, b, nil)
	if err := q.Enqueue(summarize.NewJob("2025-03-14", testLines, 7, "土下座", 2)); err != nil {
		t.Fatal(err)
	}
	drain(t, q)

	if calls.Load() != 0 {
		t.Error("backend should not be called without turns")
	}
	if _, err := os.Stat(filepath.Join(store.ErrorDir(), "2025-03-14-7.log")); err != nil {
		t.Errorf("expected error artifact: %v", err)
	}
}

func TestQueue_BreakerOpenCountsAsFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := backendFunc(func(context.Context, summarize.Prompt) (*summarize.Result, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "summarizer", MaxFailures: 1, ResetTimeout: time.Hour})
	q, _ := newQueue(t, b, func(c *summarize.Config) { c.Breaker = cb })
	if err := q.Enqueue(summarize.NewJob("2025-03-14", testLines, 1, "土下座", 2)); err != nil {
		t.Fatal(err)
	}
	drain(t, q)

	if n := calls.Load(); n != 1 {
		t.Errorf("backend called %d times; open breaker should short-circuit retries", n)
	}
}

// --- Queue mechanics ---

func TestQueue_EnqueueAfterClose(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, backendFunc(nil), nil)
	q.Close()
	q.Close()
	if err := q.Enqueue(summarize.Job{}); !errors.Is(err, summarize.ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_Full(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	q, _ := newQueue(t, backendFunc(nil), func(c *summarize.Config) {
		c.QueueSize = 1
		c.Metrics = m
	})
	if err := q.Enqueue(summarize.Job{}); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := q.Enqueue(summarize.Job{}); !errors.Is(err, summarize.ErrQueueFull) {
			t.Errorf("err = %v, want ErrQueueFull", err)
		}
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "cashield.summarize.jobs" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value("status"); ok && v.AsString() == "dropped" {
					dropped += dp.Value
				}
			}
		}
	}
	if dropped != 2 {
		t.Errorf("dropped jobs = %d, want 2", dropped)
	}
}

func TestQueue_WorkersRunConcurrently(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		active  int
		peak    int
		release = make(chan struct{})
	)
	b := backendFunc(func(context.Context, summarize.Prompt) (*summarize.Result, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		reached := active == 2
		mu.Unlock()
		if reached {
			close(release)
		}
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return &summarize.Result{}, nil
	})
	q, store := newQueue(t, b, func(c *summarize.Config) { c.Workers = 2 })
	for range 2 {
		if err := q.Enqueue(summarize.NewJob("2025-03-14", testLines, 1, "土下座", 2)); err != nil {
			t.Fatal(err)
		}
	}
	drain(t, q)

	if peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak)
	}
	if recs, _ := store.Records("2025-03-14"); len(recs) != 2 {
		t.Errorf("got %d records, want 2", len(recs))
	}
}

func TestQueue_CancelledContextSkipsArtifacts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	b := backendFunc(func(context.Context, summarize.Prompt) (*summarize.Result, error) {
		cancel()
		return nil, context.Canceled
	})
	q, store := newQueue(t, b, nil)
	if err := q.Enqueue(summarize.NewJob("2025-03-14", testLines, 1, "土下座", 2)); err != nil {
		t.Fatal(err)
	}
	q.Close()
	_ = q.Run(ctx)

	if _, err := os.Stat(filepath.Join(store.ErrorDir(), "2025-03-14-1.log")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no artifact expected for a job abandoned at shutdown, stat err = %v", err)
	}
}

func TestNewQueue_Validation(t *testing.T) {
	t.Parallel()

	if _, err := summarize.NewQueue(summarize.Config{}); err == nil {
		t.Error("expected error without backend")
	}
	if _, err := summarize.NewQueue(summarize.Config{Backend: backendFunc(nil)}); err == nil {
		t.Error("expected error without store")
	}
}
