package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// noSleep records requested delays without waiting.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetry_AttemptsIsMaxRetriesPlusOne(t *testing.T) {
	var delays []time.Duration
	calls := 0
	boom := errors.New("boom")

	err := Retry(context.Background(), RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Sleep:      noSleep(&delays),
	}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	calls := 0
	var retried []int

	err := Retry(context.Background(), RetryConfig{
		MaxRetries: 5,
		Sleep:      noSleep(&delays),
		OnRetry:    func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retried)
	}
}

func TestRetry_ZeroRetriesIsSingleAttempt(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), RetryConfig{}, func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_NonRetryableStops(t *testing.T) {
	var delays []time.Duration
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:  5,
		IsRetryable: func(err error) bool { return !errors.Is(err, fatal) },
		Sleep:       noSleep(&delays),
	}, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("err = %v after %d calls, want fatal after 1", err, calls)
	}
}

func TestRetry_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")
	calls := 0
	err := Retry(ctx, RetryConfig{
		MaxRetries: 5,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want last attempt error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoff_JitterAndFloor(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, Jitter: 200 * time.Millisecond}.withDefaults()
	for range 100 {
		d := Backoff(cfg, 2)
		if d < 1800*time.Millisecond || d > 2200*time.Millisecond {
			t.Fatalf("Backoff(2) = %v, want 2s ± 200ms", d)
		}
	}

	tiny := RetryConfig{BaseDelay: time.Millisecond, Jitter: 50 * time.Millisecond}.withDefaults()
	for range 100 {
		if d := Backoff(tiny, 1); d < DefaultMinDelay {
			t.Fatalf("Backoff = %v, below floor %v", d, DefaultMinDelay)
		}
	}

	capped := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second}.withDefaults()
	if d := Backoff(capped, 10); d != 3*time.Second {
		t.Errorf("capped Backoff = %v, want 3s", d)
	}
}
