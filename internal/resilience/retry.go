package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Retry defaults, tuned for rate-limited LLM APIs.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 1 * time.Second
	DefaultJitter     = 200 * time.Millisecond
	DefaultMinDelay   = 100 * time.Millisecond
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt; fn runs at
	// most MaxRetries+1 times. Zero means a single attempt.
	MaxRetries int

	// BaseDelay is the sleep after the first failure. It doubles after each
	// further failure.
	BaseDelay time.Duration

	// MaxDelay caps a single sleep. Zero means no cap.
	MaxDelay time.Duration

	// Jitter is the half-width of the uniform noise added to every sleep.
	Jitter time.Duration

	// MinDelay is the floor applied after jitter. Default 100 ms.
	MinDelay time.Duration

	// IsRetryable decides whether an error is worth another attempt. Nil
	// retries every error.
	IsRetryable func(error) bool

	// OnRetry, if set, is called before each sleep with the number of failed
	// attempts so far.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep waits for d or until ctx is done. Defaults to a timer; tests
	// replace it to run without real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns 5 retries starting at 1 s with ±0.2 s jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Jitter:     DefaultJitter,
		MinDelay:   DefaultMinDelay,
	}
}

// Retry executes fn with exponential backoff and returns nil on the first
// success, the last error of fn once attempts are exhausted or the error is
// not retryable, or ctx's error when ctx ends first.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt > cfg.MaxRetries {
			return lastErr
		}

		delay := Backoff(cfg, attempt)
		slog.Debug("retrying after error", "attempt", attempt, "max", cfg.MaxRetries+1, "delay", delay, "err", lastErr)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Backoff returns the sleep after the given number of failed attempts:
// BaseDelay·2^(attempt-1) plus uniform jitter in [-Jitter, +Jitter], capped at
// MaxDelay and floored at MinDelay.
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << min(max(attempt-1, 0), 16)
	if cfg.Jitter > 0 {
		delay += time.Duration((rand.Float64()*2 - 1) * float64(cfg.Jitter))
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return max(delay, cfg.MinDelay)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.IsRetryable == nil {
		c.IsRetryable = func(error) bool { return true }
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
