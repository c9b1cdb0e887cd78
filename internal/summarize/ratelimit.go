package summarize

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Default backend call budgets.
const (
	DefaultRPM = 15
	DefaultRPD = 1000
)

// RateLimiter bounds backend calls per minute and per day. Both budgets are
// token buckets that start full.
type RateLimiter struct {
	minute *rate.Limiter
	day    *rate.Limiter
}

// NewRateLimiter returns a limiter allowing rpm calls per minute and rpd
// calls per day. Values below one are raised to one.
func NewRateLimiter(rpm, rpd int) *RateLimiter {
	rpm, rpd = max(1, rpm), max(1, rpd)
	return &RateLimiter{
		minute: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
		day:    rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(rpd)), rpd),
	}
}

// Wait blocks until both budgets allow one more call or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := r.day.Wait(ctx); err != nil {
		return fmt.Errorf("summarize: rate limit (day): %w", err)
	}
	if err := r.minute.Wait(ctx); err != nil {
		return fmt.Errorf("summarize: rate limit (minute): %w", err)
	}
	return nil
}
