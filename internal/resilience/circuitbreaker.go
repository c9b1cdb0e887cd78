// Package resilience keeps flaky ASR and LLM backends from stalling the
// monitor. It offers a per-backend [CircuitBreaker], ordered failover between
// backends ([Failover], [STTFallback], [LLMFallback]) and bounded
// exponential [Retry].
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the backend while a breaker is
// open or its probe budget is used up.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels logs and transition callbacks.
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the cool-down before probing again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax probes are let through after the cool-down. All of them
	// must succeed to close the breaker. Default 3.
	HalfOpenMax int

	// IsFailure reports whether err counts against the backend. The default
	// ignores context cancellation so shutdowns never trip a breaker.
	IsFailure func(error) bool

	// OnStateChange is called on every transition while the breaker's lock
	// is held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now defaults to [time.Now].
	Now func() time.Time
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CircuitBreaker stops calling a backend after repeated failures and probes it
// again once a cool-down has passed. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	passed   int
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker rejects the call with [ErrCircuitOpen].
// fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// acquire admits a call. probe is true for calls made while half-open.
func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.coolDownOver() {
		cb.moveTo(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	halfOpen := probe && cb.state == StateHalfOpen
	switch {
	case err != nil && !cb.cfg.IsFailure(err):
		if halfOpen {
			cb.probes--
		}
	case err != nil:
		if halfOpen {
			slog.Warn("circuit breaker probe failed", "name", cb.cfg.Name, "err", err)
			cb.moveTo(StateOpen)
			return
		}
		if cb.state != StateClosed {
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name,
				"consecutive_failures", cb.failures, "retry_after", cb.cfg.ResetTimeout)
			cb.moveTo(StateOpen)
		}
	case halfOpen:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
			cb.moveTo(StateClosed)
		}
	case cb.state == StateClosed:
		cb.failures = 0
	}
}

// moveTo switches state and clears the counters of the previous one. The
// caller holds cb.mu.
func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	cb.state = to
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) coolDownOver() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// State reports the current mode. An open breaker whose cool-down has passed
// reports [StateHalfOpen]; the switch itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.coolDownOver() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets all failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateClosed)
	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
}
