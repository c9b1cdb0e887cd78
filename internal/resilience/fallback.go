package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the per-backend errors when no member of a [Failover]
// produced a result.
var ErrAllFailed = errors.New("resilience: all providers failed")

// errNoMembers is returned by [Call] on an empty [Failover].
var errNoMembers = errors.New("resilience: failover has no providers")

// FallbackConfig is the template for the breaker each member gets. Name is
// replaced by the member's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover holds backends in order of preference, each behind its own
// [CircuitBreaker]. Members are added during setup; calls may then run
// concurrently.
type Failover[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

func NewFailover[T any](cfg FallbackConfig) *Failover[T] {
	return &Failover[T]{cfg: cfg}
}

// Add appends a backend after the existing ones.
func (f *Failover[T]) Add(name string, value T) {
	bc := f.cfg.CircuitBreaker
	bc.Name = name
	f.members = append(f.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Primary returns the first member.
func (f *Failover[T]) Primary() (name string, value T, ok bool) {
	if len(f.members) == 0 {
		return "", value, false
	}
	m := f.members[0]
	return m.name, m.value, true
}

// Breaker returns the breaker guarding the named member, or nil.
func (f *Failover[T]) Breaker(name string) *CircuitBreaker {
	for _, m := range f.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// Call runs fn on each member in order and returns the first success. Members
// whose breaker is open are skipped. Once ctx ends no further member is tried
// and ctx's error is returned.
func Call[T, R any](ctx context.Context, f *Failover[T], fn func(T) (R, error)) (R, error) {
	var zero R
	if len(f.members) == 0 {
		return zero, errNoMembers
	}

	var errs []error
	for _, m := range f.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Execute(func() (err error) {
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			if len(errs) > 0 {
				slog.Info("request served by fallback provider", "provider", m.name, "skipped", len(errs))
			}
			return out, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", m.name)
		} else {
			slog.Warn("provider failed", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
