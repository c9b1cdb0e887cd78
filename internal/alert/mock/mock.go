// Package mock provides test doubles for the alert package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cashield/internal/alert"
)

// Notifier records every event and returns Err.
type Notifier struct {
	mu     sync.Mutex
	Err    error
	Events []alert.Event
}

var _ alert.Notifier = (*Notifier)(nil)

// Notify records ev.
func (n *Notifier) Notify(_ context.Context, ev alert.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, ev)
	return n.Err
}

// Received returns a copy of the recorded events.
func (n *Notifier) Received() []alert.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Event(nil), n.Events...)
}

// Publication is one Publish call.
type Publication struct {
	Topic string
	Value any
}

// Publisher records every publication.
type Publisher struct {
	mu    sync.Mutex
	Items []Publication
}

var _ alert.Publisher = (*Publisher)(nil)

// Publish records the call.
func (p *Publisher) Publish(topic string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Items = append(p.Items, Publication{Topic: topic, Value: v})
}

// Published returns a copy of the recorded publications.
func (p *Publisher) Published() []Publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Publication(nil), p.Items...)
}
