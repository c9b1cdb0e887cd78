package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cashield/internal/summarize"
)

const notifyTimeout = 10 * time.Second

// MultiNotifier fans an event out to every notifier in order.
type MultiNotifier []Notifier

var _ Notifier = MultiNotifier(nil)

// Notify calls every notifier and joins their errors.
func (m MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher receives every event for the live feed.
type Publisher interface {
	Publish(topic string, v any)
}

// Dispatcher routes events. Every event goes to the live feed. Confirmed
// hits also play the sound and notify; summaries notify. Tentative hits are
// only published and logged.
//
// Notifications are sent in the background so slow chat APIs never stall the
// caller. Call Wait at shutdown.
type Dispatcher struct {
	player   *Player
	notifier Notifier
	feed     Publisher

	wg sync.WaitGroup
}

// NewDispatcher returns a dispatcher. Any argument may be nil.
func NewDispatcher(player *Player, notifier Notifier, feed Publisher) *Dispatcher {
	return &Dispatcher{player: player, notifier: notifier, feed: feed}
}

// Alert handles ev.
func (d *Dispatcher) Alert(ctx context.Context, ev Event) {
	if d.feed != nil {
		d.feed.Publish("alert", ev)
	}
	switch ev.Kind {
	case KindTentative:
		slog.Info("tentative keyword hit", "date", ev.Date, "id", ev.Entry.ID, "words", ev.Words)
	case KindConfirmed:
		slog.Warn("keyword hit confirmed", "date", ev.Date, "id", ev.Entry.ID, "words", ev.Words, "severity", ev.Severity)
		if d.player != nil {
			d.player.Play(context.WithoutCancel(ctx))
		}
		d.notify(ctx, ev)
	case KindSummary:
		d.notify(ctx, ev)
	}
}

// Summary raises a summary event for rec. It matches summarize.Config.OnRecord.
func (d *Dispatcher) Summary(ctx context.Context, rec summarize.Record) {
	d.Alert(ctx, SummaryEvent(rec))
}

// SummaryEvent wraps rec in an event.
func SummaryEvent(rec summarize.Record) Event {
	return Event{
		Kind:     KindSummary,
		Date:     rec.Date,
		Index:    rec.Meta.TriggerIndex,
		Words:    []string{rec.NGWord},
		Severity: rec.Severity,
		Record:   &rec,
	}
}

func (d *Dispatcher) notify(ctx context.Context, ev Event) {
	if d.notifier == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, ev); err != nil {
			slog.Warn("alert notification failed", "kind", ev.Kind, "err", err)
		}
	}()
}

// Wait blocks until background notifications and playback have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	if d.player != nil {
		d.player.Wait()
	}
}
