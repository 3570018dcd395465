// Package notifyops escalates operator-facing failures — an adapter
// disabling itself (apperror.AdapterFatal) or a persistence write that
// conflicted and could not be retried away (apperror.PersistenceConflict)
// — to a Discord webhook, so a human sees them without tailing logs.
//
// Grounded on the teacher's notify/notify.go (Notifier/MultiNotifier/
// NilNotifier shape) and notify/discord/discord.go (rate-limited,
// goroutine-dispatched webhook sender).
package notifyops

import (
	"context"
	"time"
)

// Severity classifies an Alert for display and filtering.
type Severity int

const (
	// Warning is a degraded-but-recovering condition.
	Warning Severity = iota
	// Critical is a condition requiring operator attention (an adapter
	// disabled itself, a write was permanently lost).
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert is one operator-facing event.
type Alert struct {
	At       time.Time
	Severity Severity
	Source   string
	Message  string
	Fields   map[string]any
}

// Notifier dispatches an Alert to its backend. Implementations must be
// safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, a Alert) error
}

// NilNotifier discards every alert. Used when config.OpsAlert.Enabled is
// false so callers never need a nil check.
type NilNotifier struct{}

func (NilNotifier) Send(ctx context.Context, a Alert) error { return nil }

// MultiNotifier fans an alert out to every notifier in order, stopping
// and returning the first error.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, a Alert) error {
	for _, n := range m.notifiers {
		if err := n.Send(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
