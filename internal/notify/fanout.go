// Package notify combines several duel event sinks into one.
package notify

import (
	"context"
	"errors"

	"github.com/duel-arena/internal/domain"
)

// Notifier receives duel events
type Notifier interface {
	Notify(ctx context.Context, event domain.DuelEvent) error
}

// Fanout forwards every event to each of its notifiers
type Fanout struct {
	notifiers []Notifier
}

// NewFanout creates a fanout over the non-nil notifiers given
func NewFanout(notifiers ...Notifier) *Fanout {
	f := &Fanout{}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	return f
}

// Notify delivers to every notifier, even if some fail
func (f *Fanout) Notify(ctx context.Context, event domain.DuelEvent) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns how many notifiers receive events
func (f *Fanout) Len() int {
	return len(f.notifiers)
}
