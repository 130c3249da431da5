package events

import (
	"context"

	"github.com/rs/zerolog"

	"upscale-orders/internal/models"
)

// StatusChange is emitted after every successful job status transition.
type StatusChange struct {
	JobID string
	From  models.JobStatus
	To    models.JobStatus
}

// Listener reacts to a status change. Listeners must be idempotent: the store
// suppresses replayed same-status transitions, but a crash between the store
// write and dispatch can still surface a change twice across restarts.
type Listener func(ctx context.Context, change StatusChange) error

// Dispatcher fans a status change out to listeners registered at startup.
// Dispatch is synchronous and in-order; listener errors are logged, never
// propagated back into the transition that triggered them.
type Dispatcher struct {
	log       zerolog.Logger
	listeners []Listener
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Subscribe registers a listener. Not safe for use after dispatch begins;
// wiring happens once in main.
func (d *Dispatcher) Subscribe(l Listener) {
	if l == nil {
		return
	}
	d.listeners = append(d.listeners, l)
}

// Publish delivers the change to every listener.
func (d *Dispatcher) Publish(ctx context.Context, change StatusChange) {
	if d == nil {
		return
	}
	for _, l := range d.listeners {
		d.deliver(ctx, l, change)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, l Listener, change StatusChange) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("job_id", change.JobID).
				Str("from", string(change.From)).
				Str("to", string(change.To)).
				Interface("panic", r).
				Msg("status listener panicked")
		}
	}()
	if err := l(ctx, change); err != nil {
		d.log.Error().
			Err(err).
			Str("job_id", change.JobID).
			Str("from", string(change.From)).
			Str("to", string(change.To)).
			Msg("status listener failed")
	}
}
