package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"upscale-orders/internal/models"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	var got []string
	d.Subscribe(func(_ context.Context, c StatusChange) error {
		got = append(got, "first:"+c.JobID)
		return nil
	})
	d.Subscribe(func(_ context.Context, c StatusChange) error {
		got = append(got, "second:"+c.JobID)
		return nil
	})

	d.Publish(context.Background(), StatusChange{JobID: "job-1", From: models.StatusAwaitingPayment, To: models.StatusPending})

	if len(got) != 2 || got[0] != "first:job-1" || got[1] != "second:job-1" {
		t.Fatalf("delivery order: %v", got)
	}
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	d.Subscribe(func(context.Context, StatusChange) error {
		panic("boom")
	})
	d.Subscribe(func(context.Context, StatusChange) error {
		return errors.New("listener error")
	})
	reached := false
	d.Subscribe(func(context.Context, StatusChange) error {
		reached = true
		return nil
	})

	d.Publish(context.Background(), StatusChange{JobID: "job-2"})
	if !reached {
		t.Fatalf("a panicking listener must not block later listeners")
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	d.Publish(context.Background(), StatusChange{JobID: "job-3"})
}
