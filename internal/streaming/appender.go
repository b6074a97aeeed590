package streaming

import (
	"context"

	"github.com/rendis/leadflow/internal/store"
)

// EventAppender is the sink the executor writes lifecycle events to.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Appender forwards every event to an optional durable sink first, then
// publishes it on the hub. Publishing ignores cancellation of ctx so that
// subscribers still see the events of an aborted run.
type Appender struct {
	hub  EventHub
	next EventAppender
}

// NewAppender wraps next (which may be nil) with live publication on hub.
func NewAppender(hub EventHub, next EventAppender) *Appender {
	return &Appender{hub: hub, next: next}
}

func (a *Appender) AppendEvent(ctx context.Context, event *store.Event) error {
	var err error
	if a.next != nil {
		err = a.next.AppendEvent(ctx, event)
	}
	_ = a.hub.Publish(context.WithoutCancel(ctx), StreamEvent{
		RunID:     event.RunID,
		StepID:    event.StepID,
		EventType: event.Type,
		Payload:   event.Payload,
	})
	return err
}
