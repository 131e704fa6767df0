package notify

import (
	"context"

	"github.com/finml-sage/agent-swarm-protocol/internal/events"
)

// eventFilter forwards only events whose type is in the allow set.
type eventFilter struct {
	inner Notifier
	allow map[events.EventType]bool
}

// filterEvents restricts a notifier to the named event types. With no
// types it returns the notifier unwrapped.
func filterEvents(inner Notifier, types []string) Notifier {
	if len(types) == 0 {
		return inner
	}
	allow := make(map[events.EventType]bool, len(types))
	for _, t := range types {
		allow[events.EventType(t)] = true
	}
	return &eventFilter{inner: inner, allow: allow}
}

// Name returns the name of the wrapped notifier.
func (f *eventFilter) Name() string { return f.inner.Name() }

// Send drops events outside the allow set without error.
func (f *eventFilter) Send(ctx context.Context, event Event) error {
	if !f.allow[event.Type] {
		return nil
	}
	return f.inner.Send(ctx, event)
}
