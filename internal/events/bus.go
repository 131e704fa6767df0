// Package events provides a fan-out pub/sub bus for node events, consumed
// by the live event stream and the notifier chain.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of node event.
type EventType string

const (
	EventSwarmCreated    EventType = "swarm_created"
	EventSwarmJoined     EventType = "swarm_joined"
	EventSwarmLeft       EventType = "swarm_left"
	EventSwarmDissolved  EventType = "swarm_dissolved"
	EventMemberJoined    EventType = "member_joined"
	EventMemberLeft      EventType = "member_left"
	EventMemberKicked    EventType = "member_kicked"
	EventMasterChanged   EventType = "master_changed"
	EventJoinPending     EventType = "join_pending"
	EventMessageReceived EventType = "message_received"
	EventMessageSent     EventType = "message_sent"
	EventDeliveryFailed  EventType = "delivery_failed"
	EventWakeInvoked     EventType = "wake_invoked"
	EventWakeQueued      EventType = "wake_queued"
)

// Event is a single event published through the bus and streamed to
// subscribers.
type Event struct {
	Type      EventType `json:"type"`
	SwarmID   string    `json:"swarm_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus fans published events out to every live subscriber. A subscriber
// that stops draining its channel loses events instead of stalling the
// publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish delivers evt to every subscriber whose buffer has room.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Full buffer: the subscriber is behind, skip it.
		}
	}
}

// Subscribe registers a new subscriber and returns its channel together
// with a cancel function. Only events published after registration are
// seen. Cancel is idempotent; it closes the channel, so ranging over the
// channel terminates once cancelled.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}

	return ch, cancel
}
