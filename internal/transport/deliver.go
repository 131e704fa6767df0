package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
)

// maxFanout bounds how many broadcast deliveries run concurrently.
const maxFanout = 8

// OutboxStore records the lifecycle of outbound messages.
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, m store.OutboxMessage) error
	MarkDelivered(ctx context.Context, messageID string, attempts int, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, messageID string, attempts int, lastErr string) (bool, error)
}

// Recipient is one delivery target of a broadcast.
type Recipient struct {
	AgentID  string
	Endpoint string
}

// Deliverer sends envelopes and tracks their outbox state. Every send is
// enqueued before the first attempt so a crash mid-delivery leaves a trace.
type Deliverer struct {
	client *Client
	outbox OutboxStore
	bus    *events.Bus
	clk    clock.Clock
	log    *logging.Logger
}

func NewDeliverer(client *Client, outbox OutboxStore, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Deliverer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Deliverer{
		client: client,
		outbox: outbox,
		bus:    bus,
		clk:    clk,
		log:    log.Component("deliver"),
	}
}

// Deliver sends one envelope to one peer and finalizes its outbox row.
func (d *Deliverer) Deliver(ctx context.Context, m *envelope.Message, recipientID, endpoint string) error {
	if err := d.enqueue(ctx, m, recipientID); err != nil {
		return err
	}

	start := d.clk.Now()
	res, err := d.client.Send(ctx, endpoint, m)
	metrics.DeliveryDuration.Observe(d.clk.Since(start).Seconds())

	if err != nil {
		d.finalizeFailed(ctx, m, res.Attempts, err)
		d.publish(events.EventDeliveryFailed, m, recipientID, err.Error())
		d.log.Warn("delivery failed",
			"message_id", m.MessageID, "recipient", recipientID,
			"attempts", res.Attempts, "error", err)
		return err
	}

	d.finalizeDelivered(ctx, m, res.Attempts)
	d.publish(events.EventMessageSent, m, recipientID, "")
	d.log.Info("message delivered",
		"message_id", m.MessageID, "recipient", recipientID, "attempts", res.Attempts)
	return nil
}

// Broadcast fans one envelope out to every recipient and finalizes its
// outbox row once. The broadcast counts as delivered when at least one
// recipient accepted it; it fails only when every recipient did.
func (d *Deliverer) Broadcast(ctx context.Context, m *envelope.Message, recipients []Recipient) error {
	if err := d.enqueue(ctx, m, envelope.Broadcast); err != nil {
		return err
	}
	if len(recipients) == 0 {
		// A single-member swarm still records the send.
		d.finalizeDelivered(ctx, m, 0)
		return nil
	}

	start := d.clk.Now()
	var (
		mu       sync.Mutex
		attempts int
		okCount  int
	)
	g := new(errgroup.Group)
	g.SetLimit(maxFanout)
	for _, r := range recipients {
		g.Go(func() error {
			res, err := d.client.Send(ctx, r.Endpoint, m)
			mu.Lock()
			attempts += res.Attempts
			if err == nil {
				okCount++
			}
			mu.Unlock()
			if err != nil {
				d.publish(events.EventDeliveryFailed, m, r.AgentID, err.Error())
				d.log.Warn("delivery failed",
					"message_id", m.MessageID, "recipient", r.AgentID, "error", err)
				return fmt.Errorf("%s: %w", r.AgentID, err)
			}
			return nil
		})
	}
	firstErr := g.Wait()
	metrics.DeliveryDuration.Observe(d.clk.Since(start).Seconds())

	if okCount == 0 {
		d.finalizeFailed(ctx, m, attempts, firstErr)
		return fmt.Errorf("transport: broadcast %s reached none of %d recipients: %w",
			m.MessageID, len(recipients), firstErr)
	}
	d.finalizeDelivered(ctx, m, attempts)
	d.publish(events.EventMessageSent, m, envelope.Broadcast,
		fmt.Sprintf("%d/%d recipients", okCount, len(recipients)))
	d.log.Info("broadcast delivered",
		"message_id", m.MessageID, "reached", okCount, "of", len(recipients))
	return nil
}

func (d *Deliverer) enqueue(ctx context.Context, m *envelope.Message, recipientID string) error {
	err := d.outbox.EnqueueOutbox(ctx, store.OutboxMessage{
		MessageID:   m.MessageID,
		SwarmID:     m.SwarmID,
		RecipientID: recipientID,
		MessageType: m.Type,
		Content:     m.Content,
		CreatedAt:   d.clk.Now(),
	})
	if err != nil {
		return fmt.Errorf("transport: enqueue %s: %w", m.MessageID, err)
	}
	return nil
}

func (d *Deliverer) finalizeDelivered(ctx context.Context, m *envelope.Message, attempts int) {
	metrics.MessagesSent.WithLabelValues("delivered").Inc()
	if _, err := d.outbox.MarkDelivered(ctx, m.MessageID, attempts, d.clk.Now()); err != nil {
		d.log.Error("recording delivery", "message_id", m.MessageID, "error", err)
	}
}

func (d *Deliverer) finalizeFailed(ctx context.Context, m *envelope.Message, attempts int, cause error) {
	metrics.MessagesSent.WithLabelValues("failed").Inc()
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if _, err := d.outbox.MarkFailed(ctx, m.MessageID, attempts, detail); err != nil {
		d.log.Error("recording failed delivery", "message_id", m.MessageID, "error", err)
	}
}

func (d *Deliverer) publish(t events.EventType, m *envelope.Message, agentID, detail string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:      t,
		SwarmID:   m.SwarmID,
		AgentID:   agentID,
		MessageID: m.MessageID,
		Detail:    detail,
		Timestamp: d.clk.Now(),
	})
}
