package swarm

import (
	"context"
	"errors"
	"fmt"

	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
)

// Emit broadcasts a system message to the swarm, excluding this node and
// any extra agent ids given. Delivery failures are logged, never
// returned: a lifecycle change must not roll back because a peer was
// unreachable.
func (s *Service) Emit(ctx context.Context, swarmID string, sc envelope.SystemContent, meta map[string]string, exclude ...string) {
	sc.SwarmID = swarmID
	content, err := envelope.EncodeSystemContent(sc)
	if err != nil {
		s.log.Error("system content encode failed", "action", sc.Action, "error", err)
		return
	}

	b := envelope.NewBuilder(s.id.AgentID, s.id.Endpoint).
		To(envelope.Broadcast).
		InSwarm(swarmID).
		AsType(envelope.TypeSystem).
		Content(content).
		WithClock(s.clk.Now)
	for k, v := range meta {
		b.WithMetadata(k, v)
	}
	m, err := b.Build()
	if err != nil {
		s.log.Error("system envelope build failed", "action", sc.Action, "error", err)
		return
	}
	if err := m.Sign(s.id.Private); err != nil {
		s.log.Error("system envelope sign failed", "action", sc.Action, "error", err)
		return
	}
	s.recordLocal(ctx, m)

	members, err := s.st.ListMembers(ctx, swarmID)
	if err != nil {
		s.log.Error("system broadcast roster lookup failed", "swarm_id", swarmID, "error", err)
		return
	}
	recipients := recipientsExcept(members, append(exclude, s.id.AgentID)...)
	if err := s.dlv.Broadcast(ctx, m, recipients); err != nil {
		s.log.Warn("system broadcast incomplete",
			"swarm_id", swarmID, "action", sc.Action, "error", err)
	}
}

// EmitTo sends a directed system message to one member.
func (s *Service) EmitTo(ctx context.Context, swarmID, recipient string, sc envelope.SystemContent) error {
	sc.SwarmID = swarmID
	content, err := envelope.EncodeSystemContent(sc)
	if err != nil {
		return err
	}
	member, err := s.st.GetMember(ctx, swarmID, recipient)
	if err != nil {
		return err
	}
	m, err := envelope.NewBuilder(s.id.AgentID, s.id.Endpoint).
		To(recipient).
		InSwarm(swarmID).
		AsType(envelope.TypeSystem).
		Content(content).
		WithClock(s.clk.Now).
		Build()
	if err != nil {
		return err
	}
	if err := m.Sign(s.id.Private); err != nil {
		return err
	}
	return s.dlv.Deliver(ctx, m, recipient, member.Endpoint)
}

// recordLocal stores an emitted system message in this node's own inbox,
// so local history shows the same lifecycle trail members see.
func (s *Service) recordLocal(ctx context.Context, m *envelope.Message) {
	raw, err := m.Marshal()
	if err != nil {
		s.log.Error("system envelope marshal failed", "message_id", m.MessageID, "error", err)
		return
	}
	if _, err := s.st.InsertInbox(ctx, store.InboxMessage{
		MessageID:   m.MessageID,
		SwarmID:     m.SwarmID,
		SenderID:    m.Sender.AgentID,
		RecipientID: m.Recipient,
		MessageType: m.Type,
		Content:     string(raw),
		ReceivedAt:  s.clk.Now(),
	}); err != nil {
		s.log.Error("system message record failed", "message_id", m.MessageID, "error", err)
	}
}

// ApplySystem folds a received system message into local swarm state.
// The caller verifies the envelope signature first; this checks the
// sender's authority for the specific action. Most actions are only the
// master's to announce.
func (s *Service) ApplySystem(ctx context.Context, m *envelope.Message) error {
	sc, err := envelope.ParseSystemContent(m.Content)
	if err != nil {
		return err
	}
	swarmID := m.SwarmID
	sender := m.Sender.AgentID

	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}

	fromMaster := func() error {
		if sender != sw.Master {
			return fmt.Errorf("%w: %s from %s, master is %s",
				ErrNotAuthorized, sc.Action, sender, sw.Master)
		}
		return nil
	}

	switch sc.Action {
	case envelope.ActionMemberJoined:
		if err := fromMaster(); err != nil {
			return err
		}
		if sc.AgentID == "" {
			return fmt.Errorf("swarm: member_joined without agent_id")
		}
		member := store.Member{
			SwarmID:  swarmID,
			AgentID:  sc.AgentID,
			JoinedAt: s.clk.Now(),
		}
		if ep, ok := m.Metadata["endpoint"].(string); ok {
			member.Endpoint = ep
		}
		if pk, ok := m.Metadata["public_key"].(string); ok {
			member.PublicKey = pk
		}
		// An announcement without contact details must not blank an
		// existing row; the member fills in on first direct contact.
		if member.Endpoint == "" || member.PublicKey == "" {
			if _, err := s.st.GetMember(ctx, swarmID, member.AgentID); err == nil {
				return nil
			}
		}
		if err := s.st.UpsertMember(ctx, member); err != nil {
			return err
		}
		s.publish(events.EventMemberJoined, swarmID, member.AgentID, "")
		s.log.Info("member joined", "swarm_id", swarmID, "agent_id", member.AgentID)
		return nil

	case envelope.ActionMemberLeft:
		if sc.AgentID == "" || sender != sc.AgentID {
			return fmt.Errorf("%w: member_left for %q from %s", ErrNotAuthorized, sc.AgentID, sender)
		}
		if err := s.st.RemoveMember(ctx, swarmID, sc.AgentID); err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				return nil
			}
			return err
		}
		s.publish(events.EventMemberLeft, swarmID, sc.AgentID, "")
		s.log.Info("member left", "swarm_id", swarmID, "agent_id", sc.AgentID)
		return nil

	case envelope.ActionMemberKicked:
		if err := fromMaster(); err != nil {
			return err
		}
		if sc.AgentID == s.id.AgentID {
			// The directed notice can miss; the broadcast names us too.
			return s.dropSwarm(ctx, swarmID, events.EventMemberKicked, sc.Reason)
		}
		if err := s.st.RemoveMember(ctx, swarmID, sc.AgentID); err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				return nil
			}
			return err
		}
		s.publish(events.EventMemberKicked, swarmID, sc.AgentID, sc.Reason)
		s.log.Info("member kicked", "swarm_id", swarmID, "agent_id", sc.AgentID, "reason", sc.Reason)
		return nil

	case envelope.ActionKicked:
		if err := fromMaster(); err != nil {
			return err
		}
		if sc.AgentID != "" && sc.AgentID != s.id.AgentID {
			return fmt.Errorf("swarm: kicked notice names %s", sc.AgentID)
		}
		s.log.Info("kicked from swarm", "swarm_id", swarmID, "reason", sc.Reason)
		return s.dropSwarm(ctx, swarmID, events.EventMemberKicked, sc.Reason)

	case envelope.ActionSwarmDissolved:
		if err := fromMaster(); err != nil {
			return err
		}
		s.log.Info("swarm dissolved by master", "swarm_id", swarmID, "reason", sc.Reason)
		return s.dropSwarm(ctx, swarmID, events.EventSwarmDissolved, sc.Reason)

	case envelope.ActionMasterChanged:
		// Announced by the outgoing master while peers still hold it as
		// their recorded master.
		if err := fromMaster(); err != nil {
			return err
		}
		if sc.AgentID == "" {
			return fmt.Errorf("swarm: master_changed without agent_id")
		}
		if err := s.st.SetSwarmMaster(ctx, swarmID, sc.AgentID); err != nil {
			return err
		}
		s.publish(events.EventMasterChanged, swarmID, sc.AgentID, "")
		s.log.Info("master changed", "swarm_id", swarmID, "master", sc.AgentID)
		return nil

	case envelope.ActionMasterTransfer:
		if err := fromMaster(); err != nil {
			return err
		}
		if sc.AgentID != "" && sc.AgentID != s.id.AgentID {
			return fmt.Errorf("swarm: transfer offer names %s", sc.AgentID)
		}
		s.mu.Lock()
		s.offersIn[swarmID] = sender
		s.mu.Unlock()
		s.log.Info("master transfer offered to this node", "swarm_id", swarmID, "from", sender)
		return nil

	case envelope.ActionMasterTransferAck:
		if err := s.takeOffer(swarmID, sender, "accept"); err != nil {
			return err
		}
		if sw.Master != s.id.AgentID {
			return ErrNotMaster
		}
		if err := s.st.SetSwarmMaster(ctx, swarmID, sender); err != nil {
			return err
		}
		s.Emit(ctx, swarmID, envelope.SystemContent{
			Action:      envelope.ActionMasterChanged,
			AgentID:     sender,
			InitiatedBy: s.id.AgentID,
		}, nil)
		s.publish(events.EventMasterChanged, swarmID, sender, "")
		s.log.Info("mastership transferred", "swarm_id", swarmID, "master", sender)
		return nil

	case envelope.ActionMasterTransferNack:
		if err := s.takeOffer(swarmID, sender, "decline"); err != nil {
			return err
		}
		s.log.Warn("master transfer declined", "swarm_id", swarmID, "agent_id", sender)
		return ErrTransferDeclined

	case envelope.ActionMemberMuted, envelope.ActionMemberUnmuted:
		// Mute state is local to every node; the notice is informational.
		s.log.Debug("mute notice", "swarm_id", swarmID, "action", sc.Action, "agent_id", sc.AgentID)
		return nil

	case envelope.ActionJoinRequest:
		// Join requests travel on /swarm/join, not the message pipe.
		s.log.Debug("join_request on message pipe ignored", "swarm_id", swarmID, "sender", sender)
		return nil
	}
	return fmt.Errorf("swarm: unhandled system action %q", sc.Action)
}

// takeOffer consumes the outstanding transfer offer for a swarm if the
// answer came from the agent it was made to.
func (s *Service) takeOffer(swarmID, sender, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.offersOut[swarmID]
	if !ok || target != sender {
		return fmt.Errorf("%w: transfer %s from %s", ErrNoTransferOffer, kind, sender)
	}
	delete(s.offersOut, swarmID)
	return nil
}

// dropSwarm deletes the local mirror of a swarm this node is no longer
// part of.
func (s *Service) dropSwarm(ctx context.Context, swarmID string, t events.EventType, detail string) error {
	if err := s.st.DeleteSwarm(ctx, swarmID); err != nil {
		return err
	}
	metrics.SwarmsJoined.Dec()
	s.publish(t, swarmID, s.id.AgentID, detail)
	return nil
}
