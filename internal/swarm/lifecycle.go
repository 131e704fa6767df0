package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/token"
)

// Create founds a new swarm with this node as master and sole member.
func (s *Service) Create(ctx context.Context, name string, allowMemberInvite, requireApproval bool) (*store.Swarm, error) {
	now := s.clk.Now()
	sw := store.Swarm{
		SwarmID:           envelope.NewID(),
		Name:              name,
		Master:            s.id.AgentID,
		CreatedAt:         now,
		JoinedAt:          now,
		AllowMemberInvite: allowMemberInvite,
		RequireApproval:   requireApproval,
	}
	self := store.Member{
		SwarmID:   sw.SwarmID,
		AgentID:   s.id.AgentID,
		Endpoint:  s.id.Endpoint,
		PublicKey: s.id.PublicKeyB64(),
		JoinedAt:  now,
	}
	if err := s.st.CreateSwarm(ctx, sw, self); err != nil {
		return nil, err
	}
	metrics.SwarmsJoined.Inc()
	s.publish(events.EventSwarmCreated, sw.SwarmID, s.id.AgentID, name)
	s.log.Info("swarm created", "swarm_id", sw.SwarmID, "name", name)
	return &sw, nil
}

// Invite issues an invite token for a swarm. The master signs with its
// own key. A member may invite only when the swarm allows it; the token
// is then signed by the member but names the real master and the
// master's endpoint, which is where joiners send their requests.
func (s *Service) Invite(ctx context.Context, swarmID string, expiresIn time.Duration, maxUses int) (*token.Issued, error) {
	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return nil, err
	}

	endpoint := s.id.Endpoint
	if sw.Master != s.id.AgentID {
		if !sw.AllowMemberInvite {
			return nil, ErrInvitesDisabled
		}
		if _, err := s.st.GetMember(ctx, swarmID, s.id.AgentID); err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				return nil, ErrNotMember
			}
			return nil, err
		}
		master, err := s.st.GetMember(ctx, swarmID, sw.Master)
		if err != nil {
			return nil, err
		}
		endpoint = master.Endpoint
	}

	iss, err := token.Generate(swarmID, sw.Master, endpoint, s.id.Private, s.clk.Now(), expiresIn, maxUses)
	if err != nil {
		return nil, err
	}
	// Only the master meters tokens; it never sees member-issued ones.
	if sw.Master == s.id.AgentID {
		t := store.IssuedToken{
			TokenHash: iss.Hash,
			SwarmID:   swarmID,
			MaxUses:   iss.MaxUses,
			CreatedAt: s.clk.Now(),
			ExpiresAt: iss.ExpiresAt,
		}
		if err := s.st.SaveToken(ctx, t); err != nil {
			return nil, err
		}
	}
	s.log.Info("invite issued", "swarm_id", swarmID, "max_uses", maxUses)
	return iss, nil
}

// RevokeInvite invalidates an invite token this node issued, by hash.
func (s *Service) RevokeInvite(ctx context.Context, swarmID, hash string) error {
	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if sw.Master != s.id.AgentID {
		return ErrNotMaster
	}
	t, err := s.st.GetToken(ctx, hash)
	if err != nil {
		return err
	}
	if t.SwarmID != swarmID {
		return store.ErrTokenNotFound
	}
	if err := s.st.RevokeToken(ctx, hash); err != nil {
		return err
	}
	s.log.Info("invite revoked", "swarm_id", swarmID)
	return nil
}

// Leave exits a swarm. A leaving master dissolves the swarm for everyone;
// a leaving member announces itself, then drops its local mirror.
func (s *Service) Leave(ctx context.Context, swarmID string) error {
	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if _, err := s.st.GetMember(ctx, swarmID, s.id.AgentID); err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return ErrNotMember
		}
		return err
	}

	if sw.Master == s.id.AgentID {
		s.Emit(ctx, swarmID, envelope.SystemContent{
			Action:      envelope.ActionSwarmDissolved,
			InitiatedBy: s.id.AgentID,
			Reason:      "master left",
		}, nil)
		if err := s.st.DeleteSwarm(ctx, swarmID); err != nil {
			return err
		}
		metrics.SwarmsJoined.Dec()
		s.publish(events.EventSwarmDissolved, swarmID, s.id.AgentID, "master left")
		s.log.Info("swarm dissolved", "swarm_id", swarmID)
		return nil
	}

	s.Emit(ctx, swarmID, envelope.SystemContent{
		Action:  envelope.ActionMemberLeft,
		AgentID: s.id.AgentID,
	}, nil)
	if err := s.st.DeleteSwarm(ctx, swarmID); err != nil {
		return err
	}
	metrics.SwarmsJoined.Dec()
	s.publish(events.EventSwarmLeft, swarmID, s.id.AgentID, "")
	s.log.Info("left swarm", "swarm_id", swarmID)
	return nil
}

// Kick removes a member. The target gets a directed kicked notice, the
// rest of the swarm a member_kicked broadcast. A master cannot kick
// itself; it leaves, which dissolves the swarm.
func (s *Service) Kick(ctx context.Context, swarmID, agentID, reason string) error {
	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if sw.Master != s.id.AgentID {
		return ErrNotMaster
	}
	if agentID == s.id.AgentID {
		return fmt.Errorf("%w: cannot kick self", ErrNotAuthorized)
	}
	if _, err := s.st.GetMember(ctx, swarmID, agentID); err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return ErrNotMember
		}
		return err
	}

	// Notify the target before the roster forgets its endpoint. A dead
	// target must not block the removal.
	if err := s.EmitTo(ctx, swarmID, agentID, envelope.SystemContent{
		Action:      envelope.ActionKicked,
		AgentID:     agentID,
		InitiatedBy: s.id.AgentID,
		Reason:      reason,
	}); err != nil {
		s.log.Warn("kick notice undelivered",
			"swarm_id", swarmID, "agent_id", agentID, "error", err)
	}
	s.Emit(ctx, swarmID, envelope.SystemContent{
		Action:      envelope.ActionMemberKicked,
		AgentID:     agentID,
		InitiatedBy: s.id.AgentID,
		Reason:      reason,
	}, nil, agentID)
	if err := s.st.RemoveMember(ctx, swarmID, agentID); err != nil {
		return err
	}
	s.publish(events.EventMemberKicked, swarmID, agentID, reason)
	s.log.Info("member kicked", "swarm_id", swarmID, "agent_id", agentID, "reason", reason)
	return nil
}

// Transfer offers mastership of a swarm to another member. The target
// answers asynchronously; until an accept arrives, this node stays
// master and membership changes remain its to make.
func (s *Service) Transfer(ctx context.Context, swarmID, agentID string) error {
	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if sw.Master != s.id.AgentID {
		return ErrNotMaster
	}
	if agentID == s.id.AgentID {
		return fmt.Errorf("%w: already master", ErrNotAuthorized)
	}
	if _, err := s.st.GetMember(ctx, swarmID, agentID); err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return ErrNotMember
		}
		return err
	}

	if err := s.EmitTo(ctx, swarmID, agentID, envelope.SystemContent{
		Action:      envelope.ActionMasterTransfer,
		AgentID:     agentID,
		InitiatedBy: s.id.AgentID,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.offersOut[swarmID] = agentID
	s.mu.Unlock()
	s.log.Info("master transfer offered", "swarm_id", swarmID, "agent_id", agentID)
	return nil
}

// AcceptTransfer answers a pending mastership offer. The outgoing master
// confirms the handover to the whole swarm with master_changed; only
// then does the roster change anywhere.
func (s *Service) AcceptTransfer(ctx context.Context, swarmID string) error {
	return s.answerTransfer(ctx, swarmID, envelope.ActionMasterTransferAck)
}

// DeclineTransfer turns a pending mastership offer down.
func (s *Service) DeclineTransfer(ctx context.Context, swarmID string) error {
	return s.answerTransfer(ctx, swarmID, envelope.ActionMasterTransferNack)
}

func (s *Service) answerTransfer(ctx context.Context, swarmID, action string) error {
	s.mu.Lock()
	offerer, ok := s.offersIn[swarmID]
	delete(s.offersIn, swarmID)
	s.mu.Unlock()
	if !ok {
		return ErrNoTransferOffer
	}

	if err := s.EmitTo(ctx, swarmID, offerer, envelope.SystemContent{
		Action:  action,
		AgentID: s.id.AgentID,
	}); err != nil {
		return err
	}
	s.log.Info("master transfer answered", "swarm_id", swarmID, "action", action)
	return nil
}

// TransferOffer reports the agent currently offering this node mastership
// of a swarm, if any.
func (s *Service) TransferOffer(swarmID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offerer, ok := s.offersIn[swarmID]
	return offerer, ok
}

// MuteSwarm silences inbound traffic from a whole swarm. Muting is
// local: peers keep sending, their messages are acknowledged and
// dropped.
func (s *Service) MuteSwarm(ctx context.Context, swarmID, reason string) error {
	if _, err := s.st.GetSwarm(ctx, swarmID); err != nil {
		return err
	}
	if err := s.st.MuteSwarm(ctx, swarmID, reason, s.clk.Now()); err != nil {
		return err
	}
	s.log.Info("swarm muted", "swarm_id", swarmID, "reason", reason)
	return nil
}

// UnmuteSwarm lifts a swarm mute.
func (s *Service) UnmuteSwarm(ctx context.Context, swarmID string) error {
	if err := s.st.UnmuteSwarm(ctx, swarmID); err != nil {
		return err
	}
	s.log.Info("swarm unmuted", "swarm_id", swarmID)
	return nil
}

// MuteAgent silences one agent across all swarms.
func (s *Service) MuteAgent(ctx context.Context, agentID, reason string) error {
	if err := s.st.MuteAgent(ctx, agentID, reason, s.clk.Now()); err != nil {
		return err
	}
	s.log.Info("agent muted", "agent_id", agentID, "reason", reason)
	return nil
}

// UnmuteAgent lifts an agent mute.
func (s *Service) UnmuteAgent(ctx context.Context, agentID string) error {
	if err := s.st.UnmuteAgent(ctx, agentID); err != nil {
		return err
	}
	s.log.Info("agent unmuted", "agent_id", agentID)
	return nil
}
