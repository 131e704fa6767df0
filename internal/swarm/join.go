package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/token"
)

// Join outcome statuses on the wire.
const (
	JoinAccepted = "accepted"
	JoinPending  = "pending"
)

// JoinRequest is the body POSTed to /swarm/join. The envelope carries a
// signed join_request system content; the joiner's public key rides
// alongside because the master has no prior record of it.
type JoinRequest struct {
	envelope.Message
	InviteToken string `json:"invite_token"`
	PublicKey   string `json:"public_key"`
}

// Verify checks the request shape and the envelope signature against the
// joiner's own key. Trust in that key comes from the invite token check
// that follows, not from this call.
func (r *JoinRequest) Verify(now time.Time) error {
	if r.InviteToken == "" {
		return fmt.Errorf("%w: missing invite_token", token.ErrTokenInvalid)
	}
	if err := r.Message.Validate(now); err != nil {
		return err
	}
	if r.Type != envelope.TypeSystem {
		return fmt.Errorf("swarm: join request must be a system message, got %q", r.Type)
	}
	sc, err := envelope.ParseSystemContent(r.Content)
	if err != nil {
		return err
	}
	if sc.Action != envelope.ActionJoinRequest {
		return fmt.Errorf("swarm: join request carries action %q", sc.Action)
	}
	pub, err := crypto.DecodePublicKey(r.PublicKey)
	if err != nil {
		return fmt.Errorf("swarm: join request public key: %w", err)
	}
	return r.VerifySignature(pub)
}

// MemberInfo is one membership row as shared over the wire.
type MemberInfo struct {
	AgentID   string `json:"agent_id"`
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"public_key"`
	JoinedAt  string `json:"joined_at,omitempty"`
}

// JoinResponse answers a join request. An accepted response carries the
// full roster, joiner included, so the new member can mirror the swarm
// without further round trips.
type JoinResponse struct {
	Status            string       `json:"status"`
	SwarmID           string       `json:"swarm_id"`
	SwarmName         string       `json:"swarm_name,omitempty"`
	Master            string       `json:"master,omitempty"`
	CreatedAt         string       `json:"created_at,omitempty"`
	Members           []MemberInfo `json:"members,omitempty"`
	AllowMemberInvite bool         `json:"allow_member_invite,omitempty"`
	RequireApproval   bool         `json:"require_approval,omitempty"`
	Message           string       `json:"message,omitempty"`
}

// HandleJoin processes a join request for a swarm this node masters. The
// caller is expected to have verified the request signature already.
func (s *Service) HandleJoin(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	sw, err := s.st.GetSwarm(ctx, req.SwarmID)
	if err != nil {
		return nil, err
	}
	if sw.Master != s.id.AgentID {
		return nil, ErrNotMaster
	}
	joiner := req.Sender.AgentID

	// A retry of an accepted join, or the completing request after an
	// approval: already a member means success with the current roster
	// and no second token charge.
	if _, err := s.st.GetMember(ctx, req.SwarmID, joiner); err == nil {
		return s.acceptedResponse(ctx, sw, "already a member")
	} else if !errors.Is(err, store.ErrMemberNotFound) {
		return nil, err
	}

	if _, err := s.validateInvite(ctx, sw, req.InviteToken); err != nil {
		return nil, err
	}

	if sw.RequireApproval {
		p := store.PendingJoin{
			SwarmID:     req.SwarmID,
			AgentID:     joiner,
			Endpoint:    req.Sender.Endpoint,
			PublicKey:   req.PublicKey,
			TokenHash:   token.Hash(req.InviteToken),
			RequestedAt: s.clk.Now(),
		}
		if err := s.st.AddPendingJoin(ctx, p); err != nil {
			return nil, err
		}
		s.publish(events.EventJoinPending, req.SwarmID, joiner, "held for approval")
		s.log.Info("join held for approval", "swarm_id", req.SwarmID, "agent_id", joiner)
		return &JoinResponse{
			Status:    JoinPending,
			SwarmID:   req.SwarmID,
			SwarmName: sw.Name,
			Master:    sw.Master,
			Message:   "join request awaiting master approval",
		}, nil
	}

	if err := s.consumeInvite(ctx, token.Hash(req.InviteToken)); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, sw, joiner, req.Sender.Endpoint, req.PublicKey); err != nil {
		return nil, err
	}
	return s.acceptedResponse(ctx, sw, "")
}

// validateInvite checks an invite token against the swarm's known signing
// keys. The master's own key is tried first; when members may invite,
// each member key is tried in turn, since member-issued invites are
// signed by the inviting member rather than the master.
func (s *Service) validateInvite(ctx context.Context, sw *store.Swarm, tok string) (*token.Claims, error) {
	check := func(claims *token.Claims) (*token.Claims, error) {
		if claims.Master != sw.Master {
			return nil, fmt.Errorf("%w: names master %s", token.ErrTokenInvalid, claims.Master)
		}
		return claims, nil
	}

	claims, err := token.Validate(tok, sw.SwarmID, s.id.Public, s.clk.Now())
	if err == nil {
		return check(claims)
	}
	if !sw.AllowMemberInvite || !errors.Is(err, token.ErrTokenInvalid) {
		return nil, err
	}

	members, merr := s.st.ListMembers(ctx, sw.SwarmID)
	if merr != nil {
		return nil, merr
	}
	for _, m := range members {
		if m.AgentID == s.id.AgentID {
			continue
		}
		pub, derr := crypto.DecodePublicKey(m.PublicKey)
		if derr != nil {
			continue
		}
		claims, verr := token.Validate(tok, sw.SwarmID, pub, s.clk.Now())
		if verr == nil {
			s.log.Debug("invite validated against member key",
				"swarm_id", sw.SwarmID, "issuer", m.AgentID)
			return check(claims)
		}
		// A member key that verifies the signature of an expired token
		// identifies the issuer; report expiry, not a bad signature.
		if errors.Is(verr, token.ErrTokenExpired) {
			return nil, verr
		}
	}
	return nil, err
}

// consumeInvite spends one use of a metered token. Hashes with no local
// metering row pass: member-issued invites are never recorded here.
func (s *Service) consumeInvite(ctx context.Context, hash string) error {
	err := s.st.ConsumeToken(ctx, hash)
	switch {
	case err == nil, errors.Is(err, store.ErrTokenNotFound):
		return nil
	case errors.Is(err, store.ErrTokenRevoked):
		return token.ErrTokenRevoked
	case errors.Is(err, store.ErrTokenExhausted):
		return token.ErrTokenExhausted
	}
	return err
}

// admit records a new member and announces it to everyone else. The
// joiner learns the roster from the join response instead.
func (s *Service) admit(ctx context.Context, sw *store.Swarm, agentID, endpoint, publicKey string) error {
	m := store.Member{
		SwarmID:   sw.SwarmID,
		AgentID:   agentID,
		Endpoint:  endpoint,
		PublicKey: publicKey,
		JoinedAt:  s.clk.Now(),
	}
	if err := s.st.UpsertMember(ctx, m); err != nil {
		return err
	}
	s.Emit(ctx, sw.SwarmID, envelope.SystemContent{
		Action:      envelope.ActionMemberJoined,
		AgentID:     agentID,
		InitiatedBy: s.id.AgentID,
	}, map[string]string{"endpoint": endpoint, "public_key": publicKey}, agentID)
	s.publish(events.EventMemberJoined, sw.SwarmID, agentID, "")
	s.log.Info("member joined", "swarm_id", sw.SwarmID, "agent_id", agentID)
	return nil
}

func (s *Service) acceptedResponse(ctx context.Context, sw *store.Swarm, msg string) (*JoinResponse, error) {
	members, err := s.st.ListMembers(ctx, sw.SwarmID)
	if err != nil {
		return nil, err
	}
	resp := &JoinResponse{
		Status:            JoinAccepted,
		SwarmID:           sw.SwarmID,
		SwarmName:         sw.Name,
		Master:            sw.Master,
		CreatedAt:         envelope.FormatTime(sw.CreatedAt),
		AllowMemberInvite: sw.AllowMemberInvite,
		RequireApproval:   sw.RequireApproval,
		Message:           msg,
	}
	for _, m := range members {
		resp.Members = append(resp.Members, MemberInfo{
			AgentID:   m.AgentID,
			Endpoint:  m.Endpoint,
			PublicKey: m.PublicKey,
			JoinedAt:  envelope.FormatTime(m.JoinedAt),
		})
	}
	return resp, nil
}

// Approve admits a held join request. The invite token is spent here, not
// at request time, so a rejected request never consumes a use.
func (s *Service) Approve(ctx context.Context, swarmID, agentID string) error {
	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if sw.Master != s.id.AgentID {
		return ErrNotMaster
	}
	p, err := s.st.GetPendingJoin(ctx, swarmID, agentID)
	if err != nil {
		return err
	}
	if err := s.consumeInvite(ctx, p.TokenHash); err != nil {
		return err
	}
	if err := s.admit(ctx, sw, p.AgentID, p.Endpoint, p.PublicKey); err != nil {
		return err
	}
	if err := s.st.RemovePendingJoin(ctx, swarmID, agentID); err != nil {
		s.log.Warn("pending join cleanup failed",
			"swarm_id", swarmID, "agent_id", agentID, "error", err)
	}
	return nil
}

// Reject drops a held join request. The token stays unspent; revoke it to
// shut the door entirely.
func (s *Service) Reject(ctx context.Context, swarmID, agentID, reason string) error {
	sw, err := s.st.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if sw.Master != s.id.AgentID {
		return ErrNotMaster
	}
	if err := s.st.RemovePendingJoin(ctx, swarmID, agentID); err != nil {
		return err
	}
	s.log.Info("join rejected", "swarm_id", swarmID, "agent_id", agentID, "reason", reason)
	return nil
}

// JoinRemote joins a swarm through an invite URL. The token is decoded
// without verification to learn where to send the request; the master
// proves its authority by answering with a roster we then mirror.
func (s *Service) JoinRemote(ctx context.Context, inviteURL string) (*JoinResponse, error) {
	swarmID, _, tok, err := token.ParseURL(inviteURL)
	if err != nil {
		return nil, err
	}
	claims, err := token.Decode(tok)
	if err != nil {
		return nil, err
	}
	if claims.SwarmID != swarmID {
		return nil, fmt.Errorf("%w: url names swarm %s, token names %s",
			token.ErrTokenInvalid, swarmID, claims.SwarmID)
	}

	content, err := envelope.EncodeSystemContent(envelope.SystemContent{
		Action:  envelope.ActionJoinRequest,
		SwarmID: swarmID,
		AgentID: s.id.AgentID,
	})
	if err != nil {
		return nil, err
	}
	m, err := envelope.NewBuilder(s.id.AgentID, s.id.Endpoint).
		To(claims.Master).
		InSwarm(swarmID).
		AsType(envelope.TypeSystem).
		Content(content).
		WithClock(s.clk.Now).
		Build()
	if err != nil {
		return nil, err
	}
	if err := m.Sign(s.id.Private); err != nil {
		return nil, err
	}
	req := &JoinRequest{Message: *m, InviteToken: tok, PublicKey: s.id.PublicKeyB64()}

	var resp JoinResponse
	if _, err := s.cl.PostJoin(ctx, claims.Endpoint, req, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case JoinPending:
		s.publish(events.EventJoinPending, swarmID, s.id.AgentID, "awaiting master approval")
		s.log.Info("join pending approval", "swarm_id", swarmID, "master", claims.Master)
		return &resp, nil
	case JoinAccepted:
		if err := s.mirror(ctx, &resp); err != nil {
			return nil, err
		}
		s.publish(events.EventSwarmJoined, swarmID, s.id.AgentID, "")
		s.log.Info("joined swarm",
			"swarm_id", swarmID, "name", resp.SwarmName, "members", len(resp.Members))
		return &resp, nil
	}
	return nil, fmt.Errorf("swarm: join returned unrecognized status %q", resp.Status)
}

// mirror writes the roster from an accepted join response into the local
// store, creating the swarm row on first join and refreshing members on
// a re-join.
func (s *Service) mirror(ctx context.Context, resp *JoinResponse) error {
	now := s.clk.Now()

	members := make([]store.Member, 0, len(resp.Members))
	for _, m := range resp.Members {
		joined := now
		if m.JoinedAt != "" {
			if t, err := envelope.ParseTime(m.JoinedAt); err == nil {
				joined = t
			}
		}
		members = append(members, store.Member{
			SwarmID:   resp.SwarmID,
			AgentID:   m.AgentID,
			Endpoint:  m.Endpoint,
			PublicKey: m.PublicKey,
			JoinedAt:  joined,
		})
	}

	if _, err := s.st.GetSwarm(ctx, resp.SwarmID); err == nil {
		for _, m := range members {
			if err := s.st.UpsertMember(ctx, m); err != nil {
				return err
			}
		}
		return nil
	} else if !errors.Is(err, store.ErrSwarmNotFound) {
		return err
	}

	created := now
	if resp.CreatedAt != "" {
		if t, err := envelope.ParseTime(resp.CreatedAt); err == nil {
			created = t
		}
	}
	sw := store.Swarm{
		SwarmID:           resp.SwarmID,
		Name:              resp.SwarmName,
		Master:            resp.Master,
		CreatedAt:         created,
		JoinedAt:          now,
		AllowMemberInvite: resp.AllowMemberInvite,
		RequireApproval:   resp.RequireApproval,
	}
	if err := s.st.CreateSwarm(ctx, sw, members...); err != nil {
		return err
	}
	metrics.SwarmsJoined.Inc()
	return nil
}
