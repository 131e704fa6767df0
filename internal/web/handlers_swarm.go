package web

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/swarm"
	"github.com/finml-sage/agent-swarm-protocol/internal/transport"
	"github.com/finml-sage/agent-swarm-protocol/internal/wake"
)

// maxEnvelopeBytes caps inbound peer request bodies.
const maxEnvelopeBytes = 1 << 20

type receiveResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// handleMessage is the peer intake pipeline: decode, validate, verify the
// signature, check membership, then store the message exactly once and
// hand it to the wake trigger. Retries of the same message_id are
// acknowledged without side effects.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		s.rejectMessage(w, http.StatusBadRequest, CodeInvalidFormat, "request body unreadable or too large")
		return
	}
	m, err := envelope.Unmarshal(raw)
	if err != nil {
		s.rejectMessage(w, http.StatusBadRequest, CodeInvalidFormat, "malformed envelope JSON")
		return
	}
	if err := m.Validate(s.now()); err != nil {
		s.rejectMessage(w, http.StatusBadRequest, CodeInvalidFormat, err.Error())
		return
	}

	if err := s.verifySender(ctx, m); err != nil {
		if errors.Is(err, crypto.ErrSignatureInvalid) {
			metrics.SignatureFailures.Inc()
		}
		s.failReceive(w, r, err)
		return
	}

	if err := s.authorizeSender(ctx, m); err != nil {
		s.failReceive(w, r, err)
		return
	}

	muted, err := s.isMuted(ctx, m)
	if err != nil {
		s.failReceive(w, r, err)
		return
	}
	if muted {
		// Roster changes still replicate while muted; only the inbox and
		// the wake trigger go quiet.
		if m.Type == envelope.TypeSystem {
			if err := s.deps.Swarms.ApplySystem(ctx, m); err != nil {
				s.failReceive(w, r, err)
				return
			}
		}
		metrics.MessagesReceived.WithLabelValues("muted").Inc()
		writeJSON(w, http.StatusOK, receiveResponse{Status: "queued", MessageID: m.MessageID})
		return
	}

	inserted, err := s.deps.Store.InsertInbox(ctx, store.InboxMessage{
		MessageID:   m.MessageID,
		SwarmID:     m.SwarmID,
		SenderID:    m.Sender.AgentID,
		RecipientID: m.Recipient,
		MessageType: m.Type,
		Content:     string(raw),
		ReceivedAt:  s.now(),
	})
	if err != nil {
		s.failReceive(w, r, err)
		return
	}

	if !inserted {
		metrics.MessagesReceived.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, receiveResponse{Status: "queued", MessageID: m.MessageID})
		return
	}

	if m.Type == envelope.TypeSystem {
		if err := s.deps.Swarms.ApplySystem(ctx, m); err != nil {
			s.failReceive(w, r, err)
			return
		}
	}

	metrics.MessagesReceived.WithLabelValues("queued").Inc()
	s.updateUnreadGauge(ctx)
	s.publish(events.EventMessageReceived, m.SwarmID, m.Sender.AgentID, m.MessageID, "")

	// Wake evaluation never holds up the peer's response.
	go func() {
		if s.deps.Wake.Process(context.Background(), m) == wake.DecisionQueue {
			s.publish(events.EventWakeQueued, m.SwarmID, m.Sender.AgentID, m.MessageID, "")
		}
	}()

	writeJSON(w, http.StatusOK, receiveResponse{Status: "queued", MessageID: m.MessageID})
}

// rejectMessage answers a pipeline rejection with an explicit code.
func (s *Server) rejectMessage(w http.ResponseWriter, status int, code, msg string) {
	metrics.MessagesReceived.WithLabelValues("rejected").Inc()
	writeError(w, status, code, msg)
}

// failReceive answers a pipeline rejection with a mapped domain error.
func (s *Server) failReceive(w http.ResponseWriter, r *http.Request, err error) {
	metrics.MessagesReceived.WithLabelValues("rejected").Inc()
	s.fail(w, r, err)
}

// senderKey resolves the sender's verification key, preferring the key
// pinned in the swarm roster over the fetch cache.
func (s *Server) senderKey(ctx context.Context, m *envelope.Message) (ed25519.PublicKey, error) {
	if mem, err := s.deps.Store.GetMember(ctx, m.SwarmID, m.Sender.AgentID); err == nil && mem.PublicKey != "" {
		pub, derr := crypto.DecodePublicKey(mem.PublicKey)
		if derr == nil {
			return pub, nil
		}
		s.log.Warn("pinned member key undecodable",
			"swarm_id", m.SwarmID, "agent_id", m.Sender.AgentID, "error", derr)
	}
	return s.deps.Keys.Resolve(ctx, m.Sender.AgentID, m.Sender.Endpoint)
}

// verifySender checks the envelope signature against the sender's key.
// After a mismatch it refetches the key once, so a sender that rotated
// its keypair is not locked out until the cache TTL expires.
func (s *Server) verifySender(ctx context.Context, m *envelope.Message) error {
	pub, err := s.senderKey(ctx, m)
	if err != nil {
		s.log.Warn("key resolve failed", "agent_id", m.Sender.AgentID, "error", err)
		return fmt.Errorf("%w: no verification key for %s", crypto.ErrSignatureInvalid, m.Sender.AgentID)
	}
	if m.VerifySignature(pub) == nil {
		return nil
	}

	_ = s.deps.Keys.Forget(ctx, m.Sender.AgentID)
	pub, err = s.deps.Keys.Resolve(ctx, m.Sender.AgentID, m.Sender.Endpoint)
	if err != nil {
		s.log.Warn("key refetch failed", "agent_id", m.Sender.AgentID, "error", err)
		return fmt.Errorf("%w: no verification key for %s", crypto.ErrSignatureInvalid, m.Sender.AgentID)
	}
	return m.VerifySignature(pub)
}

// authorizeSender requires the sender to be a current member of the
// envelope's swarm. A sender whose join request is still in the approval
// queue gets a distinct code from a stranger's.
func (s *Server) authorizeSender(ctx context.Context, m *envelope.Message) error {
	if _, err := s.deps.Store.GetSwarm(ctx, m.SwarmID); err != nil {
		return err
	}
	_, err := s.deps.Store.GetMember(ctx, m.SwarmID, m.Sender.AgentID)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrMemberNotFound) {
		if _, perr := s.deps.Store.GetPendingJoin(ctx, m.SwarmID, m.Sender.AgentID); perr == nil {
			return errApprovalPending
		}
		return swarm.ErrNotAuthorized
	}
	return err
}

func (s *Server) isMuted(ctx context.Context, m *envelope.Message) (bool, error) {
	muted, err := s.deps.Store.IsAgentMuted(ctx, m.Sender.AgentID)
	if err != nil || muted {
		return muted, err
	}
	return s.deps.Store.IsSwarmMuted(ctx, m.SwarmID)
}

// updateUnreadGauge refreshes the unread-inbox gauge. Failures are
// ignored; the gauge catches up on the next inbox change.
func (s *Server) updateUnreadGauge(ctx context.Context) {
	if n, err := s.deps.Store.CountUnread(ctx); err == nil {
		metrics.InboxUnread.Set(float64(n))
	}
}

// handleJoin verifies a join request against its embedded public key and
// hands it to the membership service.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "request body unreadable or too large")
		return
	}
	var req swarm.JoinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "malformed join request JSON")
		return
	}
	if err := req.Verify(s.now()); err != nil {
		s.fail(w, r, err)
		return
	}

	resp, err := s.deps.Swarms.HandleJoin(ctx, &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if resp.Status == swarm.JoinPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

type healthResponse struct {
	Status          string `json:"status"`
	AgentID         string `json:"agent_id"`
	ProtocolVersion string `json:"protocol_version"`
	Timestamp       string `json:"timestamp"`
}

// handleHealth reports liveness. A failing datastore degrades the status
// but keeps the endpoint at 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.log.Warn("health ping failed", "error", err)
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          status,
		AgentID:         s.deps.Identity.AgentID,
		ProtocolVersion: envelope.ProtocolVersion,
		Timestamp:       envelope.FormatTime(s.now()),
	})
}

// handleInfo advertises this node's identity and verification key.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	caps := []string{"messaging", "swarm"}
	if s.deps.Config.WakeEndpointEnabled {
		caps = append(caps, "wake")
	}
	writeJSON(w, http.StatusOK, transport.NodeInfo{
		AgentID:         s.deps.Identity.AgentID,
		Endpoint:        s.deps.Identity.Endpoint,
		PublicKey:       s.deps.Identity.PublicKeyB64(),
		ProtocolVersion: envelope.ProtocolVersion,
		Capabilities:    caps,
	})
}
