// Package web serves the node's HTTP surface: the signed peer protocol
// under /swarm/, the local operator API under /api/, and the Prometheus
// scrape endpoint.
package web

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/config"
	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/invoke"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/session"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/swarm"
	"github.com/finml-sage/agent-swarm-protocol/internal/wake"
)

// Dependencies defines what the HTTP layer needs from the rest of the node.
type Dependencies struct {
	Identity *crypto.Identity
	Config   *config.Config
	Store    *store.Store
	Swarms   *swarm.Service
	Keys     KeyResolver
	Wake     MessageWaker
	Invoker  invoke.Invoker
	Sessions *session.Manager
	Sweeper  Sweeper
	Bus      *events.Bus
	Clock    clock.Clock
	Log      *logging.Logger
}

// KeyResolver resolves peer verification keys, fetching on cache miss.
type KeyResolver interface {
	Resolve(ctx context.Context, agentID, endpoint string) (ed25519.PublicKey, error)
	Forget(ctx context.Context, agentID string) error
}

// MessageWaker evaluates a stored message and carries out any wake POST.
type MessageWaker interface {
	Process(ctx context.Context, m *envelope.Message) wake.Decision
}

// Sweeper runs a maintenance sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Server is the node's HTTP server.
type Server struct {
	deps     Dependencies
	mux      *http.ServeMux
	server   *http.Server
	log      *logging.Logger
	clk      clock.Clock
	senders  *rateLimiter // message budget per sender
	joiners  *rateLimiter // join budget per client IP
	draining atomic.Bool
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		log:     deps.Log.Component("web"),
		clk:     clk,
		senders: newRateLimiter(deps.Config.RateMsgPerMin, time.Minute, clk),
		joiners: newRateLimiter(deps.Config.RateJoinPerHour, time.Hour, clk),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Peer protocol. The POSTs pass the header gate and their rate
	// limiter before the handler runs.
	s.mux.Handle("POST /swarm/message", s.instrument("/swarm/message",
		s.protocolGate(s.limitBySender(s.handleMessage))))
	s.mux.Handle("POST /swarm/join", s.instrument("/swarm/join",
		s.protocolGate(s.limitByIP(s.handleJoin))))
	s.mux.Handle("GET /swarm/health", s.instrument("/swarm/health", s.handleHealth))
	s.mux.Handle("GET /swarm/info", s.instrument("/swarm/info", s.handleInfo))

	// Inbox and outbox.
	s.mux.HandleFunc("GET /api/messages", s.apiListMessages)
	s.mux.HandleFunc("GET /api/messages/count", s.apiMessageCounts)
	s.mux.HandleFunc("GET /api/messages/{id}", s.apiGetMessage)
	s.mux.HandleFunc("POST /api/messages/{id}/ack", s.apiAckMessage)
	s.mux.HandleFunc("POST /api/messages/{id}/archive", s.apiArchiveMessage)
	s.mux.HandleFunc("DELETE /api/messages/{id}", s.apiDeleteMessage)
	s.mux.HandleFunc("GET /api/outbox", s.apiListOutbox)
	s.mux.HandleFunc("GET /api/outbox/count", s.apiOutboxCounts)
	s.mux.HandleFunc("POST /api/send", s.apiSend)

	// Swarm membership.
	s.mux.HandleFunc("POST /api/swarms", s.apiCreateSwarm)
	s.mux.HandleFunc("GET /api/swarms", s.apiListSwarms)
	s.mux.HandleFunc("POST /api/swarms/join", s.apiJoinSwarm)
	s.mux.HandleFunc("GET /api/swarms/{id}", s.apiGetSwarm)
	s.mux.HandleFunc("POST /api/swarms/{id}/invite", s.apiInvite)
	s.mux.HandleFunc("GET /api/swarms/{id}/invites", s.apiListInvites)
	s.mux.HandleFunc("DELETE /api/swarms/{id}/invites/{hash}", s.apiRevokeInvite)
	s.mux.HandleFunc("POST /api/swarms/{id}/leave", s.apiLeaveSwarm)
	s.mux.HandleFunc("POST /api/swarms/{id}/kick", s.apiKick)
	s.mux.HandleFunc("POST /api/swarms/{id}/transfer", s.apiTransfer)
	s.mux.HandleFunc("POST /api/swarms/{id}/transfer/accept", s.apiAcceptTransfer)
	s.mux.HandleFunc("POST /api/swarms/{id}/transfer/decline", s.apiDeclineTransfer)
	s.mux.HandleFunc("GET /api/swarms/{id}/pending", s.apiListPending)
	s.mux.HandleFunc("POST /api/swarms/{id}/pending/{agent}/approve", s.apiApproveJoin)
	s.mux.HandleFunc("POST /api/swarms/{id}/pending/{agent}/reject", s.apiRejectJoin)

	// Mutes.
	s.mux.HandleFunc("POST /api/swarms/{id}/mute", s.apiMuteSwarm)
	s.mux.HandleFunc("POST /api/swarms/{id}/unmute", s.apiUnmuteSwarm)
	s.mux.HandleFunc("POST /api/agents/{id}/mute", s.apiMuteAgent)
	s.mux.HandleFunc("POST /api/agents/{id}/unmute", s.apiUnmuteAgent)
	s.mux.HandleFunc("GET /api/mutes", s.apiListMutes)

	// Sessions, events, maintenance.
	s.mux.HandleFunc("GET /api/session", s.apiGetSession)
	s.mux.HandleFunc("POST /api/session/activity", s.apiSessionActivity)
	s.mux.HandleFunc("POST /api/session/suspend", s.apiSessionSuspend)
	s.mux.HandleFunc("POST /api/session/resume", s.apiSessionResume)
	s.mux.HandleFunc("POST /api/session/end", s.apiSessionEnd)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/maintenance/purge", s.apiPurge)

	if s.deps.Config.WakeEndpointEnabled {
		s.mux.Handle("POST /api/wake", s.instrument("/api/wake", s.handleWake))
	}
	if s.deps.Config.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// Handler returns the full middleware-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.drainGate(s.mux)
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.deps.Config.RequestTimeout,
		WriteTimeout: 0, // event stream connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting new requests and drains in-flight ones until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// drainGate rejects new work once shutdown has begun.
func (s *Server) drainGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			writeError(w, http.StatusServiceUnavailable, CodeInternalError, "node is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) now() time.Time {
	return s.clk.Now()
}

// publish emits a node event unless the bus is absent.
func (s *Server) publish(t events.EventType, swarmID, agentID, messageID, detail string) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(events.Event{
		Type:      t,
		SwarmID:   swarmID,
		AgentID:   agentID,
		MessageID: messageID,
		Detail:    detail,
		Timestamp: s.now(),
	})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
