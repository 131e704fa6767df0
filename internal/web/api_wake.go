package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/invoke"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/wake"
)

// headerWakeSecret authenticates wake and session mutations.
const headerWakeSecret = "X-Wake-Secret"

// invokeGrace is how long the wake handler waits for the invoker before
// answering. Invokers that fail immediately surface as a 500 instead of
// a phantom "invoked".
const invokeGrace = 500 * time.Millisecond

// wakeAuthorized checks the shared wake secret, in constant time. With no
// secret configured the endpoint trusts its callers, which only makes
// sense behind a loopback bind.
func (s *Server) wakeAuthorized(r *http.Request) bool {
	secret := s.deps.Config.WakeSecret
	if secret == "" {
		return true
	}
	got := r.Header.Get(headerWakeSecret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// handleWake activates the agent runtime for a message. Single-flight: an
// active session within its timeout absorbs the wake without invoking.
func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if !s.wakeAuthorized(r) {
		writeError(w, http.StatusForbidden, CodeNotAuthorized, "wake secret mismatch")
		return
	}

	var p invoke.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidFormat, "malformed JSON body")
		return
	}
	if p.MessageID == "" || p.SwarmID == "" {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidFormat, "message_id and swarm_id are required")
		return
	}
	if p.NotificationLevel == "" {
		p.NotificationLevel = wake.LevelNormal
	}
	switch p.NotificationLevel {
	case wake.LevelLow, wake.LevelNormal, wake.LevelHigh:
	default:
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidFormat, "notification_level must be low, normal, or high")
		return
	}

	started, sess := s.deps.Sessions.TryBegin(envelope.NewID(), p.SwarmID)
	if !started {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "already_active",
			"session_id": sess.SessionID,
		})
		return
	}

	done := make(chan error, 1)
	go func() {
		err := s.invokeAgent(p)
		if err != nil {
			// The handler may have answered already; reset the session
			// here so a broken invoker does not wedge single-flight.
			if eerr := s.deps.Sessions.End(); eerr != nil {
				s.log.Warn("session reset failed", "error", eerr)
			}
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			writeError(w, http.StatusInternalServerError, CodeInternalError, "invoker failed: "+err.Error())
			return
		}
	case <-s.clk.After(invokeGrace):
		// Still running; treat as launched.
	}

	s.publish(events.EventWakeInvoked, p.SwarmID, p.SenderID, p.MessageID, s.deps.Invoker.Name())
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "invoked",
		"session_id": sess.SessionID,
	})
}

// invokeAgent runs the configured invoker detached from the request,
// bounded by the session timeout.
func (s *Server) invokeAgent(p invoke.Payload) error {
	ctx := context.Background()
	if t := s.deps.Config.SessionTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	err := s.deps.Invoker.Invoke(ctx, p)
	result := "ok"
	if err != nil {
		result = "error"
		s.log.Error("invoker failed",
			"method", s.deps.Invoker.Name(), "message_id", p.MessageID, "error", err)
	}
	metrics.Invocations.WithLabelValues(s.deps.Invoker.Name(), result).Inc()
	return err
}
