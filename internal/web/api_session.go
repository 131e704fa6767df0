package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/finml-sage/agent-swarm-protocol/internal/session"
)

// apiGetSession reports the current runtime session, or idle.
func (s *Server) apiGetSession(w http.ResponseWriter, r *http.Request) {
	if sess := s.deps.Sessions.Current(); sess != nil {
		writeJSON(w, http.StatusOK, sess)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(session.StateIdle)})
}

// sessionMutation gates a session change behind the wake secret and folds
// "no live session" into a normal answer instead of an error.
func (s *Server) sessionMutation(w http.ResponseWriter, r *http.Request, verb string, op func() error) {
	if !s.wakeAuthorized(r) {
		writeError(w, http.StatusForbidden, CodeNotAuthorized, "wake secret mismatch")
		return
	}
	if err := op(); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "no_session"})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": verb})
}

type activityRequest struct {
	MessagesProcessed int    `json:"messages_processed"`
	ContextSummary    string `json:"context_summary"`
}

// apiSessionActivity records runtime progress, refreshing the idle clock.
func (s *Server) apiSessionActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.sessionMutation(w, r, "updated", func() error {
		return s.deps.Sessions.UpdateActivity(req.MessagesProcessed, req.ContextSummary)
	})
}

// apiSessionSuspend parks the session with a context summary.
func (s *Server) apiSessionSuspend(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.sessionMutation(w, r, "suspended", func() error {
		return s.deps.Sessions.Suspend(req.ContextSummary)
	})
}

// apiSessionResume reactivates a suspended session.
func (s *Server) apiSessionResume(w http.ResponseWriter, r *http.Request) {
	s.sessionMutation(w, r, "resumed", s.deps.Sessions.Resume)
}

// apiSessionEnd returns the runtime to idle.
func (s *Server) apiSessionEnd(w http.ResponseWriter, r *http.Request) {
	s.sessionMutation(w, r, "ended", s.deps.Sessions.End)
}
