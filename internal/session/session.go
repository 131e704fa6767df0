// Package session tracks the node's agent invocation session. At most one
// non-idle session exists; the atomic check-and-set in TryBegin is what
// keeps concurrent wake requests from double-invoking the agent.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
)

// State is the lifecycle state of the invocation session.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateSuspended State = "suspended"
)

// ErrNoSession is returned by mutations that need a live session.
var ErrNoSession = errors.New("session: no current session")

// Session is the persisted invocation session.
type Session struct {
	SessionID         string    `json:"session_id"`
	State             State     `json:"state"`
	StartedAt         time.Time `json:"started_at"`
	LastActive        time.Time `json:"last_active"`
	MessagesProcessed int       `json:"messages_processed"`
	CurrentSwarm      string    `json:"current_swarm,omitempty"`
	ContextSummary    string    `json:"context_summary,omitempty"`
}

// Manager owns the session state file and serializes all transitions.
type Manager struct {
	path    string
	timeout time.Duration
	clk     clock.Clock
	log     *logging.Logger

	mu  sync.Mutex
	cur *Session
}

// NewManager loads any persisted session from path. A file that does not
// parse is discarded; losing a stale session is better than refusing to
// start.
func NewManager(path string, timeout time.Duration, clk clock.Clock, log *logging.Logger) *Manager {
	m := &Manager{
		path:    path,
		timeout: timeout,
		clk:     clk,
		log:     log.Component("session"),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		m.log.Warn("session file unreadable, starting idle", "path", m.path, "error", err)
		return
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil || s.SessionID == "" {
		m.log.Warn("session file corrupted, discarding", "path", m.path, "error", err)
		os.Remove(m.path)
		return
	}
	if s.State == StateIdle {
		return
	}
	m.cur = &s
}

// Current returns a copy of the live session, or nil when idle. A session
// past the idle timeout is ended on the spot.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if m.cur == nil {
		return nil
	}
	s := *m.cur
	return &s
}

// TryBegin is the single-flight gate. When an active session is still
// within the idle timeout it returns false with a copy of that session
// and changes nothing. Otherwise it records a new active session and
// returns true. The check and the set are one critical section, so of any
// number of concurrent callers exactly one starts.
func (m *Manager) TryBegin(sessionID, swarmID string) (bool, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if m.cur != nil && m.cur.State == StateActive {
		s := *m.cur
		return false, &s
	}

	now := m.clk.Now()
	m.cur = &Session{
		SessionID:    sessionID,
		State:        StateActive,
		StartedAt:    now,
		LastActive:   now,
		CurrentSwarm: swarmID,
	}
	m.persistLocked()
	s := *m.cur
	return true, &s
}

// UpdateActivity refreshes the activity time and progress counters.
func (m *Manager) UpdateActivity(messagesProcessed int, contextSummary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if m.cur == nil {
		return ErrNoSession
	}
	m.cur.LastActive = m.clk.Now()
	m.cur.MessagesProcessed += messagesProcessed
	if contextSummary != "" {
		m.cur.ContextSummary = contextSummary
	}
	m.persistLocked()
	return nil
}

// Suspend parks the active session with a summary for later resume.
func (m *Manager) Suspend(contextSummary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if m.cur == nil || m.cur.State != StateActive {
		return ErrNoSession
	}
	m.cur.State = StateSuspended
	m.cur.LastActive = m.clk.Now()
	m.cur.ContextSummary = contextSummary
	m.persistLocked()
	return nil
}

// Resume reactivates a suspended session.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if m.cur == nil || m.cur.State != StateSuspended {
		return ErrNoSession
	}
	m.cur.State = StateActive
	m.cur.LastActive = m.clk.Now()
	m.persistLocked()
	return nil
}

// End returns the node to idle and removes the state file. Ending an
// already idle manager is a no-op.
func (m *Manager) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = nil
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: remove state file: %w", err)
	}
	return nil
}

// expireLocked ends a session whose idle time exceeds the timeout.
// Callers hold mu.
func (m *Manager) expireLocked() {
	if m.cur == nil {
		return
	}
	if m.clk.Now().Sub(m.cur.LastActive) < m.timeout {
		return
	}
	m.log.Info("session expired", "session_id", m.cur.SessionID, "last_active", m.cur.LastActive)
	m.cur = nil
	os.Remove(m.path)
}

// persistLocked writes the session file. Callers hold mu.
func (m *Manager) persistLocked() {
	raw, err := json.MarshalIndent(m.cur, "", "  ")
	if err != nil {
		m.log.Error("marshal session", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		m.log.Error("create session dir", "error", err)
		return
	}
	if err := os.WriteFile(m.path, raw, 0o600); err != nil {
		m.log.Error("write session file", "error", err)
	}
}
