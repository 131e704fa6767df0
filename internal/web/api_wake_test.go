package web

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/config"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/invoke"
)

// countingInvoker succeeds instantly and remembers how often it ran.
type countingInvoker struct {
	mu sync.Mutex
	n  int
}

func (c *countingInvoker) Name() string { return "counting" }

func (c *countingInvoker) Invoke(ctx context.Context, p invoke.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingInvoker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func wakeBody(messageID string) map[string]any {
	return map[string]any{
		"message_id": messageID,
		"swarm_id":   "swarm-wake",
		"sender_id":  "peer-master",
	}
}

func TestWakeInvokesOnce(t *testing.T) {
	inv := &countingInvoker{}
	n := newTestNodeOpts(t, nodeOpts{invoker: inv})

	stream, cancel := n.bus.Subscribe()
	defer cancel()

	rec := n.do(http.MethodPost, "/api/wake", wakeBody("msg-1"), wakeHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("wake status = %d, body %s", rec.Code, rec.Body.String())
	}
	var first map[string]string
	n.decode(rec, &first)
	if first["status"] != "invoked" || first["session_id"] == "" {
		t.Fatalf("first wake = %v", first)
	}

	// A second wake while the session is active must not invoke again.
	rec = n.do(http.MethodPost, "/api/wake", wakeBody("msg-2"), wakeHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("second wake status = %d", rec.Code)
	}
	var second map[string]string
	n.decode(rec, &second)
	if second["status"] != "already_active" {
		t.Fatalf("second wake = %v", second)
	}
	if second["session_id"] != first["session_id"] {
		t.Fatalf("session_id changed: %q then %q", first["session_id"], second["session_id"])
	}
	if got := inv.count(); got != 1 {
		t.Fatalf("invoker ran %d times, want 1", got)
	}

	select {
	case evt := <-stream:
		if evt.Type != events.EventWakeInvoked || evt.MessageID != "msg-1" || evt.Detail != "counting" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no wake event published")
	}
}

func TestWakeAfterTimeoutStartsNewSession(t *testing.T) {
	inv := &countingInvoker{}
	n := newTestNodeOpts(t, nodeOpts{invoker: inv})

	rec := n.do(http.MethodPost, "/api/wake", wakeBody("msg-1"), wakeHeaders())
	var first map[string]string
	n.decode(rec, &first)

	n.clk.Advance(n.cfg.SessionTimeout + time.Second)

	rec = n.do(http.MethodPost, "/api/wake", wakeBody("msg-2"), wakeHeaders())
	var second map[string]string
	n.decode(rec, &second)
	if second["status"] != "invoked" {
		t.Fatalf("wake after timeout = %v", second)
	}
	if second["session_id"] == first["session_id"] {
		t.Fatalf("expired session was reused: %q", first["session_id"])
	}
	if got := inv.count(); got != 2 {
		t.Fatalf("invoker ran %d times, want 2", got)
	}
}

func TestWakeSecretRequired(t *testing.T) {
	n := newTestNode(t)

	rec := n.do(http.MethodPost, "/api/wake", wakeBody("msg-1"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no secret: status = %d, want 403", rec.Code)
	}
	if code := n.errorCode(rec); code != CodeNotAuthorized {
		t.Fatalf("code = %q, want %q", code, CodeNotAuthorized)
	}

	rec = n.do(http.MethodPost, "/api/wake", wakeBody("msg-1"), map[string]string{headerWakeSecret: "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: status = %d, want 403", rec.Code)
	}
}

func TestWakeValidation(t *testing.T) {
	n := newTestNode(t)

	for name, body := range map[string]any{
		"not an object":   "hello",
		"missing swarm":   map[string]any{"message_id": "msg-1"},
		"missing message": map[string]any{"swarm_id": "swarm-wake"},
		"bad level": map[string]any{
			"message_id": "msg-1", "swarm_id": "swarm-wake", "notification_level": "shout",
		},
	} {
		rec := n.do(http.MethodPost, "/api/wake", body, wakeHeaders())
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status = %d, want 422", name, rec.Code)
		}
		if code := n.errorCode(rec); code != CodeInvalidFormat {
			t.Fatalf("%s: code = %q, want %q", name, code, CodeInvalidFormat)
		}
	}
}

func TestWakeInvokerFailureResetsSession(t *testing.T) {
	n := newTestNodeOpts(t, nodeOpts{invoker: failingInvoker{}})

	rec := n.do(http.MethodPost, "/api/wake", wakeBody("msg-1"), wakeHeaders())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if code := n.errorCode(rec); code != CodeInternalError {
		t.Fatalf("code = %q, want %q", code, CodeInternalError)
	}

	// The failed session must not block the next wake.
	rec = n.do(http.MethodGet, "/api/session", nil, nil)
	var state map[string]string
	n.decode(rec, &state)
	if state["state"] != "idle" {
		t.Fatalf("session after failed invoke = %v", state)
	}
}

func TestWakeEndpointDisabled(t *testing.T) {
	n := newTestNodeOpts(t, nodeOpts{cfg: func(c *config.Config) {
		c.WakeEndpointEnabled = false
	}})

	rec := n.do(http.MethodPost, "/api/wake", wakeBody("msg-1"), wakeHeaders())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	n := newTestNode(t)

	// Mutations with no live session fold into a normal answer.
	rec := n.do(http.MethodPost, "/api/session/suspend", nil, wakeHeaders())
	var resp map[string]string
	n.decode(rec, &resp)
	if resp["status"] != "no_session" {
		t.Fatalf("suspend while idle = %v", resp)
	}

	rec = n.do(http.MethodPost, "/api/wake", wakeBody("msg-1"), wakeHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("wake status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = n.do(http.MethodPost, "/api/session/activity", map[string]any{
		"messages_processed": 3,
		"context_summary":    "triaging the deploy thread",
	}, wakeHeaders())
	n.decode(rec, &resp)
	if resp["status"] != "updated" {
		t.Fatalf("activity = %v", resp)
	}

	var sess struct {
		SessionID         string `json:"session_id"`
		State             string `json:"state"`
		CurrentSwarm      string `json:"current_swarm"`
		MessagesProcessed int    `json:"messages_processed"`
		ContextSummary    string `json:"context_summary"`
	}
	rec = n.do(http.MethodGet, "/api/session", nil, nil)
	n.decode(rec, &sess)
	if sess.State != "active" || sess.CurrentSwarm != "swarm-wake" || sess.MessagesProcessed != 3 {
		t.Fatalf("session = %+v", sess)
	}

	rec = n.do(http.MethodPost, "/api/session/suspend", map[string]any{
		"context_summary": "waiting on CI",
	}, wakeHeaders())
	n.decode(rec, &resp)
	if resp["status"] != "suspended" {
		t.Fatalf("suspend = %v", resp)
	}
	rec = n.do(http.MethodGet, "/api/session", nil, nil)
	n.decode(rec, &sess)
	if sess.State != "suspended" || sess.ContextSummary != "waiting on CI" {
		t.Fatalf("suspended session = %+v", sess)
	}

	rec = n.do(http.MethodPost, "/api/session/resume", nil, wakeHeaders())
	n.decode(rec, &resp)
	if resp["status"] != "resumed" {
		t.Fatalf("resume = %v", resp)
	}

	rec = n.do(http.MethodPost, "/api/session/end", nil, wakeHeaders())
	n.decode(rec, &resp)
	if resp["status"] != "ended" {
		t.Fatalf("end = %v", resp)
	}
	rec = n.do(http.MethodGet, "/api/session", nil, nil)
	n.decode(rec, &resp)
	if resp["state"] != "idle" {
		t.Fatalf("session after end = %v", resp)
	}

	// Ending twice is a no-op, not an error.
	rec = n.do(http.MethodPost, "/api/session/end", nil, wakeHeaders())
	n.decode(rec, &resp)
	if resp["status"] != "ended" {
		t.Fatalf("second end = %v", resp)
	}
}

func TestSessionMutationsRequireSecret(t *testing.T) {
	n := newTestNode(t)

	rec := n.do(http.MethodPost, "/api/session/end", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := n.errorCode(rec); code != CodeNotAuthorized {
		t.Fatalf("code = %q, want %q", code, CodeNotAuthorized)
	}
}
