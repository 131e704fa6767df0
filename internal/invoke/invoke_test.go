package invoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/config"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
)

var testPayload = Payload{
	MessageID:         "0195e106-2f4b-7000-8000-abcdef012345",
	SwarmID:           "swarm-1",
	SenderID:          "agent-remote",
	NotificationLevel: "high",
}

func testLog() *logging.Logger { return logging.New("error", "text") }

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// waitForFile polls until the subprocess output file has content.
func waitForFile(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
			return string(b)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output file %s never appeared", path)
	return ""
}

func TestNoopInvoke(t *testing.T) {
	n := NewNoop(testLog())
	if err := n.Invoke(context.Background(), testPayload); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if n.Name() != "noop" {
		t.Fatalf("Name() = %q, want noop", n.Name())
	}
}

func TestExpandQuotesPayload(t *testing.T) {
	p := Payload{
		MessageID:         "msg-1",
		SwarmID:           "swarm-1",
		SenderID:          "it's-a-me",
		NotificationLevel: "normal",
	}
	got := expand("notify {sender_id} about {message_id}", p)
	want := `notify 'it'"'"'s-a-me' about 'msg-1'`
	if got != want {
		t.Fatalf("expand() = %q, want %q", got, want)
	}
}

func TestSubprocessInvoke(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	s := NewSubprocess("printf '%s %s %s %s' {message_id} {swarm_id} {sender_id} {notification_level} > "+out, testLog())
	if err := s.Invoke(context.Background(), testPayload); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	got := waitForFile(t, out)
	want := testPayload.MessageID + " swarm-1 agent-remote high"
	if got != want {
		t.Fatalf("subprocess wrote %q, want %q", got, want)
	}
}

func TestTmuxInvoke(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeScript(t, dir, "tmux", `printf '%s\n' "$@" > `+argsFile+"\n")

	tm := NewTmux("main:0.1", testLog())
	tm.bin = stub
	if err := tm.Invoke(context.Background(), testPayload); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	args := waitForFile(t, argsFile)
	if !strings.Contains(args, "send-keys") || !strings.Contains(args, "main:0.1") {
		t.Fatalf("tmux args = %q, want send-keys with target", args)
	}
	if !strings.Contains(args, "Wake: new message from agent-remote. Read and process.") {
		t.Fatalf("tmux args = %q, want notification line", args)
	}
	if !strings.Contains(args, "C-m") {
		t.Fatalf("tmux args = %q, want trailing C-m", args)
	}
}

func TestTmuxInvokeFailure(t *testing.T) {
	dir := t.TempDir()
	stub := writeScript(t, dir, "tmux", "echo 'no server running' >&2\nexit 1\n")

	tm := NewTmux("main:0", testLog())
	tm.bin = stub
	err := tm.Invoke(context.Background(), testPayload)
	if err == nil {
		t.Fatal("Invoke() accepted a failing send-keys")
	}
	if !strings.Contains(err.Error(), "no server running") {
		t.Fatalf("error = %v, want stderr detail", err)
	}
}

func TestWebhookInvoke(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, testLog())
	if err := wh.Invoke(context.Background(), testPayload); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != testPayload {
		t.Fatalf("webhook received %+v, want %+v", got, testPayload)
	}
}

func TestWebhookInvokeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, testLog())
	if err := wh.Invoke(context.Background(), testPayload); err == nil {
		t.Fatal("Invoke() accepted a 400 response")
	}
}

type fakeSessions struct {
	existing *store.SDKSession
	saved    []store.SDKSession
}

func (f *fakeSessions) GetSDKSession(ctx context.Context, swarmID, peerID string) (*store.SDKSession, error) {
	if f.existing == nil {
		return nil, store.ErrSessionNotFound
	}
	return f.existing, nil
}

func (f *fakeSessions) SaveSDKSession(ctx context.Context, sess store.SDKSession) error {
	f.saved = append(f.saved, sess)
	return nil
}

func TestSDKInvokeRecordsSession(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	runtime := writeScript(t, dir, "agent",
		`printf '%s\n' "$@" > `+argsFile+"\n"+
			`echo '{"session_id":"sess-42","is_error":false}'`+"\n")

	sessions := &fakeSessions{}
	sdk := NewSDK(SDKOptions{
		Command:        runtime,
		Workdir:        dir,
		PermissionMode: "acceptEdits",
		MaxTurns:       10,
	}, sessions, clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), testLog())

	if err := sdk.Invoke(context.Background(), testPayload); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(sessions.saved) != 1 {
		t.Fatalf("got %d saved sessions, want 1", len(sessions.saved))
	}
	saved := sessions.saved[0]
	if saved.SessionID != "sess-42" || saved.SwarmID != "swarm-1" || saved.PeerID != "agent-remote" {
		t.Fatalf("saved session = %+v", saved)
	}

	args := waitForFile(t, argsFile)
	for _, want := range []string{"--output-format", "json", "--permission-mode", "acceptEdits", "--max-turns", "10"} {
		if !strings.Contains(args, want) {
			t.Fatalf("runtime args = %q, missing %q", args, want)
		}
	}
	if strings.Contains(args, "--resume") {
		t.Fatalf("runtime args = %q, fresh invocation must not resume", args)
	}
	if !strings.Contains(args, testPayload.MessageID) {
		t.Fatalf("runtime args = %q, prompt must carry the message id", args)
	}
}

func TestSDKInvokeResumes(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	runtime := writeScript(t, dir, "agent",
		`printf '%s\n' "$@" > `+argsFile+"\n"+
			`echo '{"session_id":"sess-43","is_error":false}'`+"\n")

	sessions := &fakeSessions{existing: &store.SDKSession{
		SwarmID:   "swarm-1",
		PeerID:    "agent-remote",
		SessionID: "sess-42",
	}}
	sdk := NewSDK(SDKOptions{Command: runtime, Workdir: dir},
		sessions, clock.NewFake(time.Now()), testLog())

	if err := sdk.Invoke(context.Background(), testPayload); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	args := waitForFile(t, argsFile)
	if !strings.Contains(args, "--resume") || !strings.Contains(args, "sess-42") {
		t.Fatalf("runtime args = %q, want --resume sess-42", args)
	}
	if sessions.saved[0].SessionID != "sess-43" {
		t.Fatalf("recorded session = %q, want the new id sess-43", sessions.saved[0].SessionID)
	}
}

func TestSDKInvokeRuntimeFailure(t *testing.T) {
	dir := t.TempDir()
	runtime := writeScript(t, dir, "agent", "echo 'model overloaded' >&2\nexit 3\n")

	sdk := NewSDK(SDKOptions{Command: runtime, Workdir: dir},
		&fakeSessions{}, clock.NewFake(time.Now()), testLog())
	err := sdk.Invoke(context.Background(), testPayload)
	if err == nil {
		t.Fatal("Invoke() accepted a failing runtime")
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("error = %v, want stderr detail", err)
	}
}

func TestSDKInvokeRejectsGarbageOutput(t *testing.T) {
	dir := t.TempDir()
	runtime := writeScript(t, dir, "agent", "echo 'not json at all'\n")

	sdk := NewSDK(SDKOptions{Command: runtime, Workdir: dir},
		&fakeSessions{}, clock.NewFake(time.Now()), testLog())
	if err := sdk.Invoke(context.Background(), testPayload); err == nil {
		t.Fatal("Invoke() accepted a malformed runtime result")
	}
}

func TestNewSelectsConfiguredMethod(t *testing.T) {
	tests := []struct {
		method string
		cfg    config.Config
		want   string
	}{
		{config.InvokerNoop, config.Config{InvokerMethod: config.InvokerNoop}, "noop"},
		{config.InvokerTmux, config.Config{InvokerMethod: config.InvokerTmux, TmuxTarget: "main:0"}, "tmux"},
		{config.InvokerSubprocess, config.Config{InvokerMethod: config.InvokerSubprocess, SubprocessCommand: "true"}, "subprocess"},
		{config.InvokerWebhook, config.Config{InvokerMethod: config.InvokerWebhook, InvokerWebhookURL: "http://localhost:1/x"}, "webhook"},
		{config.InvokerSDK, config.Config{InvokerMethod: config.InvokerSDK, SDKCommand: "agent"}, "sdk"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			inv, err := New(&tt.cfg, &fakeSessions{}, testLog())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if inv.Name() != tt.want {
				t.Fatalf("Name() = %q, want %q", inv.Name(), tt.want)
			}
		})
	}

	if _, err := New(&config.Config{InvokerMethod: "telepathy"}, &fakeSessions{}, testLog()); err == nil {
		t.Fatal("New() accepted an unknown method")
	}
}
