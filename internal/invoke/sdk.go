package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
)

// SDKOptions configure the external agent runtime command line.
type SDKOptions struct {
	Command        string
	Workdir        string
	PermissionMode string
	MaxTurns       int
	Model          string
}

// SDK drives an external agent runtime through its headless CLI. The
// runtime prints a JSON result whose session id is recorded per
// (swarm, peer), so the next wake from the same peer resumes the
// conversation instead of starting cold.
type SDK struct {
	opts     SDKOptions
	sessions SessionStore
	clk      clock.Clock
	log      *logging.Logger
}

// NewSDK creates an sdk invoker.
func NewSDK(opts SDKOptions, sessions SessionStore, clk clock.Clock, log *logging.Logger) *SDK {
	return &SDK{opts: opts, sessions: sessions, clk: clk, log: log.Component("invoke")}
}

// Name returns the method name.
func (s *SDK) Name() string { return "sdk" }

// sdkResult is the JSON object the runtime prints on completion.
type sdkResult struct {
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
}

// Invoke runs the agent runtime to completion and records the resulting
// session id for continuity. Unlike the subprocess method this waits: the
// session id only exists once the runtime finishes.
func (s *SDK) Invoke(ctx context.Context, p Payload) error {
	prompt := fmt.Sprintf(
		"Incoming swarm message from %s (message_id=%s, swarm_id=%s).\nCheck for new messages and process them.",
		p.SenderID, p.MessageID, p.SwarmID)

	args := []string{"-p", prompt, "--output-format", "json"}
	if s.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", s.opts.PermissionMode)
	}
	if s.opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.opts.MaxTurns))
	}
	if s.opts.Model != "" {
		args = append(args, "--model", s.opts.Model)
	}

	resumed := false
	if prev, err := s.sessions.GetSDKSession(ctx, p.SwarmID, p.SenderID); err == nil && prev.SessionID != "" {
		args = append(args, "--resume", prev.SessionID)
		resumed = true
	} else if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		s.log.Warn("runtime session lookup failed, starting fresh", "error", err)
	}

	cmd := exec.CommandContext(ctx, s.opts.Command, args...)
	cmd.Dir = s.opts.Workdir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := strings.TrimSpace(string(exitErr.Stderr))
			if detail == "" {
				detail = exitErr.String()
			}
			return fmt.Errorf("invoke: agent runtime failed: %s", detail)
		}
		return fmt.Errorf("invoke: agent runtime: %w", err)
	}

	var res sdkResult
	if err := json.Unmarshal(out, &res); err != nil {
		return fmt.Errorf("invoke: parse runtime result: %w", err)
	}
	if res.SessionID == "" {
		return errors.New("invoke: runtime result carries no session id")
	}
	if res.IsError {
		s.log.Warn("agent runtime completed with error", "session_id", res.SessionID)
	} else {
		s.log.Info("agent runtime completed", "session_id", res.SessionID, "resumed", resumed)
	}

	err = s.sessions.SaveSDKSession(ctx, store.SDKSession{
		SwarmID:    p.SwarmID,
		PeerID:     p.SenderID,
		SessionID:  res.SessionID,
		LastActive: s.clk.Now(),
	})
	if err != nil {
		return fmt.Errorf("invoke: record runtime session: %w", err)
	}
	return nil
}
