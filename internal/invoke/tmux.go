package invoke

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
)

// Tmux types a one-line notification into a terminal multiplexer pane via
// send-keys. Whatever runs in that pane receives it as keyboard input.
type Tmux struct {
	target string
	bin    string
	log    *logging.Logger
}

// NewTmux creates a tmux invoker for a session:window.pane target.
func NewTmux(target string, log *logging.Logger) *Tmux {
	return &Tmux{target: target, bin: "tmux", log: log.Component("invoke")}
}

// Name returns the method name.
func (t *Tmux) Name() string { return "tmux" }

// Invoke sends the notification line followed by a carriage return and
// waits for send-keys to finish.
func (t *Tmux) Invoke(ctx context.Context, p Payload) error {
	line := fmt.Sprintf("Wake: new message from %s. Read and process.", p.SenderID)
	cmd := exec.CommandContext(ctx, t.bin, "send-keys", "-t", t.target, line, "C-m")
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("invoke: tmux send-keys to %s: %s: %w", t.target, msg, err)
	}
	t.log.Info("tmux notification sent", "target", t.target, "message_id", p.MessageID)
	return nil
}
