package invoke

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
)

// Subprocess launches a command built from a template. The placeholders
// {message_id} {swarm_id} {sender_id} {notification_level} are replaced
// with payload values and the command runs through the shell.
type Subprocess struct {
	template string
	log      *logging.Logger
}

// NewSubprocess creates a subprocess invoker from a command template.
func NewSubprocess(template string, log *logging.Logger) *Subprocess {
	return &Subprocess{template: template, log: log.Component("invoke")}
}

// Name returns the method name.
func (s *Subprocess) Name() string { return "subprocess" }

// Invoke starts the expanded command and does not wait for it: the agent
// may run for minutes and must outlive the wake request that spawned it,
// so the command does not take ctx.
func (s *Subprocess) Invoke(ctx context.Context, p Payload) error {
	cmdline := expand(s.template, p)
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("invoke: start subprocess: %w", err)
	}
	s.log.Info("agent subprocess started", "pid", cmd.Process.Pid, "message_id", p.MessageID)
	go cmd.Wait() // reap on exit
	return nil
}

// expand substitutes payload placeholders in a command template. Payload
// fields originate from the wire, so they are shell-quoted.
func expand(template string, p Payload) string {
	r := strings.NewReplacer(
		"{message_id}", shQuote(p.MessageID),
		"{swarm_id}", shQuote(p.SwarmID),
		"{sender_id}", shQuote(p.SenderID),
		"{notification_level}", shQuote(p.NotificationLevel),
	)
	return r.Replace(template)
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
