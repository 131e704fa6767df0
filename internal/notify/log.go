package notify

import "context"

// LogNotifier records every event as a structured log line. It is always
// in the chain, so the node log is a complete notification history even
// when no external channel is configured.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs events using structured logging.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the populated event fields at Info level.
func (l *LogNotifier) Send(_ context.Context, event Event) error {
	args := []any{"type", string(event.Type)}
	if event.SwarmID != "" {
		args = append(args, "swarm", event.SwarmID)
	}
	if event.AgentID != "" {
		args = append(args, "agent", event.AgentID)
	}
	if event.MessageID != "" {
		args = append(args, "message_id", event.MessageID)
	}
	if event.Detail != "" {
		args = append(args, "detail", event.Detail)
	}
	l.log.Info("swarm event", args...)
	return nil
}
