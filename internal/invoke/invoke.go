// Package invoke activates the agent runtime in response to a wake
// request. Five strategies cover the deployment spectrum from a typed
// tmux notification to a full runtime session; a node runs exactly one
// per process, chosen at configuration time.
package invoke

import (
	"context"
	"fmt"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/config"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
)

// Payload carries the wake metadata handed to the agent runtime.
type Payload struct {
	MessageID         string `json:"message_id"`
	SwarmID           string `json:"swarm_id"`
	SenderID          string `json:"sender_id"`
	NotificationLevel string `json:"notification_level"`
}

// Invoker starts or notifies the agent runtime.
type Invoker interface {
	// Name identifies the method for logging and metrics.
	Name() string
	// Invoke activates the agent for the given wake payload.
	Invoke(ctx context.Context, p Payload) error
}

// SessionStore records runtime session ids so successive wakes from the
// same peer resume one conversation.
type SessionStore interface {
	GetSDKSession(ctx context.Context, swarmID, peerID string) (*store.SDKSession, error)
	SaveSDKSession(ctx context.Context, sess store.SDKSession) error
}

// New builds the invoker selected by the configuration. Required targets
// are validated by config before this runs; an unknown method here means
// config and invoke disagree on the method set.
func New(cfg *config.Config, sessions SessionStore, log *logging.Logger) (Invoker, error) {
	switch cfg.InvokerMethod {
	case config.InvokerNoop:
		return NewNoop(log), nil
	case config.InvokerTmux:
		return NewTmux(cfg.TmuxTarget, log), nil
	case config.InvokerSubprocess:
		return NewSubprocess(cfg.SubprocessCommand, log), nil
	case config.InvokerWebhook:
		return NewWebhook(cfg.InvokerWebhookURL, log), nil
	case config.InvokerSDK:
		return NewSDK(SDKOptions{
			Command:        cfg.SDKCommand,
			Workdir:        cfg.SDKWorkdir,
			PermissionMode: cfg.SDKPermissionMode,
			MaxTurns:       cfg.SDKMaxTurns,
			Model:          cfg.SDKModel,
		}, sessions, clock.Real{}, log), nil
	default:
		return nil, fmt.Errorf("invoke: unknown method %q", cfg.InvokerMethod)
	}
}

// Noop records the invocation and succeeds. Used for dry runs and tests.
type Noop struct {
	log *logging.Logger
}

// NewNoop creates the no-op invoker.
func NewNoop(log *logging.Logger) *Noop {
	return &Noop{log: log.Component("invoke")}
}

// Name returns the method name.
func (n *Noop) Name() string { return "noop" }

// Invoke logs the payload and does nothing else.
func (n *Noop) Invoke(ctx context.Context, p Payload) error {
	n.log.Info("noop invoker: recording invocation",
		"message_id", p.MessageID, "swarm_id", p.SwarmID, "sender", p.SenderID)
	return nil
}
