package wake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
)

// Decision is the outcome of evaluating a message against the wake
// preferences.
type Decision string

const (
	// DecisionWake activates the agent for the message.
	DecisionWake Decision = "wake"
	// DecisionQueue leaves the message unread for the next session.
	DecisionQueue Decision = "queue"
	// DecisionSkip drops the message from wake consideration entirely.
	DecisionSkip Decision = "skip"
)

var levelRank = map[string]int{LevelLow: 0, LevelNormal: 1, LevelHigh: 2}

func maxLevel(a, b string) string {
	if levelRank[b] > levelRank[a] {
		return b
	}
	return a
}

// TriggerConfig wires a Trigger.
type TriggerConfig struct {
	Preferences Preferences
	SelfID      string
	Endpoint    string
	Secret      string
	Timeout     time.Duration
	Clock       clock.Clock
	Log         *logging.Logger
}

// Trigger evaluates stored messages against the wake preferences and, on a
// wake decision, POSTs an activation request to the local wake endpoint.
type Trigger struct {
	prefs    Preferences
	selfID   string
	endpoint string
	secret   string
	client   *http.Client
	clk      clock.Clock
	log      *logging.Logger
}

// NewTrigger builds a Trigger. A zero timeout defaults to five seconds.
func NewTrigger(cfg TriggerConfig) *Trigger {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Trigger{
		prefs:    cfg.Preferences,
		selfID:   cfg.SelfID,
		endpoint: cfg.Endpoint,
		secret:   cfg.Secret,
		client:   &http.Client{Timeout: timeout},
		clk:      clk,
		log:      cfg.Log.Component("wake"),
	}
}

// Evaluate applies the wake rules in order: disabled and muted swarms skip,
// quiet hours queue everything below high priority, then any matching
// condition wakes. Messages matching nothing are queued. The returned level
// is the strongest granted by a matching condition.
func (t *Trigger) Evaluate(m *envelope.Message, now time.Time) (Decision, string) {
	if !t.prefs.Enabled {
		return DecisionSkip, LevelLow
	}
	for _, sw := range t.prefs.MutedSwarms {
		if sw == m.SwarmID {
			return DecisionSkip, LevelLow
		}
	}
	if t.prefs.QuietHours.covers(now.UTC().Hour()) && m.EffectivePriority() != envelope.PriorityHigh {
		return DecisionQueue, LevelLow
	}

	matched := false
	level := LevelLow
	for _, c := range t.prefs.WakeConditions {
		switch c {
		case CondAnyMessage:
			matched = true
			level = maxLevel(level, t.prefs.DefaultLevel)
		case CondDirectMention:
			if m.Recipient == t.selfID {
				matched = true
				level = LevelHigh
			}
		case CondHighPriority:
			if m.EffectivePriority() == envelope.PriorityHigh {
				matched = true
				level = LevelHigh
			}
		case CondFromSpecificAgent:
			for _, a := range t.prefs.WatchedAgents {
				if a == m.Sender.AgentID {
					matched = true
					level = LevelHigh
				}
			}
		case CondKeywordMatch:
			if t.prefs.matchesKeyword(m.Content) {
				matched = true
				level = LevelHigh
			}
		case CondSwarmSystem:
			if m.Type == envelope.TypeSystem {
				matched = true
				level = LevelHigh
			}
		}
	}
	if !matched {
		return DecisionQueue, LevelLow
	}
	return DecisionWake, level
}

// wakeRequest is the activation payload POSTed to the wake endpoint.
type wakeRequest struct {
	MessageID         string `json:"message_id"`
	SwarmID           string `json:"swarm_id"`
	SenderID          string `json:"sender_id"`
	NotificationLevel string `json:"notification_level"`
}

// Post sends the activation request for a message. The caller decides what
// to do with the error; delivery handling never propagates it.
func (t *Trigger) Post(ctx context.Context, m *envelope.Message, level string) error {
	body, err := json.Marshal(wakeRequest{
		MessageID:         m.MessageID,
		SwarmID:           m.SwarmID,
		SenderID:          m.Sender.AgentID,
		NotificationLevel: level,
	})
	if err != nil {
		return fmt.Errorf("wake: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wake: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.secret != "" {
		req.Header.Set("X-Wake-Secret", t.secret)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("wake: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("wake: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Process evaluates a message and carries out the wake POST when the
// decision calls for it. POST failures are logged, never returned; the
// message is already stored and a failed activation must not fail receipt.
func (t *Trigger) Process(ctx context.Context, m *envelope.Message) Decision {
	decision, level := t.Evaluate(m, t.clk.Now())
	if decision == DecisionWake && t.endpoint == "" {
		t.log.Debug("wake endpoint not configured, queueing", "message_id", m.MessageID)
		decision = DecisionQueue
	}
	metrics.WakeDecisions.WithLabelValues(string(decision)).Inc()
	switch decision {
	case DecisionWake:
		if err := t.Post(ctx, m, level); err != nil {
			t.log.Warn("wake activation failed", "message_id", m.MessageID, "error", err)
		} else {
			t.log.Info("agent woken", "message_id", m.MessageID, "swarm_id", m.SwarmID, "level", level)
		}
	case DecisionSkip:
		t.log.Debug("message skipped by wake preferences", "message_id", m.MessageID, "swarm_id", m.SwarmID)
	default:
		t.log.Debug("message queued", "message_id", m.MessageID, "swarm_id", m.SwarmID)
	}
	return decision
}
