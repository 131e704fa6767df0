package envelope

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is the base error for envelope validation failures.
var ErrInvalid = errors.New("invalid envelope")

// MaxSkew is how far an envelope timestamp may drift from the receiver clock.
const MaxSkew = 5 * time.Minute

// invalidf wraps ErrInvalid naming the first failed rule.
func invalidf(rule, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, rule, fmt.Sprintf(format, args...))
}

// Validate applies the inbound validation rules in order and returns the
// first failure. No rule has side effects.
func (m *Message) Validate(now time.Time) error {
	// 1. Protocol version: same major as ours.
	if m.ProtocolVersion == "" {
		return invalidf("protocol_version", "missing")
	}
	if major(m.ProtocolVersion) != major(ProtocolVersion) {
		return invalidf("protocol_version", "unsupported version %q", m.ProtocolVersion)
	}

	// 2. Required fields present.
	switch {
	case m.MessageID == "":
		return invalidf("required", "message_id is empty")
	case m.Timestamp == "":
		return invalidf("required", "timestamp is empty")
	case m.SwarmID == "":
		return invalidf("required", "swarm_id is empty")
	case m.Recipient == "":
		return invalidf("required", "recipient is empty")
	case m.Type == "":
		return invalidf("required", "type is empty")
	case m.Content == "":
		return invalidf("required", "content is empty")
	}

	// 3. Identifiers parse as UUID.
	if _, err := uuid.Parse(m.MessageID); err != nil {
		return invalidf("message_id", "not a UUID: %q", m.MessageID)
	}
	if _, err := uuid.Parse(m.SwarmID); err != nil {
		return invalidf("swarm_id", "not a UUID: %q", m.SwarmID)
	}

	// 4. Timestamp parses and is within skew tolerance.
	ts, err := m.Time()
	if err != nil {
		return invalidf("timestamp", "unparseable: %q", m.Timestamp)
	}
	if d := now.Sub(ts); d > MaxSkew || d < -MaxSkew {
		return invalidf("timestamp", "outside skew tolerance: %s", m.Timestamp)
	}

	// 5. Type is known; system content carries a recognized action.
	switch m.Type {
	case TypeMessage, TypeNotification:
	case TypeSystem:
		if _, err := ParseSystemContent(m.Content); err != nil {
			return invalidf("content", "%v", err)
		}
	default:
		return invalidf("type", "unknown type %q", m.Type)
	}

	// 6. Sender identity well formed.
	if m.Sender.AgentID == "" {
		return invalidf("sender", "agent_id is empty")
	}
	if err := validHTTPSURL(m.Sender.Endpoint); err != nil {
		return invalidf("sender", "endpoint: %v", err)
	}

	// 7. Recipient is broadcast or a plausible agent id.
	if m.Recipient != Broadcast && !validAgentID(m.Recipient) {
		return invalidf("recipient", "malformed agent id %q", m.Recipient)
	}

	if m.Priority != "" {
		switch m.Priority {
		case PriorityLow, PriorityNormal, PriorityHigh:
		default:
			return invalidf("priority", "unknown priority %q", m.Priority)
		}
	}

	return nil
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i > 0 {
		return version[:i]
	}
	return version
}

func validHTTPSURL(s string) error {
	if s == "" {
		return errors.New("empty")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("unparseable: %q", s)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must be https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validAgentID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}
