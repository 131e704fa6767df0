// Package envelope defines the wire form of a swarm message and its
// validation rules.
package envelope

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
)

// ProtocolVersion is the version agents advertise and accept (same major).
const ProtocolVersion = "0.1.0"

// WireTimeLayout is the wire timestamp format: ISO-8601 UTC, millisecond
// precision, trailing Z.
const WireTimeLayout = "2006-01-02T15:04:05.000Z"

// Message types.
const (
	TypeMessage      = "message"
	TypeSystem       = "system"
	TypeNotification = "notification"
)

// Priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Recipient value addressing every member of the swarm.
const Broadcast = "broadcast"

// Sender identifies the message origin.
type Sender struct {
	AgentID  string `json:"agent_id"`
	Endpoint string `json:"endpoint"`
}

// Reference links a message to an external artifact.
type Reference struct {
	Type   string `json:"type"` // github_repo|github_issue|github_pr|github_commit|url
	Repo   string `json:"repo,omitempty"`
	Number int    `json:"number,omitempty"`
	SHA    string `json:"sha,omitempty"`
	URL    string `json:"url,omitempty"`
	Action string `json:"action,omitempty"` // claimed|completed|blocked|unblocked|assigned|mention|review_requested
}

// Attachment carries inline or linked auxiliary content.
type Attachment struct {
	Type     string `json:"type"` // url|inline
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

// Message is the wire envelope. Timestamp is kept as the exact wire string so
// signing and verification are byte-stable across marshal round trips.
type Message struct {
	ProtocolVersion string         `json:"protocol_version"`
	MessageID       string         `json:"message_id"`
	Timestamp       string         `json:"timestamp"`
	Sender          Sender         `json:"sender"`
	Recipient       string         `json:"recipient"`
	SwarmID         string         `json:"swarm_id"`
	Type            string         `json:"type"`
	Content         string         `json:"content"`
	Signature       string         `json:"signature,omitempty"`
	InReplyTo       string         `json:"in_reply_to,omitempty"`
	ThreadID        string         `json:"thread_id,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	ExpiresAt       string         `json:"expires_at,omitempty"`
	References      []Reference    `json:"references,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// FormatTime renders a time in the wire layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(WireTimeLayout)
}

// ParseTime parses a wire timestamp. Millisecond precision is canonical;
// RFC 3339 with other fractional precision is tolerated on input.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(WireTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Time returns the parsed timestamp.
func (m *Message) Time() (time.Time, error) {
	return ParseTime(m.Timestamp)
}

// EffectivePriority returns the priority, defaulting to normal when the
// optional field was omitted on the wire.
func (m *Message) EffectivePriority() string {
	if m.Priority == "" {
		return PriorityNormal
	}
	return m.Priority
}

// CanonicalPayload returns the byte string covered by the signature.
func (m *Message) CanonicalPayload() []byte {
	return crypto.CanonicalPayload(m.MessageID, m.Timestamp, m.SwarmID, m.Recipient, m.Type, m.Content)
}

// Sign computes and stores the envelope signature.
func (m *Message) Sign(priv ed25519.PrivateKey) error {
	sig, err := crypto.Sign(m.CanonicalPayload(), priv)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifySignature checks the stored signature against the sender's public key.
func (m *Message) VerifySignature(pub ed25519.PublicKey) error {
	return crypto.Verify(m.CanonicalPayload(), m.Signature, pub)
}

// Marshal renders the wire JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses wire JSON into a Message without validating it.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("envelope json: %w", err)
	}
	return &m, nil
}

// NewID returns a fresh UUIDv4 message id.
func NewID() string {
	return uuid.NewString()
}

// SystemContent is the JSON body carried by type="system" envelopes.
type SystemContent struct {
	Type        string `json:"type"` // always "system"
	Action      string `json:"action"`
	SwarmID     string `json:"swarm_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	InitiatedBy string `json:"initiated_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Lifecycle and control actions carried in system message content.
const (
	ActionJoinRequest        = "join_request"
	ActionMemberJoined       = "member_joined"
	ActionMemberLeft         = "member_left"
	ActionMemberKicked       = "member_kicked"
	ActionKicked             = "kicked"
	ActionMemberMuted        = "member_muted"
	ActionMemberUnmuted      = "member_unmuted"
	ActionMasterTransfer     = "master_transfer"
	ActionMasterTransferAck  = "master_transfer_accept"
	ActionMasterTransferNack = "master_transfer_decline"
	ActionMasterChanged      = "master_changed"
	ActionSwarmDissolved     = "swarm_dissolved"
)

// systemActions is the recognized action set for inbound system envelopes.
var systemActions = map[string]bool{
	ActionJoinRequest:        true,
	ActionMemberJoined:       true,
	ActionMemberLeft:         true,
	ActionMemberKicked:       true,
	ActionKicked:             true,
	ActionMemberMuted:        true,
	ActionMemberUnmuted:      true,
	ActionMasterTransfer:     true,
	ActionMasterTransferAck:  true,
	ActionMasterTransferNack: true,
	ActionMasterChanged:      true,
	ActionSwarmDissolved:     true,
}

// ParseSystemContent decodes and checks the content of a system envelope.
func ParseSystemContent(content string) (*SystemContent, error) {
	var sc SystemContent
	if err := json.Unmarshal([]byte(content), &sc); err != nil {
		return nil, fmt.Errorf("system content: %w", err)
	}
	if !systemActions[sc.Action] {
		return nil, fmt.Errorf("system content: unrecognized action %q", sc.Action)
	}
	return &sc, nil
}

// EncodeSystemContent renders a system content body for the wire.
func EncodeSystemContent(sc SystemContent) (string, error) {
	sc.Type = TypeSystem
	data, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("system content: %w", err)
	}
	return string(data), nil
}
