package envelope

import (
	"errors"
	"time"
)

// Builder assembles a Message step by step. Build fails when recipient,
// swarm, or content is missing.
type Builder struct {
	msg Message
	now func() time.Time
}

// NewBuilder starts a builder for the given sender identity.
func NewBuilder(agentID, endpoint string) *Builder {
	return &Builder{
		msg: Message{
			ProtocolVersion: ProtocolVersion,
			Sender:          Sender{AgentID: agentID, Endpoint: endpoint},
			Type:            TypeMessage,
		},
		now: time.Now,
	}
}

// WithClock overrides the timestamp source. Used by tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// To sets the recipient: Broadcast or a single agent id.
func (b *Builder) To(recipient string) *Builder {
	b.msg.Recipient = recipient
	return b
}

// InSwarm sets the swarm the message belongs to.
func (b *Builder) InSwarm(swarmID string) *Builder {
	b.msg.SwarmID = swarmID
	return b
}

// Content sets the message body.
func (b *Builder) Content(content string) *Builder {
	b.msg.Content = content
	return b
}

// AsType overrides the default "message" type.
func (b *Builder) AsType(t string) *Builder {
	b.msg.Type = t
	return b
}

// ReplyingTo links the message to an earlier one.
func (b *Builder) ReplyingTo(messageID string) *Builder {
	b.msg.InReplyTo = messageID
	return b
}

// InThread places the message in a conversation thread.
func (b *Builder) InThread(threadID string) *Builder {
	b.msg.ThreadID = threadID
	return b
}

// WithPriority sets a non-default priority. Normal is omitted on the wire.
func (b *Builder) WithPriority(p string) *Builder {
	if p == PriorityNormal {
		p = ""
	}
	b.msg.Priority = p
	return b
}

// Expires sets an expiry time.
func (b *Builder) Expires(at time.Time) *Builder {
	b.msg.ExpiresAt = FormatTime(at)
	return b
}

// Attach appends an attachment.
func (b *Builder) Attach(a Attachment) *Builder {
	b.msg.Attachments = append(b.msg.Attachments, a)
	return b
}

// Reference appends an external reference.
func (b *Builder) Reference(r Reference) *Builder {
	b.msg.References = append(b.msg.References, r)
	return b
}

// WithMetadata sets one metadata key.
func (b *Builder) WithMetadata(key string, value any) *Builder {
	if b.msg.Metadata == nil {
		b.msg.Metadata = make(map[string]any)
	}
	b.msg.Metadata[key] = value
	return b
}

// Build assigns the message id and timestamp and returns the message.
// The result is unsigned; call Sign before sending.
func (b *Builder) Build() (*Message, error) {
	if b.msg.Recipient == "" {
		return nil, errors.New("build message: recipient is required")
	}
	if b.msg.SwarmID == "" {
		return nil, errors.New("build message: swarm id is required")
	}
	if b.msg.Content == "" {
		return nil, errors.New("build message: content is required")
	}
	m := b.msg
	m.MessageID = NewID()
	m.Timestamp = FormatTime(b.now())
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}
	return &m, nil
}
