package notify

import (
	"strings"

	"github.com/finml-sage/agent-swarm-protocol/internal/events"
)

// eventTitle maps a node event type to a short human-readable headline.
func eventTitle(t events.EventType) string {
	switch t {
	case events.EventSwarmCreated:
		return "Swarm created"
	case events.EventSwarmJoined:
		return "Joined swarm"
	case events.EventSwarmLeft:
		return "Left swarm"
	case events.EventSwarmDissolved:
		return "Swarm dissolved"
	case events.EventMemberJoined:
		return "Member joined"
	case events.EventMemberLeft:
		return "Member left"
	case events.EventMemberKicked:
		return "Member removed"
	case events.EventMasterChanged:
		return "Master changed"
	case events.EventJoinPending:
		return "Join awaiting approval"
	case events.EventMessageReceived:
		return "Message received"
	case events.EventMessageSent:
		return "Message sent"
	case events.EventDeliveryFailed:
		return "Delivery failed"
	case events.EventWakeInvoked:
		return "Agent woken"
	case events.EventWakeQueued:
		return "Wake queued"
	default:
		title := strings.ReplaceAll(string(t), "_", " ")
		if title == "" {
			return "Swarm event"
		}
		return strings.ToUpper(title[:1]) + title[1:]
	}
}

// severity buckets event types for channel colouring.
type severity int

const (
	sevInfo severity = iota
	sevGood
	sevWarn
	sevBad
)

func eventSeverity(t events.EventType) severity {
	switch t {
	case events.EventSwarmCreated, events.EventSwarmJoined,
		events.EventMemberJoined, events.EventWakeInvoked:
		return sevGood
	case events.EventMemberKicked, events.EventSwarmDissolved,
		events.EventJoinPending:
		return sevWarn
	case events.EventDeliveryFailed:
		return sevBad
	default:
		return sevInfo
	}
}

// discordColor returns the embed accent colour for a severity as a
// decimal RGB value.
func discordColor(s severity) int {
	switch s {
	case sevGood:
		return 0x2ecc71
	case sevWarn:
		return 0xe67e22
	case sevBad:
		return 0xe74c3c
	default:
		return 0x3498db
	}
}

// slackColor returns the attachment colour keyword for a severity.
func slackColor(s severity) string {
	switch s {
	case sevGood:
		return "good"
	case sevWarn:
		return "warning"
	case sevBad:
		return "danger"
	default:
		return "#3498db"
	}
}
