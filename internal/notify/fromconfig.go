package notify

import (
	"strings"

	"github.com/finml-sage/agent-swarm-protocol/internal/config"
)

// FromConfig builds the notifier chain from the node configuration. The
// log notifier is always present; webhook, Slack, Discord and MQTT
// channels join when their target is configured. A non-empty event filter
// applies to every external channel but never to the log record.
func FromConfig(cfg *config.Config, log Logger) *Multi {
	notifiers := []Notifier{NewLogNotifier(log)}

	var filter []string
	if cfg.NotifyEvents != "" {
		for _, t := range strings.Split(cfg.NotifyEvents, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter = append(filter, t)
			}
		}
	}
	add := func(n Notifier) {
		notifiers = append(notifiers, filterEvents(n, filter))
	}

	if cfg.NotifyWebhookURL != "" {
		add(NewWebhook(cfg.NotifyWebhookURL, ParseHeaders(cfg.NotifyWebhookHeaders)))
	}
	if cfg.NotifySlackURL != "" {
		add(NewSlack(cfg.NotifySlackURL))
	}
	if cfg.NotifyDiscordURL != "" {
		add(NewDiscord(cfg.NotifyDiscordURL))
	}
	if cfg.NotifyMQTTBroker != "" {
		add(NewMQTT(cfg.NotifyMQTTBroker, cfg.NotifyMQTTTopic, cfg.NotifyMQTTClientID,
			cfg.NotifyMQTTUsername, cfg.NotifyMQTTPassword, cfg.NotifyMQTTQoS))
	}
	return NewMulti(log, notifiers...)
}
