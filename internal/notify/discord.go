package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Discord sends notifications to a Discord webhook as a single embed,
// coloured by event severity.
type Discord struct {
	webhookURL string
	client     *http.Client
}

// NewDiscord creates a Discord notifier for the given webhook URL.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (d *Discord) Name() string { return "discord" }

// Send posts the event to the Discord webhook.
func (d *Discord) Send(ctx context.Context, event Event) error {
	embed := discordEmbed{
		Title:       eventTitle(event.Type),
		Description: event.Detail,
		Color:       discordColor(eventSeverity(event.Type)),
		Timestamp:   event.Timestamp.UTC().Format(time.RFC3339),
	}
	if event.SwarmID != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Swarm", Value: event.SwarmID, Inline: true})
	}
	if event.AgentID != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Agent", Value: event.AgentID, Inline: true})
	}
	if event.MessageID != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Message", Value: event.MessageID})
	}

	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned %s", resp.Status)
	}
	return nil
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}
