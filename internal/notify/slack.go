package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack sends notifications to a Slack incoming webhook as a coloured
// attachment with swarm and agent fields.
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack creates a Slack notifier for the given webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (s *Slack) Name() string { return "slack" }

// Send posts the event to the Slack webhook.
func (s *Slack) Send(ctx context.Context, event Event) error {
	att := slackAttachment{
		Color:  slackColor(eventSeverity(event.Type)),
		Title:  eventTitle(event.Type),
		Text:   event.Detail,
		Footer: "swarmnode",
		Ts:     event.Timestamp.Unix(),
	}
	if event.SwarmID != "" {
		att.Fields = append(att.Fields, slackField{Title: "Swarm", Value: event.SwarmID, Short: true})
	}
	if event.AgentID != "" {
		att.Fields = append(att.Fields, slackField{Title: "Agent", Value: event.AgentID, Short: true})
	}
	if event.MessageID != "" {
		att.Fields = append(att.Fields, slackField{Title: "Message", Value: event.MessageID})
	}

	body, err := json.Marshal(slackPayload{Attachments: []slackAttachment{att}})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned %s", resp.Status)
	}
	return nil
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}
