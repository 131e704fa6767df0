package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
)

// Webhook POSTs the wake payload as JSON to an external trigger URL.
type Webhook struct {
	url    string
	client *http.Client
	log    *logging.Logger
}

// NewWebhook creates a webhook invoker.
func NewWebhook(url string, log *logging.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.Component("invoke"),
	}
}

// Name returns the method name.
func (w *Webhook) Name() string { return "webhook" }

// Invoke posts the payload. Any status of 400 or above is an error.
func (w *Webhook) Invoke(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("invoke: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invoke: create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke: send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("invoke: webhook %s returned %d", w.url, resp.StatusCode)
	}
	w.log.Info("agent webhook triggered", "url", w.url, "message_id", p.MessageID)
	return nil
}
