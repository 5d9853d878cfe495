package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trading-alerts/internal/model"
)

// WebhookNotifier POSTs each alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

type webhookPayload struct {
	Level  Level              `json:"level"`
	Title  string             `json:"title"`
	Body   string             `json:"body"`
	Alert  *model.Alert       `json:"alert"`
	Intent *model.OrderIntent `json:"intent,omitempty"`
	SentAt time.Time          `json:"sent_at"`
}

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Level: msg.Level, Title: msg.Title, Body: msg.Body,
		Alert: msg.Alert, Intent: msg.Intent, SentAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
