package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink is a Sink that POSTs the reminder payload to a per-deployment
// webhook URL. It is the one concrete Sink this repository ships; other
// transports (email, SMS) are external collaborators per spec §1.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSink builds a WebhookSink posting to url with a 5s per-attempt
// timeout matching spec §5's sink-delivery budget.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookPayload struct {
	UserID string       `json:"user_id"`
	Task   TaskSnapshot `json:"task"`
}

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, userID string, task TaskSnapshot) error {
	body, err := json.Marshal(webhookPayload{UserID: userID, Task: task})
	if err != nil {
		return fmt.Errorf("webhook sink: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook sink: post to %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: %s returned status %d", s.url, resp.StatusCode)
	}
	return nil
}
