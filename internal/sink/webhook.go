package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"reminder-engine/internal/dispatch"
)

// Webhook POSTs each notification as JSON to a configured endpoint.
// Transport failures and 5xx responses are transient; any other non-2xx
// response is permanent.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{}}
}

type webhookPayload struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

func (s *Webhook) Send(ctx context.Context, recipient, message string) error {
	body, err := json.Marshal(webhookPayload{Recipient: recipient, Message: message})
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("failed to encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return dispatch.Transient(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return dispatch.Transient(fmt.Errorf("webhook returned %s", resp.Status))
	default:
		return dispatch.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
	}
}
