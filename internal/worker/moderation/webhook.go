package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookNotifier posts moderation notifications to external webhooks
// (Discord-style {"content": ...} payloads). Deliveries are
// best-effort and asynchronous so the stanza loop never blocks on a
// slow webhook endpoint.
type WebhookNotifier struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a notifier capped at roughly one delivery
// per second across all webhooks.
func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Notify posts content to webhookURL in the background. Failures are
// logged and dropped.
func (n *WebhookNotifier) Notify(webhookURL, content string) {
	if !n.limiter.Allow() {
		slog.Debug("webhook notification dropped by rate limit", "url", webhookURL)
		return
	}
	go n.deliver(webhookURL, content)
}

func (n *WebhookNotifier) deliver(webhookURL, content string) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook request build failed", "url", webhookURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "url", webhookURL, "error", err)
		return
	}
	drain(resp)
	if resp.StatusCode >= 300 {
		slog.Warn("webhook rejected notification", "url", webhookURL, "status", resp.StatusCode)
	}
}
