package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// WebhookConfig configures a generic JSON webhook.
type WebhookConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Webhook posts the notification as JSON.
type Webhook struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook channel.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is empty")
	}
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}
	return &Webhook{name: name, url: cfg.URL, headers: cfg.Headers, client: httpClient(cfg.Timeout)}, nil
}

// Name implements Channel.
func (w *Webhook) Name() string { return w.name }

// Send implements Channel.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	return postJSON(ctx, w.client, w.url, w.headers, n)
}
