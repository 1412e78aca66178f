package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for a webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert as webhook content. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	}
	return postJSON(ctx, d.client, d.webhookURL, payload, "discord")
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
