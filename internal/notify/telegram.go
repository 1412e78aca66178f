package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Telegram Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat ID. An
// empty apiBase selects DefaultTelegramAPI.
func NewTelegramSender(apiBase, token, chatID string) *TelegramSender {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &TelegramSender{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send calls sendMessage with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	return postJSON(ctx, t.client, url, payload, "telegram")
}

// Name returns "telegram".
func (t *TelegramSender) Name() string { return "telegram" }

func postJSON(ctx context.Context, client *http.Client, url string, payload any, name string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}
