package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIURL   string
	Timeout  time.Duration
}

// Telegram sends a Markdown message through the Bot API.
type Telegram struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegram creates a Telegram channel.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &Telegram{
		endpoint: base + "/bot" + cfg.BotToken + "/sendMessage",
		chatID:   cfg.ChatID,
		client:   httpClient(cfg.Timeout),
	}, nil
}

// Name implements Channel.
func (t *Telegram) Name() string { return "telegram" }

// Send implements Channel.
func (t *Telegram) Send(ctx context.Context, n Notification) error {
	var b strings.Builder
	b.WriteString("🚨 *CRITICAL SECURITY ALERT*\n\n")
	fmt.Fprintf(&b, "*Contract:* `%s`\n", n.SubjectID)
	fmt.Fprintf(&b, "*Risk Score:* %d/100\n", n.RiskScore)
	fmt.Fprintf(&b, "*Action:* %s\n", n.Action)
	fmt.Fprintf(&b, "*Reason:* %s\n", n.Reason)
	if n.ActionHandle != "" {
		fmt.Fprintf(&b, "*Transaction:* `%s`\n", n.ActionHandle)
	}
	fmt.Fprintf(&b, "\n_%s_", n.Timestamp.UTC().Format(time.RFC3339))

	return postJSON(ctx, t.client, t.endpoint, nil, map[string]string{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
}
