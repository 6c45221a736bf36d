package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const discordCritical = 0xff0000

// Discord posts an embed to a Discord webhook.
type Discord struct {
	url    string
	client *http.Client
}

// NewDiscord creates a Discord channel.
func NewDiscord(webhookURL string, timeout time.Duration) (*Discord, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("discord webhook URL is empty")
	}
	return &Discord{url: webhookURL, client: httpClient(timeout)}, nil
}

// Name implements Channel.
func (d *Discord) Name() string { return "discord" }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Timestamp string         `json:"timestamp"`
	Footer    struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// Send implements Channel.
func (d *Discord) Send(ctx context.Context, n Notification) error {
	embed := discordEmbed{
		Title: "🚨 CRITICAL SECURITY ALERT",
		Color: discordCritical,
		Fields: []discordField{
			{Name: "Contract", Value: n.SubjectID},
			{Name: "Risk Score", Value: strconv.Itoa(n.RiskScore) + "/100", Inline: true},
			{Name: "Action", Value: n.Action, Inline: true},
			{Name: "Reason", Value: n.Reason},
		},
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
	}
	if n.ActionHandle != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Transaction", Value: n.ActionHandle})
	}
	embed.Footer.Text = "CodeGuard AI Security Agent"
	return postJSON(ctx, d.client, d.url, nil, map[string]any{"embeds": []discordEmbed{embed}})
}
