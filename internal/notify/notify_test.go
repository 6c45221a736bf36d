package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codeguard/pkg/models"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
}

func (c *capture) handler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	})
}

func sample() Notification {
	return Notification{
		SubjectID: "0x00000000000000000000000000000000000000aa",
		RiskScore: 95,
		Severity:  models.SeverityCritical,
		Reason:    "Reentrancy",
		Action:    models.ActionPaused,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDiscordEmbed(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusNoContent))
	defer srv.Close()

	d, _ := NewDiscord(srv.URL, 0)
	if err := d.Send(context.Background(), sample()); err != nil {
		t.Fatalf("send: %v", err)
	}
	embeds := c.bodies[0]["embeds"].([]any)
	embed := embeds[0].(map[string]any)
	if embed["title"] != "🚨 CRITICAL SECURITY ALERT" || embed["color"].(float64) != 0xff0000 {
		t.Fatalf("unexpected embed header %v", embed)
	}
	footer := embed["footer"].(map[string]any)
	if footer["text"] != "CodeGuard AI Security Agent" {
		t.Fatalf("unexpected footer %v", footer)
	}
}

func TestTelegramMarkdown(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{BotToken: "123:abc", ChatID: "-100", APIURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tg.Send(context.Background(), sample()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.paths[0] != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %s", c.paths[0])
	}
	body := c.bodies[0]
	if body["parse_mode"] != "Markdown" || body["chat_id"] != "-100" {
		t.Fatalf("unexpected body %v", body)
	}
	if !strings.Contains(body["text"].(string), "95/100") {
		t.Fatalf("expected score in text, got %v", body["text"])
	}
}

type failingChannel struct{}

func (failingChannel) Name() string { return "broken" }
func (failingChannel) Send(ctx context.Context, n Notification) error {
	return errors.New("smtp down")
}

func TestDispatchIsolatesFailures(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	hook, _ := NewWebhook(WebhookConfig{Name: "soc", URL: srv.URL})
	results := Dispatch(context.Background(), []Channel{failingChannel{}, hook}, sample())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err == nil || results[1].Err != nil {
		t.Fatalf("expected only the first channel to fail, got %+v", results)
	}
	if len(c.bodies) != 1 || c.bodies[0]["subject_id"] != sample().SubjectID {
		t.Fatalf("expected webhook delivery after failure, got %v", c.bodies)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	srv := httptest.NewServer((&capture{}).handler(http.StatusBadGateway))
	defer srv.Close()

	hook, _ := NewWebhook(WebhookConfig{URL: srv.URL})
	if err := hook.Send(context.Background(), sample()); !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}
