// Package notify delivers incident notifications to outbound channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

// Notification is the channel-neutral alert content.
type Notification struct {
	SubjectID    string          `json:"subject_id"`
	RiskScore    int             `json:"risk_score"`
	Severity     models.Severity `json:"severity"`
	Reason       string          `json:"reason"`
	Action       string          `json:"action"`
	ActionHandle string          `json:"action_handle,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Channel is one outbound notification target.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Result records the outcome for one channel.
type Result struct {
	Channel string
	Err     error
}

// Dispatch sends n to every channel. A failing channel never blocks the others.
func Dispatch(ctx context.Context, channels []Channel, n Notification) []Result {
	out := make([]Result, 0, len(channels))
	for _, ch := range channels {
		err := ch.Send(ctx, n)
		if err != nil {
			logger.Warnf("Notification channel %s failed for %s: %v", ch.Name(), n.SubjectID, err)
		}
		out = append(out, Result{Channel: ch.Name(), Err: err})
	}
	return out
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http request failed: %v", models.ErrTransport, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http request failed with status %s", models.ErrTransport, resp.Status)
	}
	return nil
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
