package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codeguard/pkg/models"
)

// HTTPConfig configures the remote assessor.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	Client  *http.Client
}

// HTTPAssessor posts assessment requests to a threat-intel service.
type HTTPAssessor struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPAssessor creates a remote assessor.
func NewHTTPAssessor(cfg HTTPConfig) (*HTTPAssessor, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("threat intel URL is empty")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPAssessor{url: cfg.URL, headers: cfg.Headers, client: client}, nil
}

// Assess implements Assessor.
func (h *HTTPAssessor) Assess(ctx context.Context, req Request) (*Assessment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assessment request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: threat intel request failed: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: threat intel request failed with status %s: %s", models.ErrTransport, resp.Status, strings.TrimSpace(string(msg)))
	}

	var out Assessment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode threat intel response: %v", models.ErrTransport, err)
	}
	out.RiskScore = models.ClampScore(out.RiskScore)
	return &out, nil
}
