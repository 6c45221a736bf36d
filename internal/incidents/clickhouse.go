package incidents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeguard/pkg/models"
)

// ClickHouseConfig configures the ClickHouse HTTP writer.
type ClickHouseConfig struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// ClickHouseWriter inserts incidents via HTTP JSONEachRow for analytics.
type ClickHouseWriter struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

type clickHouseRow struct {
	ID             string `json:"id"`
	SubjectAddress string `json:"subject_address"`
	IncidentType   string `json:"incident_type"`
	Reason         string `json:"reason"`
	RiskScore      int    `json:"risk_score"`
	Severity       string `json:"severity"`
	DetectedBy     string `json:"detected_by"`
	Timestamp      int64  `json:"timestamp"`
	Action         string `json:"action"`
	ActionHandle   string `json:"action_handle"`
}

// NewClickHouseWriter creates a ClickHouse HTTP writer.
func NewClickHouseWriter(cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "incidents"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	endpoint := strings.TrimRight(cfg.URL, "/") + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &ClickHouseWriter{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// WriteIncidents implements Writer.
func (w *ClickHouseWriter) WriteIncidents(incidents []*models.Incident) error {
	if len(incidents) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, inc := range incidents {
		row := clickHouseRow{
			ID:             inc.ID,
			SubjectAddress: inc.SubjectAddress,
			IncidentType:   inc.IncidentType,
			Reason:         inc.Reason,
			RiskScore:      inc.RiskScore,
			Severity:       string(inc.Severity),
			DetectedBy:     inc.DetectedBy,
			Timestamp:      inc.Timestamp.UnixMilli(),
			Action:         inc.Action,
			ActionHandle:   inc.ActionHandle,
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal incident: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *ClickHouseWriter) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
