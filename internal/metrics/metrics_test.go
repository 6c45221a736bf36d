package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Scan("base", 2, nil)
	m.Scan("base", 0, errors.New("rpc"))
	m.PauseDecision("submitted")
	m.Broadcast(1, 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`codeguard_scans_total{chain="base",outcome="ok"} 1`,
		`codeguard_scans_total{chain="base",outcome="error"} 1`,
		`codeguard_anomalous_transactions_total{chain="base"} 2`,
		`codeguard_pause_decisions_total{outcome="submitted"} 1`,
		`codeguard_subscribers 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Scan("base", 1, nil)
	m.Alert("base")
	m.Broadcast(0, 0)
	m.Inbox(nil)
}
