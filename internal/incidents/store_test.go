package incidents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeguard/pkg/models"
)

const (
	subjectA = "0x00000000000000000000000000000000000000aa"
	subjectB = "0x00000000000000000000000000000000000000bb"
)

func newIncident(subject string, at time.Time, score int) *models.Incident {
	return &models.Incident{
		ID:             models.NewIncidentID(),
		SubjectAddress: subject,
		IncidentType:   models.IncidentCriticalVulnRisk,
		Reason:         "Critical vulnerability detected",
		RiskScore:      score,
		Severity:       models.SeverityForScore(score),
		DetectedBy:     "0xoperator",
		Timestamp:      at,
		Action:         models.ActionPaused,
	}
}

// exerciseStore runs the shared store contract.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 6; i++ {
		subject := subjectA
		if i%2 == 1 {
			subject = subjectB
		}
		inc := newIncident(subject, base.Add(time.Duration(i)*time.Minute), 90+i)
		if err := s.Append(ctx, inc); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, inc.ID)
	}

	all, err := s.List(ctx, Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 incidents, got %d", len(all))
	}
	if all[0].ID != ids[5] || all[5].ID != ids[0] {
		t.Fatalf("expected newest first, got %s..%s", all[0].ID, all[5].ID)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("expected non-increasing timestamps in listing at %d", i)
		}
	}

	onlyA, err := s.List(ctx, Query{Subject: strings.ToUpper(subjectA[:2]) + subjectA[2:], Limit: 2})
	if err != nil {
		t.Fatalf("list subject: %v", err)
	}
	if len(onlyA) != 2 || onlyA[0].ID != ids[4] || onlyA[1].ID != ids[2] {
		t.Fatalf("unexpected subject listing %+v", onlyA)
	}
	for _, inc := range onlyA {
		if inc.SubjectAddress != subjectA || inc.Resolved {
			t.Fatalf("unexpected incident %+v", inc)
		}
	}

	resolved, err := s.Resolve(ctx, ids[1], base.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt.IsZero() {
		t.Fatalf("expected resolved incident, got %+v", resolved)
	}
	if _, err := s.Resolve(ctx, ids[1], base.Add(2*time.Hour)); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict on second resolve, got %v", err)
	}
	if _, err := s.Resolve(ctx, "missing", base); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.Append(ctx, &models.Incident{ID: "x"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation failure for incomplete incident, got %v", err)
	}
	if _, err := s.List(ctx, Query{Subject: "nope"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation failure for bad subject filter, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	inc := newIncident(subjectA, time.Now().UTC(), 95)
	if err := s.Append(context.Background(), inc); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close()

	s, err = NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.List(context.Background(), Query{Subject: subjectA})
	if err != nil || len(got) != 1 || got[0].ID != inc.ID {
		t.Fatalf("expected persisted incident, got %+v (%v)", got, err)
	}
}

func TestNormalizeQueryBounds(t *testing.T) {
	q, _ := NormalizeQuery(Query{})
	if q.Limit != DefaultLimit {
		t.Fatalf("expected default limit, got %d", q.Limit)
	}
	q, _ = NormalizeQuery(Query{Limit: 1_000_000})
	if q.Limit != MaxLimit {
		t.Fatalf("expected max limit, got %d", q.Limit)
	}
}

type failingWriter struct{ closed bool }

func (f *failingWriter) WriteIncidents([]*models.Incident) error { return fmt.Errorf("disk full") }
func (f *failingWriter) Close() error                           { f.closed = true; return nil }

func TestMirroredCopiesIncidents(t *testing.T) {
	var chBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "JSONEachRow") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		chBody = string(raw)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out", "incidents.jsonl")
	jsonl, err := NewJSONLWriter(path)
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	ch, err := NewClickHouseWriter(ClickHouseConfig{URL: srv.URL, Database: "codeguard"})
	if err != nil {
		t.Fatalf("clickhouse: %v", err)
	}
	broken := &failingWriter{}

	primary := NewMemoryStore()
	m := NewMirrored(primary, broken, jsonl, ch)
	inc := newIncident(subjectA, time.Now().UTC(), 97)
	if err := m.Append(context.Background(), inc); err != nil {
		t.Fatalf("append should ignore mirror failures: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !broken.closed {
		t.Fatal("expected mirrors to be closed")
	}

	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), inc.ID) {
		t.Fatalf("expected jsonl copy, got %q (%v)", data, err)
	}
	if !strings.Contains(chBody, `"risk_score":97`) {
		t.Fatalf("expected clickhouse row, got %q", chBody)
	}
	got, _ := primary.List(context.Background(), Query{})
	if len(got) != 1 {
		t.Fatalf("expected primary write, got %d", len(got))
	}
}
