package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeguard/internal/risk"
	"codeguard/internal/rules"
	"codeguard/internal/subjects"
	"codeguard/pkg/models"
)

const (
	subjectA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	subjectB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// weightEngine tags each transaction with a pattern weighing its first calldata byte.
type weightEngine struct{}

func (weightEngine) Apply(f *rules.Features) []models.PatternTag {
	return []models.PatternTag{{ID: "test.weight", Name: "weighted", Weight: int(f.Code[0])}}
}

type fakeSource struct {
	mu    sync.Mutex
	txs   map[string][]models.Transaction
	fail  map[string]bool
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{txs: map[string][]models.Transaction{}, fail: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeSource) RecentTransactions(ctx context.Context, address string) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[address]++
	if f.fail[address] {
		return nil, errors.New("rpc unavailable")
	}
	return f.txs[address], nil
}

func (f *fakeSource) callCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[address]
}

type captureSink struct {
	mu   sync.Mutex
	msgs []models.AgentMessage
}

func (c *captureSink) HandleAlert(ctx context.Context, msg models.AgentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func weighted(weights ...int) []models.Transaction {
	out := make([]models.Transaction, 0, len(weights))
	for i, w := range weights {
		out = append(out, models.Transaction{Hash: string(rune('a' + i)), Data: []byte{byte(w)}})
	}
	return out
}

func startMonitor(t *testing.T, src *fakeSource, sink AlertSink, store subjects.Store, interval time.Duration) *Monitor {
	t.Helper()
	m := New(Deps{Source: src, Engine: weightEngine{}, Model: risk.NewModel(risk.Weights{}), Subjects: store}, Config{Chain: "Base", ScanInterval: interval})
	if sink != nil {
		m.SetAlertSink(sink)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m
}

func TestScanEscalatesAtWarningThreshold(t *testing.T) {
	tests := []struct {
		name     string
		weights  []int
		maxScore int
		escalate bool
	}{
		{name: "above", weights: []int{10, 72}, maxScore: 72, escalate: true},
		{name: "at threshold", weights: []int{70}, maxScore: 70, escalate: true},
		{name: "below", weights: []int{65, 40}, maxScore: 65, escalate: false},
		{name: "quiet", weights: nil, maxScore: 0, escalate: false},
	}
	for _, tc := range tests {
		src := newFakeSource()
		src.txs[subjectA] = weighted(tc.weights...)
		sink := &captureSink{}
		m := startMonitor(t, src, sink, nil, 0)

		res, err := m.Scan(context.Background(), models.ScanTask{SubjectID: subjectA})
		if err != nil {
			t.Fatalf("%s: scan: %v", tc.name, err)
		}
		if res.MaxRiskScore != tc.maxScore {
			t.Fatalf("%s: expected max score %d, got %d", tc.name, tc.maxScore, res.MaxRiskScore)
		}
		if res.Escalated != tc.escalate {
			t.Fatalf("%s: expected escalated=%v, got %v", tc.name, tc.escalate, res.Escalated)
		}
		want := 0
		if tc.escalate {
			want = 1
		}
		if sink.count() != want {
			t.Fatalf("%s: expected %d alerts, got %d", tc.name, want, sink.count())
		}
		if want == 1 {
			msg := sink.msgs[0]
			if err := msg.Validate(); err != nil {
				t.Fatalf("%s: alert does not validate: %v", tc.name, err)
			}
			p := msg.Payload.(*models.AlertPayload)
			if msg.From != "monitor:base" || msg.To != models.ActorOrchestrator || p.RiskScore != tc.maxScore || p.Chain != "base" {
				t.Fatalf("%s: unexpected alert %+v / %+v", tc.name, msg, p)
			}
		}
	}
}

func TestScanKeepsTopAnomalies(t *testing.T) {
	src := newFakeSource()
	src.txs[subjectA] = weighted(31, 90, 10, 45, 60, 35, 80, 50)
	m := startMonitor(t, src, &captureSink{}, nil, 0)

	res, err := m.Scan(context.Background(), models.ScanTask{SubjectID: subjectA})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.TransactionsAnalyzed != 8 || res.AnomaliesDetected != 7 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if len(res.Anomalies) != 5 {
		t.Fatalf("expected 5 anomalies, got %d", len(res.Anomalies))
	}
	want := []int{90, 80, 60, 50, 45}
	for i, a := range res.Anomalies {
		if a.Analysis.RiskScore != want[i] {
			t.Fatalf("anomaly %d: expected score %d, got %d", i, want[i], a.Analysis.RiskScore)
		}
	}
}

func TestScanDegradesOnRPCFailure(t *testing.T) {
	src := newFakeSource()
	src.fail[subjectA] = true
	sink := &captureSink{}
	m := startMonitor(t, src, sink, nil, 0)

	res, err := m.Scan(context.Background(), models.ScanTask{SubjectID: subjectA})
	if err != nil {
		t.Fatalf("expected degraded scan, got %v", err)
	}
	if res.TransactionsAnalyzed != 0 || res.AnomaliesDetected != 0 || res.Escalated {
		t.Fatalf("unexpected degraded result: %+v", res)
	}
	if res.Anomalies == nil {
		t.Fatalf("expected an empty anomaly list, not nil")
	}
}

func TestSubscribeIsIdempotentAndRestored(t *testing.T) {
	ctx := context.Background()
	store := subjects.NewMemoryStore()
	m := startMonitor(t, newFakeSource(), nil, store, 0)

	for i := 0; i < 2; i++ {
		res, err := m.Subscribe(ctx, models.SubscribeTask{SubjectID: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Name: "vault"})
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		if !res.Success || res.SubjectID != subjectA {
			t.Fatalf("unexpected subscribe result: %+v", res)
		}
	}
	if _, err := m.Subscribe(ctx, models.SubscribeTask{SubjectID: subjectB, Chain: "ethereum"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected chain mismatch to fail validation, got %v", err)
	}

	st, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.MonitoredSubjects != 1 || st.ActorName != "monitor:base" {
		t.Fatalf("unexpected status: %+v", st)
	}

	restarted := startMonitor(t, newFakeSource(), nil, store, 0)
	st, err = restarted.Status(ctx)
	if err != nil {
		t.Fatalf("status after restart: %v", err)
	}
	if st.MonitoredSubjects != 1 {
		t.Fatalf("expected restored registry, got %+v", st)
	}
}

func TestSweepContinuesPastFailingSubject(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.fail[subjectA] = true
	src.txs[subjectB] = weighted(95)
	sink := &captureSink{}
	m := startMonitor(t, src, sink, nil, 20*time.Millisecond)

	for _, addr := range []string{subjectA, subjectB} {
		if _, err := m.Subscribe(ctx, models.SubscribeTask{SubjectID: addr}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.callCount(subjectB) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeps stopped: subject B scanned %d times", src.callCount(subjectB))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if src.callCount(subjectA) < 2 {
		t.Fatalf("failing subject should be retried each sweep, got %d", src.callCount(subjectA))
	}
	if sink.count() < 2 {
		t.Fatalf("expected an alert per sweep for subject B, got %d", sink.count())
	}

	st, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.LastSweepAt.IsZero() {
		t.Fatalf("expected last sweep time")
	}
}

func TestProcessRejectsForeignPayload(t *testing.T) {
	m := startMonitor(t, newFakeSource(), nil, nil, 0)
	_, err := m.Process(context.Background(), &models.EmergencyPauseTask{SubjectID: subjectA})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
