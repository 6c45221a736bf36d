// Package monitor implements the per-chain actor that scans subscribed
// subjects and escalates risky activity to the orchestrator.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"codeguard/internal/actor"
	"codeguard/internal/logger"
	"codeguard/internal/metrics"
	"codeguard/internal/risk"
	"codeguard/internal/rules"
	"codeguard/internal/subjects"
	"codeguard/pkg/models"
)

// TxSource fetches recent transactions touching a subject. chain.Client implements it.
type TxSource interface {
	RecentTransactions(ctx context.Context, address string) ([]models.Transaction, error)
}

// AlertSink receives alert messages. It must not block on the monitor.
type AlertSink interface {
	HandleAlert(ctx context.Context, msg models.AgentMessage) error
}

// Config holds the monitor policy.
type Config struct {
	Chain            string
	WarningThreshold int
	ScanInterval     time.Duration
	TopAnomalies     int
	MailboxDepth     int
}

// Deps are the collaborators of a monitor. Engine, Subjects and Metrics are optional.
type Deps struct {
	Source   TxSource
	Engine   rules.Engine
	Model    risk.Model
	Subjects subjects.Store
	Metrics  *metrics.Metrics
}

// ScanResult summarizes one scan.
type ScanResult struct {
	SubjectID            string           `json:"subject_id"`
	Chain                string           `json:"chain"`
	ScannedAt            time.Time        `json:"scanned_at"`
	TransactionsAnalyzed int              `json:"transactions_analyzed"`
	AnomaliesDetected    int              `json:"anomalies_detected"`
	MaxRiskScore         int              `json:"max_risk_score"`
	Anomalies            []models.Anomaly `json:"anomalies"`
	Escalated            bool             `json:"escalated"`
}

// SubscribeResult answers a subscription.
type SubscribeResult struct {
	Success   bool   `json:"success"`
	SubjectID string `json:"subject_id"`
}

// Status describes the monitor.
type Status struct {
	ActorName         string    `json:"actor_name"`
	Status            string    `json:"status"`
	Chain             string    `json:"chain"`
	MonitoredSubjects int       `json:"monitored_subjects"`
	LastScanAt        time.Time `json:"last_scan_at,omitempty"`
	LastSweepAt       time.Time `json:"last_sweep_at,omitempty"`
}

// Monitor is one chain's monitor actor. Fields below mailbox are owned by the
// mailbox goroutine.
type Monitor struct {
	mailbox *actor.Mailbox
	deps    Deps
	cfg     Config
	name    string
	sink    AlertSink

	registry    map[string]models.Subject
	lastScanAt  time.Time
	lastSweepAt time.Time
}

// New creates a monitor for cfg.Chain.
func New(deps Deps, cfg Config) *Monitor {
	cfg.Chain = strings.ToLower(strings.TrimSpace(cfg.Chain))
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = models.HighScore
	}
	if cfg.TopAnomalies <= 0 {
		cfg.TopAnomalies = 5
	}
	name := models.ActorMonitor + ":" + cfg.Chain
	return &Monitor{
		mailbox:  actor.NewMailbox(name, cfg.MailboxDepth),
		deps:     deps,
		cfg:      cfg,
		name:     name,
		registry: make(map[string]models.Subject),
	}
}

// SetAlertSink sets the alert recipient. It must be called before Run.
func (m *Monitor) SetAlertSink(s AlertSink) {
	m.sink = s
}

// Chain returns the monitored chain name.
func (m *Monitor) Chain() string {
	return m.cfg.Chain
}

// Mailbox exposes the actor queue.
func (m *Monitor) Mailbox() *actor.Mailbox {
	return m.mailbox
}

// Run restores the registry, starts the sweep timer and drains the mailbox until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.restore(ctx)
	go actor.Every(ctx, m.mailbox, m.cfg.ScanInterval, m.sweep)
	return m.mailbox.Run(ctx)
}

func (m *Monitor) restore(ctx context.Context) {
	if m.deps.Subjects == nil {
		return
	}
	list, err := m.deps.Subjects.List(ctx, m.cfg.Chain)
	if err != nil {
		logger.Warnf("Monitor %s failed to restore subjects: %v", m.name, err)
		return
	}
	for _, s := range list {
		m.registry[s.Address] = s
	}
	m.deps.Metrics.Subjects(m.cfg.Chain, len(m.registry))
	logger.Infof("Monitor %s restored %d subjects", m.name, len(m.registry))
}

// Subscribe registers a subject. Repeated subscriptions update the name only.
func (m *Monitor) Subscribe(ctx context.Context, task models.SubscribeTask) (SubscribeResult, error) {
	if err := task.Validate(); err != nil {
		return SubscribeResult{}, err
	}
	if task.Chain != "" && !strings.EqualFold(task.Chain, m.cfg.Chain) {
		return SubscribeResult{}, fmt.Errorf("%w: subject chain %q does not match monitor %s", models.ErrValidation, task.Chain, m.cfg.Chain)
	}
	return actor.Call(ctx, m.mailbox, func(ctx context.Context) (SubscribeResult, error) {
		s := models.Subject{
			Address:      task.SubjectID,
			Name:         task.Name,
			Chain:        m.cfg.Chain,
			SubscribedAt: time.Now().UTC(),
		}
		if prev, ok := m.registry[s.Address]; ok {
			s = prev
			if task.Name != "" {
				s.Name = task.Name
			}
		}
		if m.deps.Subjects != nil {
			stored, err := m.deps.Subjects.Upsert(ctx, s)
			if err != nil {
				return SubscribeResult{}, fmt.Errorf("persist subject %s: %w", s.Address, err)
			}
			s = stored
		}
		m.registry[s.Address] = s
		m.deps.Metrics.Subjects(m.cfg.Chain, len(m.registry))
		logger.Infof("Monitor %s subscribed %s", m.name, s.Address)
		return SubscribeResult{Success: true, SubjectID: s.Address}, nil
	})
}

// Scan scores the subject's recent transactions and escalates when the
// maximum score reaches the warning threshold.
func (m *Monitor) Scan(ctx context.Context, task models.ScanTask) (ScanResult, error) {
	if err := task.Validate(); err != nil {
		return ScanResult{}, err
	}
	return actor.Call(ctx, m.mailbox, func(ctx context.Context) (ScanResult, error) {
		return m.scan(ctx, task.SubjectID), nil
	})
}

func (m *Monitor) scan(ctx context.Context, subject string) ScanResult {
	now := time.Now().UTC()
	txs, err := m.deps.Source.RecentTransactions(ctx, subject)
	if err != nil {
		logger.Warnf("Monitor %s could not fetch transactions for %s: %v", m.name, subject, err)
		txs = nil
	}

	res := ScanResult{
		SubjectID:            subject,
		Chain:                m.cfg.Chain,
		ScannedAt:            now,
		TransactionsAnalyzed: len(txs),
		Anomalies:            []models.Anomaly{},
	}
	var anomalies []models.Anomaly
	for _, tx := range txs {
		a := m.deps.Model.Score(risk.TransactionSignals(subject, tx, m.deps.Engine))
		if a.RiskScore > res.MaxRiskScore {
			res.MaxRiskScore = a.RiskScore
		}
		if a.Anomalous {
			anomalies = append(anomalies, models.Anomaly{Transaction: tx, Analysis: a})
		}
	}
	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].Analysis.RiskScore > anomalies[j].Analysis.RiskScore
	})
	res.AnomaliesDetected = len(anomalies)
	if len(anomalies) > m.cfg.TopAnomalies {
		anomalies = anomalies[:m.cfg.TopAnomalies]
	}
	if len(anomalies) > 0 {
		res.Anomalies = anomalies
	}
	m.deps.Metrics.Scan(m.cfg.Chain, res.AnomaliesDetected, err)

	if res.MaxRiskScore >= m.cfg.WarningThreshold {
		res.Escalated = m.escalate(ctx, res)
	}

	m.lastScanAt = now
	if s, ok := m.registry[subject]; ok {
		s.LastScanAt = now
		m.registry[subject] = s
		if m.deps.Subjects != nil {
			if err := m.deps.Subjects.MarkScanned(ctx, subject, now); err != nil {
				logger.Warnf("Monitor %s failed to record scan of %s: %v", m.name, subject, err)
			}
		}
	}
	return res
}

func (m *Monitor) escalate(ctx context.Context, res ScanResult) bool {
	if m.sink == nil {
		logger.Warnf("Monitor %s has no alert sink, dropping alert for %s", m.name, res.SubjectID)
		return false
	}
	msg := models.NewMessage(models.KindAlert, m.name, models.ActorOrchestrator, &models.AlertPayload{
		SubjectID: res.SubjectID,
		Chain:     m.cfg.Chain,
		RiskScore: res.MaxRiskScore,
		Anomalies: res.Anomalies,
		Timestamp: res.ScannedAt,
	})
	if err := m.sink.HandleAlert(ctx, msg); err != nil {
		logger.Errorf("Monitor %s failed to send alert for %s (score %d): %v", m.name, res.SubjectID, res.MaxRiskScore, err)
		return false
	}
	m.deps.Metrics.Alert(m.cfg.Chain)
	logger.Infof("Monitor %s escalated %s with score %d", m.name, res.SubjectID, res.MaxRiskScore)
	return true
}

// sweep scans every registered subject. It runs on the mailbox goroutine.
func (m *Monitor) sweep(ctx context.Context) {
	addrs := make([]string, 0, len(m.registry))
	for addr := range m.registry {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	escalated := 0
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return
		}
		if m.scanSafely(ctx, addr) {
			escalated++
		}
	}
	m.lastSweepAt = time.Now().UTC()
	logger.Infof("Monitor %s swept %d subjects, %d escalated", m.name, len(addrs), escalated)
}

func (m *Monitor) scanSafely(ctx context.Context, addr string) (escalated bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Monitor %s scan of %s panicked: %v", m.name, addr, r)
			escalated = false
		}
	}()
	return m.scan(ctx, addr).Escalated
}

// Status reports registry size and scan times.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	return actor.Call(ctx, m.mailbox, func(ctx context.Context) (Status, error) {
		return Status{
			ActorName:         m.name,
			Status:            "active",
			Chain:             m.cfg.Chain,
			MonitoredSubjects: len(m.registry),
			LastScanAt:        m.lastScanAt,
			LastSweepAt:       m.lastSweepAt,
		}, nil
	})
}

// Process handles a routed task payload.
func (m *Monitor) Process(ctx context.Context, p models.Payload) (any, error) {
	switch t := p.(type) {
	case *models.SubscribeTask:
		return m.Subscribe(ctx, *t)
	case *models.ScanTask:
		return m.Scan(ctx, *t)
	case *models.TriggerScanTask:
		return m.Scan(ctx, models.ScanTask{SubjectID: t.SubjectID, Chain: t.Chain})
	case nil:
		return nil, fmt.Errorf("%w: missing payload", models.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: monitor cannot handle %s", models.ErrValidation, p.Op())
	}
}
