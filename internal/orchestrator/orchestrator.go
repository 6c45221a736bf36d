// Package orchestrator implements the global actor that runs deep analysis,
// routes agent messages and streams events to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codeguard/internal/actor"
	"codeguard/internal/analyzer"
	"codeguard/internal/logger"
	"codeguard/internal/metrics"
	"codeguard/internal/monitor"
	"codeguard/internal/response"
	"codeguard/internal/threatintel"
	"codeguard/pkg/models"
)

// Actions reported by Analyze.
const (
	ActionEmergencyPause = "emergency-pause"
	ActionNone           = "none"
)

const defaultPauseReason = "Critical vulnerability detected"

var tracer = otel.Tracer("codeguard/orchestrator")

// Decompiler summarizes deployed bytecode. analyzer.Analyzer implements it.
type Decompiler interface {
	Decompile(ctx context.Context, chain, address string) (*analyzer.Decompilation, error)
}

// Responder is the response actor as seen by the orchestrator.
type Responder interface {
	EmergencyPause(ctx context.Context, task models.EmergencyPauseTask) (response.Result, error)
	Process(ctx context.Context, p models.Payload) (any, error)
	Status(ctx context.Context) (response.Status, error)
}

// MonitorClient is one chain's monitor actor as seen by the orchestrator.
type MonitorClient interface {
	Chain() string
	Subscribe(ctx context.Context, task models.SubscribeTask) (monitor.SubscribeResult, error)
	Scan(ctx context.Context, task models.ScanTask) (monitor.ScanResult, error)
	Process(ctx context.Context, p models.Payload) (any, error)
	Status(ctx context.Context) (monitor.Status, error)
}

// EventSink receives a copy of every broadcast event, such as an event bus.
type EventSink interface {
	WriteEvent(ctx context.Context, evt models.Event) error
}

// Config holds orchestrator policy.
type Config struct {
	CriticalThreshold int
	HeartbeatInterval time.Duration
	AnalysisTimeout   time.Duration
	SendTimeout       time.Duration
	DefaultChain      string
	MailboxDepth      int
}

// Deps are the collaborators of the orchestrator. Sinks and Metrics are optional.
type Deps struct {
	Decompiler Decompiler
	Assessor   threatintel.Assessor
	Responder  Responder
	Monitors   []MonitorClient
	Sinks      []EventSink
	Metrics    *metrics.Metrics
}

// Analysis is the detail of a deep analysis.
type Analysis struct {
	Decompilation *analyzer.Decompilation `json:"decompilation"`
	Assessment    *threatintel.Assessment `json:"assessment"`
}

// AnalysisResult answers Analyze.
type AnalysisResult struct {
	SubjectID   string           `json:"subject_id"`
	Chain       string           `json:"chain"`
	RiskScore   int              `json:"risk_score"`
	Severity    models.Severity  `json:"severity"`
	Analysis    Analysis         `json:"analysis"`
	ActionTaken string           `json:"action_taken"`
	Response    *response.Result `json:"response,omitempty"`
}

// Delivery is the outcome of RouteMessage.
type Delivery struct {
	Delivered bool   `json:"delivered"`
	Recipient string `json:"recipient"`
	Result    any    `json:"result,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Status describes the orchestrator and the actors it knows.
type Status struct {
	ActorName       string               `json:"actor_name"`
	Status          string               `json:"status"`
	Subscribers     int                  `json:"subscribers"`
	Actors          []string             `json:"actors"`
	LastHeartbeatAt time.Time            `json:"last_heartbeat_at,omitempty"`
	Peers           map[string]time.Time `json:"peers,omitempty"`
}

// Orchestrator is the single global orchestrator actor. Fields below mailbox
// are owned by the mailbox goroutine.
type Orchestrator struct {
	mailbox  *actor.Mailbox
	deps     Deps
	cfg      Config
	monitors map[string]MonitorClient

	subscribers   []Subscriber
	lastHeartbeat time.Time
	peers         map[string]time.Time
}

// New creates the orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = models.CriticalScore
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	monitors := make(map[string]MonitorClient, len(deps.Monitors))
	for _, m := range deps.Monitors {
		monitors[strings.ToLower(m.Chain())] = m
	}
	cfg.DefaultChain = strings.ToLower(strings.TrimSpace(cfg.DefaultChain))
	if cfg.DefaultChain == "" && len(deps.Monitors) > 0 {
		cfg.DefaultChain = strings.ToLower(deps.Monitors[0].Chain())
	}
	return &Orchestrator{
		mailbox:  actor.NewMailbox(models.ActorOrchestrator, cfg.MailboxDepth),
		deps:     deps,
		cfg:      cfg,
		monitors: monitors,
		peers:    make(map[string]time.Time),
	}
}

// Mailbox exposes the actor queue.
func (o *Orchestrator) Mailbox() *actor.Mailbox {
	return o.mailbox
}

// Run starts the heartbeat timer and drains the mailbox until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	go actor.Every(ctx, o.mailbox, o.cfg.HeartbeatInterval, o.heartbeat)
	return o.mailbox.Run(ctx)
}

func (o *Orchestrator) heartbeat(ctx context.Context) {
	o.lastHeartbeat = time.Now().UTC()
	o.deps.Metrics.SubscriberCount(len(o.subscribers))
	logger.Debugf("Orchestrator heartbeat: %d subscribers, %d monitors", len(o.subscribers), len(o.monitors))
}

func (o *Orchestrator) chainOrDefault(chain string) string {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		return o.cfg.DefaultChain
	}
	return chain
}

// Analyze runs the deep-analysis pipeline for one subject and escalates to
// the response actor at most once when the assessed score is critical.
func (o *Orchestrator) Analyze(ctx context.Context, task models.AnalyzeTask) (AnalysisResult, error) {
	if err := task.Validate(); err != nil {
		return AnalysisResult{}, err
	}
	task.Chain = o.chainOrDefault(task.Chain)
	return actor.Call(ctx, o.mailbox, func(ctx context.Context) (AnalysisResult, error) {
		return o.analyze(ctx, task)
	})
}

func (o *Orchestrator) analyze(ctx context.Context, task models.AnalyzeTask) (AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "orchestrator.analyze", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("codeguard.subject", task.SubjectID),
		attribute.String("codeguard.chain", task.Chain),
	)

	res := AnalysisResult{SubjectID: task.SubjectID, Chain: task.Chain, ActionTaken: ActionNone}

	dec, err := o.deps.Decompiler.Decompile(ctx, task.Chain, task.SubjectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decompile")
		return res, transportError("decompile "+task.SubjectID, err)
	}
	res.Analysis.Decompilation = dec

	assessment, err := o.deps.Assessor.Assess(ctx, threatintel.Request{
		SubjectID:     task.SubjectID,
		Chain:         task.Chain,
		Decompilation: dec,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assess")
		return res, transportError("assess "+task.SubjectID, err)
	}
	if assessment == nil {
		assessment = &threatintel.Assessment{}
	}
	res.Analysis.Assessment = assessment
	res.RiskScore = models.ClampScore(assessment.RiskScore)
	res.Severity = models.SeverityForScore(res.RiskScore)
	span.SetAttributes(attribute.Int("codeguard.risk_score", res.RiskScore))

	var escalateErr error
	if res.RiskScore >= o.cfg.CriticalThreshold {
		reason := assessment.PrimaryThreat
		if reason == "" {
			reason = defaultPauseReason
		}
		res.ActionTaken = ActionEmergencyPause
		pr, err := o.deps.Responder.EmergencyPause(ctx, models.EmergencyPauseTask{
			SubjectID: task.SubjectID,
			RiskScore: res.RiskScore,
			Reason:    reason,
			Details:   map[string]string{"chain": task.Chain, "incident_type": incidentType(assessment)},
		})
		res.Response = &pr
		if err != nil {
			escalateErr = fmt.Errorf("escalate %s: %w", task.SubjectID, err)
			span.RecordError(escalateErr)
			span.SetStatus(codes.Error, "escalate")
			logger.Errorf("Orchestrator escalation failed for %s (score %d): %v", task.SubjectID, res.RiskScore, err)
		}
	}
	o.deps.Metrics.Analysis(res.ActionTaken)
	logger.Infof("Analysis of %s on %s: score %d, action %s", task.SubjectID, task.Chain, res.RiskScore, res.ActionTaken)

	evt, err := models.NewEvent(models.EventAnalysisComplete, models.AnalysisComplete{
		SubjectID:   res.SubjectID,
		Chain:       res.Chain,
		RiskScore:   res.RiskScore,
		Severity:    res.Severity,
		Threats:     assessment.Threats,
		ActionTaken: res.ActionTaken,
	})
	if err != nil {
		logger.Warnf("Failed to encode analysis event for %s: %v", task.SubjectID, err)
	} else {
		o.broadcast(ctx, evt)
	}
	return res, escalateErr
}

func incidentType(a *threatintel.Assessment) string {
	if a == nil || len(a.Threats) == 0 {
		return models.IncidentCriticalVulnRisk
	}
	return a.Threats[0].Type
}

func transportError(op string, err error) error {
	if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", models.ErrTransport, op, err)
}

// HandleAlert accepts a monitor alert and queues an analysis of the subject.
// It never waits for the analysis.
func (o *Orchestrator) HandleAlert(ctx context.Context, msg models.AgentMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	alert, ok := msg.Payload.(*models.AlertPayload)
	if !ok {
		return fmt.Errorf("%w: expected alert payload, got %s", models.ErrValidation, msg.Payload.Op())
	}
	task := models.AnalyzeTask{SubjectID: alert.SubjectID, Chain: o.chainOrDefault(alert.Chain)}
	from := msg.From
	err := o.mailbox.Post(func(ctx context.Context) {
		o.peers[strings.ToLower(from)] = time.Now().UTC()
		logger.Infof("Alert from %s for %s (score %d), starting analysis", from, task.SubjectID, alert.RiskScore)
		if _, err := o.analyze(ctx, task); err != nil {
			logger.Errorf("Alert-driven analysis of %s failed: %v", task.SubjectID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("queue analysis for %s: %w", task.SubjectID, err)
	}
	return nil
}

// TriggerScan forwards a scan request to the chain's monitor.
func (o *Orchestrator) TriggerScan(ctx context.Context, task models.TriggerScanTask) (monitor.ScanResult, error) {
	if err := task.Validate(); err != nil {
		return monitor.ScanResult{}, err
	}
	m, err := o.monitorFor(task.Chain)
	if err != nil {
		return monitor.ScanResult{}, err
	}
	return m.Scan(ctx, models.ScanTask{SubjectID: task.SubjectID, Chain: m.Chain()})
}

func (o *Orchestrator) monitorFor(chain string) (MonitorClient, error) {
	chain = o.chainOrDefault(chain)
	m, ok := o.monitors[chain]
	if !ok {
		return nil, fmt.Errorf("%w: no monitor for chain %q", models.ErrNotFound, chain)
	}
	return m, nil
}

// Monitor returns the monitor for chain, or the default chain when empty.
func (o *Orchestrator) Monitor(chain string) (MonitorClient, error) {
	return o.monitorFor(chain)
}

// RouteMessage delivers an agent message to its recipient. It runs on the
// caller's goroutine so that forwarding never holds the orchestrator mailbox.
// Messages for unknown recipients are logged and dropped.
func (o *Orchestrator) RouteMessage(ctx context.Context, msg models.AgentMessage) (Delivery, error) {
	if err := msg.Validate(); err != nil {
		return Delivery{}, err
	}
	recipient, scope := models.Recipient(msg.To)
	d := Delivery{Recipient: strings.ToLower(strings.TrimSpace(msg.To))}

	var (
		out any
		err error
	)
	switch recipient {
	case models.ActorMonitor:
		if scope == "" {
			scope = payloadChain(msg.Payload)
		}
		m, merr := o.monitorFor(scope)
		if merr != nil {
			return o.drop(d, merr.Error()), nil
		}
		out, err = m.Process(ctx, msg.Payload)
	case models.ActorResponse:
		out, err = o.deps.Responder.Process(ctx, msg.Payload)
	case models.ActorOrchestrator:
		out, err = o.process(ctx, msg)
	default:
		return o.drop(d, "unknown recipient"), nil
	}
	if err != nil {
		return d, err
	}
	d.Delivered = true
	d.Result = out
	return d, nil
}

func (o *Orchestrator) drop(d Delivery, reason string) Delivery {
	logger.Warnf("Dropping message for %s: %s", d.Recipient, reason)
	d.Reason = reason
	return d
}

func (o *Orchestrator) process(ctx context.Context, msg models.AgentMessage) (any, error) {
	switch p := msg.Payload.(type) {
	case *models.AlertPayload:
		return nil, o.HandleAlert(ctx, msg)
	case *models.HeartbeatPayload:
		actorID := strings.ToLower(p.Actor)
		return nil, o.mailbox.Do(ctx, func(ctx context.Context) error {
			o.peers[actorID] = time.Now().UTC()
			return nil
		})
	case *models.AnalyzeTask:
		return o.Analyze(ctx, *p)
	case *models.TriggerScanTask:
		return o.TriggerScan(ctx, *p)
	case *models.ResultPayload:
		logger.Debugf("Result from %s (correlation %s): success=%v", msg.From, msg.CorrelationID, p.Success)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: orchestrator cannot handle %s", models.ErrValidation, msg.Payload.Op())
	}
}

func payloadChain(p models.Payload) string {
	switch t := p.(type) {
	case *models.SubscribeTask:
		return t.Chain
	case *models.ScanTask:
		return t.Chain
	case *models.TriggerScanTask:
		return t.Chain
	}
	return ""
}

// Status reports orchestrator health and the known actor ids.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	return actor.Call(ctx, o.mailbox, func(ctx context.Context) (Status, error) {
		actors := make([]string, 0, len(o.monitors)+1)
		for chain := range o.monitors {
			actors = append(actors, models.ActorMonitor+":"+chain)
		}
		sort.Strings(actors)
		actors = append(actors, models.ActorResponse)

		peers := make(map[string]time.Time, len(o.peers))
		for k, v := range o.peers {
			peers[k] = v
		}
		return Status{
			ActorName:       models.ActorOrchestrator,
			Status:          "active",
			Subscribers:     len(o.subscribers),
			Actors:          actors,
			LastHeartbeatAt: o.lastHeartbeat,
			Peers:           peers,
		}, nil
	})
}
