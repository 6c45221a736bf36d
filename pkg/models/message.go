package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an AgentMessage.
type Kind string

const (
	KindTask      Kind = "task"
	KindResult    Kind = "result"
	KindAlert     Kind = "alert"
	KindHeartbeat Kind = "heartbeat"
)

// Op names a payload variant.
type Op string

const (
	OpSubscribe      Op = "subscribe"
	OpScan           Op = "scan"
	OpAnalyze        Op = "analyze"
	OpTriggerScan    Op = "trigger-scan"
	OpEmergencyPause Op = "emergency-pause"
	OpExecute        Op = "execute"
	OpAlert          Op = "alert"
	OpHeartbeat      Op = "heartbeat"
	OpResult         Op = "result"
)

// Actor names used in From/To.
const (
	ActorMonitor      = "monitor"
	ActorOrchestrator = "orchestrator"
	ActorResponse     = "response"
)

// Payload is one variant of the AgentMessage payload union.
type Payload interface {
	Op() Op
	Validate() error
}

// SubscribeTask registers a subject with a monitor.
type SubscribeTask struct {
	SubjectID string `json:"subject_id"`
	Name      string `json:"name,omitempty"`
	Chain     string `json:"chain,omitempty"`
}

// ScanTask requests an immediate scan.
type ScanTask struct {
	SubjectID string `json:"subject_id"`
	Chain     string `json:"chain,omitempty"`
}

// AnalyzeTask requests the deep-analysis pipeline.
type AnalyzeTask struct {
	SubjectID string `json:"subject_id"`
	Chain     string `json:"chain,omitempty"`
}

// TriggerScanTask asks the orchestrator to forward a scan.
type TriggerScanTask struct {
	SubjectID string `json:"subject_id"`
	Chain     string `json:"chain,omitempty"`
}

// EmergencyPauseTask requests mitigation for a subject.
type EmergencyPauseTask struct {
	SubjectID string            `json:"subject_id"`
	RiskScore int               `json:"risk_score"`
	Reason    string            `json:"reason"`
	Details   map[string]string `json:"details,omitempty"`
}

// ExecuteTask is the generic response action request.
type ExecuteTask struct {
	Action    string `json:"action"`
	SubjectID string `json:"subject_id,omitempty"`
	RiskScore int    `json:"risk_score,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// AlertPayload is raised by a monitor when a scan crosses the warning threshold.
type AlertPayload struct {
	SubjectID string    `json:"subject_id"`
	Chain     string    `json:"chain,omitempty"`
	RiskScore int       `json:"risk_score"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatPayload reports actor liveness.
type HeartbeatPayload struct {
	Actor  string `json:"actor"`
	Status string `json:"status"`
}

// ResultPayload answers a task.
type ResultPayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (*SubscribeTask) Op() Op      { return OpSubscribe }
func (*ScanTask) Op() Op           { return OpScan }
func (*AnalyzeTask) Op() Op        { return OpAnalyze }
func (*TriggerScanTask) Op() Op    { return OpTriggerScan }
func (*EmergencyPauseTask) Op() Op { return OpEmergencyPause }
func (*ExecuteTask) Op() Op        { return OpExecute }
func (*AlertPayload) Op() Op       { return OpAlert }
func (*HeartbeatPayload) Op() Op   { return OpHeartbeat }
func (*ResultPayload) Op() Op      { return OpResult }

func (p *SubscribeTask) Validate() error {
	addr, err := NormalizeAddress(p.SubjectID)
	if err != nil {
		return err
	}
	p.SubjectID = addr
	return nil
}

func (p *ScanTask) Validate() error {
	addr, err := NormalizeAddress(p.SubjectID)
	if err != nil {
		return err
	}
	p.SubjectID = addr
	return nil
}

func (p *AnalyzeTask) Validate() error {
	addr, err := NormalizeAddress(p.SubjectID)
	if err != nil {
		return err
	}
	p.SubjectID = addr
	return nil
}

func (p *TriggerScanTask) Validate() error {
	addr, err := NormalizeAddress(p.SubjectID)
	if err != nil {
		return err
	}
	p.SubjectID = addr
	return nil
}

func (p *EmergencyPauseTask) Validate() error {
	addr, err := NormalizeAddress(p.SubjectID)
	if err != nil {
		return err
	}
	p.SubjectID = addr
	if p.RiskScore < 0 || p.RiskScore > 100 {
		return fmt.Errorf("%w: risk score %d out of range", ErrValidation, p.RiskScore)
	}
	if strings.TrimSpace(p.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrValidation)
	}
	return nil
}

func (p *ExecuteTask) Validate() error {
	if strings.TrimSpace(p.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrValidation)
	}
	if p.SubjectID != "" {
		addr, err := NormalizeAddress(p.SubjectID)
		if err != nil {
			return err
		}
		p.SubjectID = addr
	}
	if p.RiskScore < 0 || p.RiskScore > 100 {
		return fmt.Errorf("%w: risk score %d out of range", ErrValidation, p.RiskScore)
	}
	return nil
}

func (p *AlertPayload) Validate() error {
	addr, err := NormalizeAddress(p.SubjectID)
	if err != nil {
		return err
	}
	p.SubjectID = addr
	if p.RiskScore < 0 || p.RiskScore > 100 {
		return fmt.Errorf("%w: risk score %d out of range", ErrValidation, p.RiskScore)
	}
	return nil
}

func (p *HeartbeatPayload) Validate() error {
	if strings.TrimSpace(p.Actor) == "" {
		return fmt.Errorf("%w: heartbeat actor is required", ErrValidation)
	}
	return nil
}

func (p *ResultPayload) Validate() error { return nil }

// AgentMessage is the envelope exchanged between actors.
type AgentMessage struct {
	ID            string    `json:"id,omitempty"`
	Kind          Kind      `json:"type"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Payload       Payload   `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type wireMessage struct {
	ID            string          `json:"id,omitempty"`
	Kind          Kind            `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewMessage builds an envelope stamped with the current time.
func NewMessage(kind Kind, from, to string, payload Payload) AgentMessage {
	return AgentMessage{
		Kind:      kind,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// MarshalJSON encodes the payload variant with its op discriminator.
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if m.Payload != nil {
		body, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		op, _ := json.Marshal(m.Payload.Op())
		fields["op"] = op
		raw, err = json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return json.Marshal(wireMessage{
		ID:            m.ID,
		Kind:          m.Kind,
		From:          m.From,
		To:            m.To,
		Payload:       raw,
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
	})
}

// UnmarshalJSON decodes the envelope and its payload variant.
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: decode message: %v", ErrValidation, err)
	}
	*m = AgentMessage{
		ID:            w.ID,
		Kind:          w.Kind,
		From:          w.From,
		To:            w.To,
		Timestamp:     w.Timestamp,
		CorrelationID: w.CorrelationID,
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(w.Payload)
	if err != nil {
		return err
	}
	m.Payload = p
	return nil
}

// DecodePayload selects the payload variant by its op field.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var head struct {
		Op Op `json:"op"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrValidation, err)
	}
	var p Payload
	switch head.Op {
	case OpSubscribe:
		p = &SubscribeTask{}
	case OpScan:
		p = &ScanTask{}
	case OpAnalyze:
		p = &AnalyzeTask{}
	case OpTriggerScan:
		p = &TriggerScanTask{}
	case OpEmergencyPause:
		p = &EmergencyPauseTask{}
	case OpExecute:
		p = &ExecuteTask{}
	case OpAlert:
		p = &AlertPayload{}
	case OpHeartbeat:
		p = &HeartbeatPayload{}
	case OpResult:
		p = &ResultPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown payload op %q", ErrValidation, head.Op)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrValidation, head.Op, err)
	}
	return p, nil
}

// Validate checks the envelope, the kind/op pairing and the payload itself.
func (m *AgentMessage) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: message recipient is required", ErrValidation)
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: message payload is required", ErrValidation)
	}
	op := m.Payload.Op()
	switch m.Kind {
	case KindAlert:
		if op != OpAlert {
			return fmt.Errorf("%w: alert message carries %s payload", ErrValidation, op)
		}
	case KindHeartbeat:
		if op != OpHeartbeat {
			return fmt.Errorf("%w: heartbeat message carries %s payload", ErrValidation, op)
		}
	case KindResult:
		if op != OpResult {
			return fmt.Errorf("%w: result message carries %s payload", ErrValidation, op)
		}
	case KindTask:
		if op == OpAlert || op == OpHeartbeat || op == OpResult {
			return fmt.Errorf("%w: task message carries %s payload", ErrValidation, op)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, m.Kind)
	}
	return m.Payload.Validate()
}

// Recipient splits a To address such as "monitor:base" into actor and scope.
func Recipient(to string) (string, string) {
	to = strings.ToLower(strings.TrimSpace(to))
	actor, scope, _ := strings.Cut(to, ":")
	return actor, scope
}
