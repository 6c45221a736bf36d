package models

import (
	"encoding/json"
	"time"
)

// EventType names a subscriber stream frame.
type EventType string

const (
	EventIncident         EventType = "incident"
	EventAnalysisComplete EventType = "analysis-complete"
	EventAck              EventType = "ack"
)

// Event is one frame pushed to stream subscribers.
type Event struct {
	Type          EventType       `json:"type"`
	At            time.Time       `json:"at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with a JSON encoded body.
func NewEvent(typ EventType, data any) (Event, error) {
	evt := Event{Type: typ, At: time.Now().UTC()}
	if data == nil {
		return evt, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	evt.Data = raw
	return evt, nil
}

// AnalysisComplete is the body of an analysis-complete event.
type AnalysisComplete struct {
	SubjectID   string   `json:"subject_id"`
	Chain       string   `json:"chain,omitempty"`
	RiskScore   int      `json:"risk_score"`
	Severity    Severity `json:"severity"`
	Threats     []Threat `json:"threats,omitempty"`
	ActionTaken string   `json:"action_taken"`
}

// Threat is one finding from threat assessment.
type Threat struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
}
