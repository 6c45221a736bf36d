package models

import (
	"time"

	"github.com/google/uuid"
)

// Incident types.
const (
	IncidentReentrancy       = "reentrancy"
	IncidentAccessControl    = "access_control"
	IncidentOverflow         = "overflow"
	IncidentFlashLoan        = "flashloan"
	IncidentOracle           = "oracle_manipulation"
	IncidentDelegateCall     = "delegatecall"
	IncidentSelfDestruct     = "selfdestruct"
	IncidentCriticalVulnRisk = "critical_vulnerability"
)

// Incident actions.
const (
	ActionPaused           = "paused"
	ActionAlreadyMitigated = "already-mitigated"
	ActionPauseFailed      = "pause-failed"
	ActionNotified         = "notified"
)

// Incident is an append-only record of a mitigation decision.
type Incident struct {
	ID              string    `json:"id"`
	SubjectAddress  string    `json:"subject_address"`
	IncidentType    string    `json:"incident_type"`
	Reason          string    `json:"reason"`
	RiskScore       int       `json:"risk_score"`
	Severity        Severity  `json:"severity"`
	DetectedBy      string    `json:"detected_by"`
	Timestamp       time.Time `json:"timestamp"`
	Action          string    `json:"action"`
	ActionHandle    string    `json:"action_handle,omitempty"`
	Resolved        bool      `json:"resolved"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
	ReportReference string    `json:"report_reference,omitempty"`
}

// NewIncidentID returns a unique, time-ordered identifier.
func NewIncidentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
