// Package threatintel assesses decompiled contracts for known threat classes.
package threatintel

import (
	"context"
	"sort"

	"codeguard/internal/analyzer"
	"codeguard/internal/risk"
	"codeguard/pkg/models"
)

// Request is the input to an assessment.
type Request struct {
	SubjectID     string                  `json:"subject_id"`
	Chain         string                  `json:"chain"`
	Decompilation *analyzer.Decompilation `json:"decompilation"`
}

// Assessment is the threat verdict for one subject.
type Assessment struct {
	RiskScore     int             `json:"risk_score"`
	Threats       []models.Threat `json:"threats,omitempty"`
	PrimaryThreat string          `json:"primary_threat,omitempty"`
}

// Assessor produces assessments.
type Assessor interface {
	Assess(ctx context.Context, req Request) (*Assessment, error)
}

// LocalAssessor derives threats from the decompilation and scores them with the risk model.
type LocalAssessor struct {
	model risk.Model
}

// NewLocalAssessor creates an in-process assessor.
func NewLocalAssessor(model risk.Model) *LocalAssessor {
	return &LocalAssessor{model: model}
}

// Assess implements Assessor.
func (l *LocalAssessor) Assess(ctx context.Context, req Request) (*Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := req.Decompilation
	if d == nil || !d.IsContract {
		return &Assessment{}, nil
	}

	var threats []models.Threat
	seen := map[string]bool{}
	add := func(th models.Threat) {
		if seen[th.Type] {
			return
		}
		seen[th.Type] = true
		threats = append(threats, th)
	}
	if d.HasSelfDestruct {
		add(models.Threat{Type: models.IncidentSelfDestruct, Severity: models.SeverityCritical, Description: "Contract can self-destruct", Confidence: 0.9})
	}
	if d.HasDelegateCall {
		add(models.Threat{Type: models.IncidentDelegateCall, Severity: models.SeverityHigh, Description: "Unrestricted DELEGATECALL target", Confidence: 0.6})
	}
	for _, p := range d.Patterns {
		if p.Source == "opcode" {
			continue
		}
		add(models.Threat{Type: p.ID, Severity: models.Severity(p.Severity), Description: p.Name, Confidence: 0.5})
	}

	sort.SliceStable(threats, func(i, j int) bool {
		return severityRank(threats[i].Severity) > severityRank(threats[j].Severity)
	})

	findings := make([]risk.Finding, 0, len(threats))
	for _, th := range threats {
		findings = append(findings, risk.Finding{Type: th.Type, Severity: th.Severity})
	}
	verdict := l.model.Score(risk.Signals{Findings: findings})

	out := &Assessment{RiskScore: verdict.RiskScore, Threats: threats}
	if len(threats) > 0 {
		out.PrimaryThreat = threats[0].Description
	}
	return out, nil
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 1
	default:
		return 0
	}
}
