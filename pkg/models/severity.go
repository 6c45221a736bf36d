package models

// Severity is a fixed risk band.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Score thresholds for each band.
const (
	CriticalScore = 90
	HighScore     = 70
	MediumScore   = 50
)

// SeverityForScore maps a risk score to its band.
func SeverityForScore(score int) Severity {
	switch {
	case score >= CriticalScore:
		return SeverityCritical
	case score >= HighScore:
		return SeverityHigh
	case score >= MediumScore:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ClampScore bounds a score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
