// Package risk turns transaction and analysis signals into a bounded risk score.
package risk

import (
	"fmt"
	"math/big"

	"codeguard/internal/rules"
	"codeguard/pkg/models"
)

// AnomalyThreshold is the score above which a verdict is anomalous.
const AnomalyThreshold = 30

var oneEther = big.NewInt(1_000_000_000_000_000_000)

// Weights configures the fixed signal contributions.
type Weights struct {
	LargeValue    int
	LargeValueWei *big.Int
	HighGas       int
	HighGasLimit  uint64
}

// DefaultWeights matches the production scoring table.
func DefaultWeights() Weights {
	return Weights{
		LargeValue:    20,
		LargeValueWei: oneEther,
		HighGas:       15,
		HighGasLimit:  5_000_000,
	}
}

// Finding is a vulnerability finding from analysis.
type Finding struct {
	Type     string
	Severity models.Severity
}

// Signals is the input to Score.
type Signals struct {
	ValueWei *big.Int
	GasLimit uint64
	Patterns []models.PatternTag
	Findings []Finding
}

// Model is a deterministic, stateless scorer.
type Model struct {
	weights Weights
}

// NewModel builds a model, filling zero weights from the defaults.
func NewModel(w Weights) Model {
	def := DefaultWeights()
	if w.LargeValue <= 0 {
		w.LargeValue = def.LargeValue
	}
	if w.LargeValueWei == nil || w.LargeValueWei.Sign() <= 0 {
		w.LargeValueWei = def.LargeValueWei
	}
	if w.HighGas <= 0 {
		w.HighGas = def.HighGas
	}
	if w.HighGasLimit == 0 {
		w.HighGasLimit = def.HighGasLimit
	}
	return Model{weights: w}
}

// Score combines signals into an analysis. The result depends only on s.
func (m Model) Score(s Signals) models.Analysis {
	w := m.weights
	if w.LargeValueWei == nil {
		w = DefaultWeights()
	}

	total := 0
	var reasons []string

	if s.ValueWei != nil && s.ValueWei.Cmp(w.LargeValueWei) > 0 {
		total += w.LargeValue
		reasons = append(reasons, "Large value transfer")
	}
	for _, p := range s.Patterns {
		if p.Weight <= 0 {
			continue
		}
		total += p.Weight
		reasons = append(reasons, p.Name)
	}
	if s.GasLimit > w.HighGasLimit {
		total += w.HighGas
		reasons = append(reasons, "Unusually high gas limit")
	}
	for _, f := range s.Findings {
		weight := rules.SeverityWeight(string(f.Severity))
		if weight <= 0 {
			continue
		}
		total += weight
		reasons = append(reasons, fmt.Sprintf("%s finding (%s)", f.Type, f.Severity))
	}

	score := models.ClampScore(total)
	return models.Analysis{
		Anomalous: score > AnomalyThreshold,
		RiskScore: score,
		Reasons:   reasons,
		Patterns:  s.Patterns,
	}
}

// Band returns the severity band of a score.
func Band(score int) models.Severity {
	return models.SeverityForScore(score)
}

// TransactionSignals extracts signals from one transaction using the detector engine.
func TransactionSignals(subject string, tx models.Transaction, engine rules.Engine) Signals {
	s := Signals{ValueWei: tx.Value, GasLimit: tx.GasLimit}
	if engine != nil && len(tx.Data) > 0 {
		s.Patterns = engine.Apply(&rules.Features{
			Subject:  subject,
			Source:   rules.SourceTransaction,
			Code:     tx.Data,
			From:     tx.From,
			To:       tx.To,
			ValueWei: tx.Value,
			GasLimit: tx.GasLimit,
		})
	}
	return s
}
