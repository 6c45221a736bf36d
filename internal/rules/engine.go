package rules

import (
	"math/big"
	"strings"

	"codeguard/pkg/models"
)

// Feature sources.
const (
	SourceTransaction = "transaction"
	SourceBytecode    = "bytecode"
)

// Features is the detector input for one payload.
type Features struct {
	Subject  string
	Source   string
	Code     []byte
	From     string
	To       string
	ValueWei *big.Int
	GasLimit uint64
}

// Engine applies pattern detectors to a payload.
type Engine interface {
	Apply(f *Features) []models.PatternTag
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(f *Features) []models.PatternTag {
	return nil
}

// Chain runs several engines and concatenates their tags, dropping duplicate IDs.
type Chain []Engine

// Apply runs every engine in order.
func (c Chain) Apply(f *Features) []models.PatternTag {
	var out []models.PatternTag
	seen := make(map[string]struct{})
	for _, e := range c {
		if e == nil {
			continue
		}
		for _, tag := range e.Apply(f) {
			if _, ok := seen[tag.ID]; ok {
				continue
			}
			seen[tag.ID] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// SeverityWeight converts a detector level to a score contribution.
func SeverityWeight(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return 50
	case "high":
		return 30
	case "medium":
		return 15
	case "low":
		return 5
	default:
		return 0
	}
}
