package rules

import (
	"github.com/ethereum/go-ethereum/core/vm"

	"codeguard/pkg/models"
)

// OpcodePattern flags one opcode when it is executed by the payload.
type OpcodePattern struct {
	Op       vm.OpCode
	ID       string
	Name     string
	Severity string
	Weight   int
}

// DefaultOpcodePatterns are the built-in opcode detectors.
var DefaultOpcodePatterns = []OpcodePattern{
	{Op: vm.DELEGATECALL, ID: "evm.delegatecall", Name: "DELEGATECALL usage detected", Severity: "high", Weight: 30},
	{Op: vm.CALLCODE, ID: "evm.callcode", Name: "CALLCODE usage detected", Severity: "high", Weight: 40},
	{Op: vm.SELFDESTRUCT, ID: "evm.selfdestruct", Name: "SELFDESTRUCT capability detected", Severity: "critical", Weight: 50},
	{Op: vm.STATICCALL, ID: "evm.staticcall", Name: "STATICCALL usage detected", Severity: "low", Weight: 0},
}

// OpcodeEngine tags payloads that contain configured opcodes outside PUSH data.
type OpcodeEngine struct {
	patterns map[vm.OpCode]OpcodePattern
	order    []vm.OpCode
}

// NewOpcodeEngine builds an engine over the given patterns, or the defaults when empty.
func NewOpcodeEngine(patterns []OpcodePattern) *OpcodeEngine {
	if len(patterns) == 0 {
		patterns = DefaultOpcodePatterns
	}
	e := &OpcodeEngine{patterns: make(map[vm.OpCode]OpcodePattern, len(patterns))}
	for _, p := range patterns {
		if _, ok := e.patterns[p.Op]; !ok {
			e.order = append(e.order, p.Op)
		}
		e.patterns[p.Op] = p
	}
	return e
}

// Apply returns one tag per matched pattern, in pattern order.
func (e *OpcodeEngine) Apply(f *Features) []models.PatternTag {
	if e == nil || f == nil || len(f.Code) == 0 {
		return nil
	}
	hit := make(map[vm.OpCode]bool, len(e.patterns))
	for _, ins := range Disassemble(f.Code) {
		if _, ok := e.patterns[ins.Op]; ok {
			hit[ins.Op] = true
		}
	}
	var out []models.PatternTag
	for _, op := range e.order {
		if !hit[op] {
			continue
		}
		p := e.patterns[op]
		out = append(out, models.PatternTag{
			ID:       p.ID,
			Name:     p.Name,
			Severity: p.Severity,
			Weight:   p.Weight,
			Source:   "opcode",
		})
	}
	return out
}
