package rules

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/core/vm"
)

// Instruction is one decoded EVM instruction.
type Instruction struct {
	PC   int
	Op   vm.OpCode
	Data []byte
}

// Disassemble walks code as an instruction stream, skipping PUSH immediates.
// A truncated trailing PUSH keeps whatever immediate bytes remain.
func Disassemble(code []byte) []Instruction {
	out := make([]Instruction, 0, len(code)/2)
	for pc := 0; pc < len(code); {
		op := vm.OpCode(code[pc])
		ins := Instruction{PC: pc, Op: op}
		pc++
		if n := pushSize(op); n > 0 {
			end := pc + n
			if end > len(code) {
				end = len(code)
			}
			ins.Data = code[pc:end]
			pc = end
		}
		out = append(out, ins)
	}
	return out
}

// Selectors returns the distinct PUSH4 immediates in code order, capped at limit.
func Selectors(code []byte, limit int) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, ins := range Disassemble(code) {
		if ins.Op != vm.PUSH4 || len(ins.Data) != 4 {
			continue
		}
		sel := "0x" + hex.EncodeToString(ins.Data)
		if _, ok := seen[sel]; ok {
			continue
		}
		seen[sel] = struct{}{}
		out = append(out, sel)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func pushSize(op vm.OpCode) int {
	if op >= vm.PUSH1 && op <= vm.PUSH32 {
		return int(op-vm.PUSH1) + 1
	}
	return 0
}
