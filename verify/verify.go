// Package verify rejects structurally or semantically unsound containers
// before execution. It cannot eliminate runtime traps, only shift whole
// classes of them to load time, where the point of failure is deterministic.
package verify

import (
	"bytes"
	"math"

	"github.com/chazu/zfvm/module"
	"github.com/chazu/zfvm/vm"
)

// Policy selects how the dataflow pass treats a register whose non-zero-ness
// could not be proven.
type Policy uint8

const (
	// Permissive accepts uses of unproven registers; the engine's runtime
	// checks remain the backstop.
	Permissive Policy = iota

	// Strict rejects any use of an unproven register at a site that
	// requires non-zero-ness, shifting all risk to load time.
	Strict
)

// String returns the policy name used in manifests and the cache.
func (p Policy) String() string {
	if p == Strict {
		return "strict"
	}
	return "permissive"
}

// ParsePolicy maps a manifest/CLI string onto a Policy.
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "permissive", "":
		return Permissive, true
	case "strict":
		return Strict, true
	default:
		return Permissive, false
	}
}

// Verify checks a parsed container under the given policy. A nil return
// means the module is accepted for execution.
func Verify(m *module.Module, policy Policy) error {
	p, err := m.Program()
	if err != nil {
		return err
	}
	return VerifyProgram(p, policy)
}

// VerifyProgram runs the structural and dataflow passes over an already
// decoded program.
func VerifyProgram(p *vm.Program, policy Policy) error {
	instrs, boundaries, err := structural(p)
	if err != nil {
		return err
	}
	cfg := buildCFG(p, instrs, boundaries)
	return cfg.analyze(policy)
}

// structural decodes the text section and checks every per-instruction
// constraint that needs no flow reasoning.
func structural(p *vm.Program) ([]vm.Instruction, map[uint64]int, error) {
	if i := bytes.IndexByte(p.Data, 0x00); i >= 0 {
		return nil, nil, vm.NewTrap(vm.TrapBadModule, "zero byte in data region at offset %d", i)
	}

	instrs, err := vm.DecodeText(p.Text)
	if err != nil {
		return nil, nil, err
	}
	boundaries := make(map[uint64]int, len(instrs))
	for i, in := range instrs {
		boundaries[in.Addr] = i
	}

	funcIDs := make(map[uint32]bool, len(p.Funcs))
	for _, f := range p.Funcs {
		funcIDs[f.ID] = true
		if _, ok := boundaries[f.Entry]; !ok {
			return nil, nil, vm.NewTrap(vm.TrapBadModule,
				"function %q: entry %d is not an instruction boundary", f.Name, f.Entry)
		}
	}

	for _, in := range instrs {
		info, _ := in.Op.Info()
		switch info.Imm {
		case vm.ImmInt:
			if in.Imm == 0 {
				return nil, nil, vm.NewTrap(vm.TrapIllegal,
					"%s at %d: zero integer immediate", in.Op, in.Addr)
			}
		case vm.ImmFloat:
			f := math.Float64frombits(in.Imm)
			if f == 0 || math.IsNaN(f) {
				return nil, nil, vm.NewTrap(vm.TrapIllegal,
					"%s at %d: excluded float immediate %v", in.Op, in.Addr, f)
			}
		case vm.ImmCode:
			if in.Imm == 0 {
				return nil, nil, vm.NewTrap(vm.TrapIllegal,
					"%s at %d: zero halt code", in.Op, in.Addr)
			}
		case vm.ImmFunc:
			if in.Imm > math.MaxUint32 || !funcIDs[uint32(in.Imm)] {
				return nil, nil, vm.NewTrap(vm.TrapBadModule,
					"%s at %d: unknown function id %d", in.Op, in.Addr, in.Imm)
			}
		case vm.ImmDisp:
			if in.Op.IsBranch() {
				target := in.Target()
				if target == 0 || target > uint64(len(p.Text)) {
					return nil, nil, vm.NewTrap(vm.TrapBadModule,
						"%s at %d: branch target %d outside text", in.Op, in.Addr, target)
				}
				if _, ok := boundaries[target]; !ok {
					return nil, nil, vm.NewTrap(vm.TrapBadModule,
						"%s at %d: branch target %d is not an instruction boundary", in.Op, in.Addr, target)
				}
			}
		}
	}

	return instrs, boundaries, nil
}
