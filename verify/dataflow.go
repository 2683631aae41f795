package verify

import (
	"github.com/chazu/zfvm/vm"
)

// ---------------------------------------------------------------------------
// Abstract interpretation over the control-flow graph
// ---------------------------------------------------------------------------

// status is the per-register lattice: Unknown < NonZero. Meet is minimum.
type status uint8

const (
	unknown status = iota
	nonZero
)

// absState is the abstract register file at one program point. Integer and
// float banks are tracked independently.
type absState struct {
	ints   [vm.NumRegisters]status
	floats [vm.NumRegisters]status
}

func entryState() absState {
	var s absState
	// The engine itself initializes the reserved registers before the
	// first instruction runs; everything else is unproven.
	s.ints[vm.RegSP] = nonZero
	s.ints[vm.RegFP] = nonZero
	s.ints[vm.RegTP] = nonZero
	return s
}

// meet lowers a toward b pointwise and reports whether a changed.
func (a *absState) meet(b *absState) bool {
	changed := false
	for i := range a.ints {
		if b.ints[i] < a.ints[i] {
			a.ints[i] = b.ints[i]
			changed = true
		}
		if b.floats[i] < a.floats[i] {
			a.floats[i] = b.floats[i]
			changed = true
		}
	}
	return changed
}

// block is one basic block, addressed by index in the cfg's arena. Edges are
// index lists, not pointers.
type block struct {
	start, end   int // instruction index range [start, end)
	succs, preds []int
}

type cfg struct {
	prog   *vm.Program
	instrs []vm.Instruction
	blocks []block

	// in[i] is the meet-over-predecessors state at blocks[i] entry;
	// reached[i] marks blocks the worklist has seen.
	in      []absState
	reached []bool

	// entryBlocks holds each function's entry block index.
	entryBlocks []int
}

// buildCFG partitions the instruction sequence into basic blocks. Leaders
// are function entries, branch targets and the instructions following any
// branch or terminator.
func buildCFG(p *vm.Program, instrs []vm.Instruction, boundaries map[uint64]int) *cfg {
	leaders := make(map[int]bool)
	if len(instrs) > 0 {
		leaders[0] = true
	}
	for _, f := range p.Funcs {
		leaders[boundaries[f.Entry]] = true
	}
	for i, in := range instrs {
		if in.Op.IsBranch() {
			leaders[boundaries[in.Target()]] = true
		}
		if (in.Op.IsBranch() || in.Op.Terminates()) && i+1 < len(instrs) {
			leaders[i+1] = true
		}
	}

	c := &cfg{prog: p, instrs: instrs}
	blockAt := make(map[int]int) // leader instruction index -> block index
	start := 0
	for i := range instrs {
		if i > start && leaders[i] {
			blockAt[start] = len(c.blocks)
			c.blocks = append(c.blocks, block{start: start, end: i})
			start = i
		}
	}
	if len(instrs) > 0 {
		blockAt[start] = len(c.blocks)
		c.blocks = append(c.blocks, block{start: start, end: len(instrs)})
	}

	for bi := range c.blocks {
		b := &c.blocks[bi]
		last := c.instrs[b.end-1]
		link := func(target int) {
			b.succs = append(b.succs, target)
			c.blocks[target].preds = append(c.blocks[target].preds, bi)
		}
		if last.Op.IsBranch() {
			link(blockAt[boundaries[last.Target()]])
		}
		if !last.Op.Terminates() && b.end < len(instrs) {
			link(blockAt[b.end])
		}
	}

	c.in = make([]absState, len(c.blocks))
	c.reached = make([]bool, len(c.blocks))

	// Map function entries back to block indices for seeding.
	for _, f := range p.Funcs {
		c.entryBlocks = append(c.entryBlocks, blockAt[boundaries[f.Entry]])
	}
	return c
}

// analyze runs the worklist fixed point, then (under Strict) re-walks every
// reached block with its final entry state looking for unproven uses. The
// lattice has height 2 per register, so the fixed point is quick.
func (c *cfg) analyze(policy Policy) error {
	var work []int
	seed := entryState()
	for _, bi := range c.entryBlocks {
		if !c.reached[bi] {
			c.in[bi] = seed
			c.reached[bi] = true
			work = append(work, bi)
		} else {
			c.in[bi].meet(&seed)
		}
	}

	for len(work) > 0 {
		bi := work[len(work)-1]
		work = work[:len(work)-1]

		out := c.in[bi]
		b := &c.blocks[bi]
		for i := b.start; i < b.end; i++ {
			transfer(&out, &c.instrs[i])
		}
		for _, si := range b.succs {
			if !c.reached[si] {
				c.in[si] = out
				c.reached[si] = true
				work = append(work, si)
			} else if c.in[si].meet(&out) {
				work = append(work, si)
			}
		}
	}

	if policy != Strict {
		return nil
	}
	for bi := range c.blocks {
		if !c.reached[bi] {
			continue
		}
		st := c.in[bi]
		b := &c.blocks[bi]
		for i := b.start; i < b.end; i++ {
			if err := checkUses(&st, &c.instrs[i]); err != nil {
				return err
			}
			transfer(&st, &c.instrs[i])
		}
	}
	return nil
}

// transfer applies one instruction's effect to the abstract state.
func transfer(s *absState, in *vm.Instruction) {
	switch in.Op {
	case vm.OpIconst, vm.OpNzchk:
		s.ints[in.Regs[0]] = nonZero
	case vm.OpFconst:
		s.floats[in.Regs[0]] = nonZero
	case vm.OpMov:
		s.ints[in.Regs[0]] = s.ints[in.Regs[1]]
	case vm.OpFmov:
		s.floats[in.Regs[0]] = s.floats[in.Regs[1]]
	case vm.OpLoadnz, vm.OpAddnz, vm.OpSubnz, vm.OpMulnz, vm.OpDivnz,
		vm.OpNegnz, vm.OpAbsnz, vm.OpSgn:
		s.ints[in.Regs[0]] = nonZero
	case vm.OpFloadnz, vm.OpFaddnz, vm.OpFsubnz, vm.OpFmulnz, vm.OpFdivnz,
		vm.OpFnegnz, vm.OpFabsnz, vm.OpFsgn:
		s.floats[in.Regs[0]] = nonZero
	case vm.OpCmp, vm.OpFcmp:
		// The ordinal is one of {1,2,3}.
		s.ints[vm.RegResult] = nonZero
	case vm.OpCall:
		// Caller-saved registers come back unproven; the results are
		// non-zero by the callee's own invariants. Callee-saved
		// registers and the reserved three survive.
		s.ints[vm.RegResult] = nonZero
		s.floats[vm.RegResult] = nonZero
		for r := vm.RegArg0; r <= vm.RegArgN; r++ {
			s.ints[r] = unknown
			s.floats[r] = unknown
		}
	case vm.OpStore, vm.OpFstore, vm.OpBra, vm.OpBeq, vm.OpBne,
		vm.OpBlt, vm.OpBle, vm.OpBgt, vm.OpBge, vm.OpRet, vm.OpHalt:
		// No register effects.
	}
}

// checkUses enforces the Strict policy: every register read at a site that
// requires non-zero-ness must be proven.
func checkUses(s *absState, in *vm.Instruction) error {
	needInt := func(r byte) error {
		if s.ints[r] != nonZero {
			return vm.NewTrap(vm.TrapBadModule,
				"%s at %d: r%d not provably non-zero", in.Op, in.Addr, r)
		}
		return nil
	}
	needFloat := func(r byte) error {
		if s.floats[r] != nonZero {
			return vm.NewTrap(vm.TrapBadModule,
				"%s at %d: f%d not provably non-zero", in.Op, in.Addr, r)
		}
		return nil
	}
	both := func(errs ...error) error {
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	}

	switch in.Op {
	case vm.OpAddnz, vm.OpSubnz, vm.OpMulnz, vm.OpDivnz:
		return both(needInt(in.Regs[1]), needInt(in.Regs[2]))
	case vm.OpNegnz, vm.OpAbsnz, vm.OpSgn:
		return needInt(in.Regs[1])
	case vm.OpFaddnz, vm.OpFsubnz, vm.OpFmulnz, vm.OpFdivnz:
		return both(needFloat(in.Regs[1]), needFloat(in.Regs[2]))
	case vm.OpFnegnz, vm.OpFabsnz, vm.OpFsgn:
		return needFloat(in.Regs[1])
	case vm.OpCmp:
		return both(needInt(in.Regs[0]), needInt(in.Regs[1]))
	case vm.OpFcmp:
		return both(needFloat(in.Regs[0]), needFloat(in.Regs[1]))
	case vm.OpLoadnz, vm.OpFloadnz:
		return needInt(in.Regs[1]) // base address
	case vm.OpStore:
		return both(needInt(in.Regs[0]), needInt(in.Regs[1]))
	case vm.OpFstore:
		return both(needInt(in.Regs[0]), needFloat(in.Regs[1]))
	case vm.OpBeq, vm.OpBne, vm.OpBlt, vm.OpBle, vm.OpBgt, vm.OpBge:
		return needInt(vm.RegResult) // the tested ordinal
	}
	// NZCHK deliberately accepts an unproven register: it exists to
	// establish the proof.
	return nil
}
