package vm

import (
	"errors"
	"math"
)

// ---------------------------------------------------------------------------
// Engine: the fetch-decode-dispatch loop
// ---------------------------------------------------------------------------

// RunState is the engine's lifecycle state. Halted and Trapped are terminal.
type RunState uint8

const (
	StateRunning RunState = iota
	StateHalted
	StateTrapped
)

// String returns a human-readable state name.
func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateTrapped:
		return "trapped"
	default:
		return "unknown"
	}
}

// ErrStepLimit is returned by Run when the configured step budget is
// exhausted. The engine is still Running and Run may be called again.
var ErrStepLimit = errors.New("step limit reached")

// Frame is one activation record. The function's fixed-size local region
// lives in byte memory at [Base, Base+FrameSize); the control links live
// here, on the engine's frame stack, which enforces strict nesting.
type Frame struct {
	Func     Func
	ReturnPC uint64 // text offset to resume at after RET
	SavedFP  NzInt
	SavedSP  NzInt
	Base     uint64 // lowest address of the frame's memory region
}

// DefaultStackSize is the stack region size used when the embedder does not
// choose one.
const DefaultStackSize = 64 * 1024

// Engine executes one loaded program. It exclusively owns its register
// file, memory, frame stack and program counter; nothing mutates them from
// outside the dispatch loop.
type Engine struct {
	prog *Program
	mem  *Memory
	regs *RegisterFile

	pc     uint64
	frames []Frame
	itab   map[uint64]Instruction

	state RunState
	halt  uint64
	trap  *Trap

	steps      uint64
	maxSteps   uint64
	stackFloor uint64 // lowest address belonging to the stack region
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	stackSize uint64
	maxSteps  uint64
}

// WithStackSize sets the stack region size in bytes.
func WithStackSize(n uint64) EngineOption {
	return func(c *engineConfig) { c.stackSize = n }
}

// WithMaxSteps bounds the number of instructions a single Run call may
// retire. Zero means no bound.
func WithMaxSteps(n uint64) EngineOption {
	return func(c *engineConfig) { c.maxSteps = n }
}

// NewEngine builds an engine for prog: decodes the instruction side table,
// lays out memory (data region followed by the stack), initializes the
// register file and pushes the entry frame for "main".
func NewEngine(prog *Program, opts ...EngineOption) (*Engine, error) {
	cfg := &engineConfig{stackSize: DefaultStackSize}
	for _, opt := range opts {
		opt(cfg)
	}

	entry, err := prog.EntryFunc()
	if err != nil {
		return nil, err
	}

	instrs, err := DecodeText(prog.Text)
	if err != nil {
		return nil, err
	}
	itab := make(map[uint64]Instruction, len(instrs))
	for _, in := range instrs {
		itab[in.Addr] = in
	}
	if _, ok := itab[entry.Entry]; !ok {
		return nil, NewTrap(TrapBadModule, "entry offset %d is not an instruction boundary", entry.Entry)
	}

	mem, err := NewMemory(prog.Data, cfg.stackSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		prog:       prog,
		mem:        mem,
		regs:       NewRegisterFile(),
		itab:       itab,
		maxSteps:   cfg.maxSteps,
		stackFloor: uint64(len(prog.Data)) + 1,
	}

	// The empty descending stack: SP one past the highest address. TP points
	// at the first data byte, which is address 1 even when data is empty.
	top := int64(mem.Size()) + 1
	e.regs.Set(RegSP, nzint(top))
	e.regs.Set(RegFP, nzint(top))
	e.regs.Set(RegTP, nzint(1))

	if err := e.pushFrame(entry, 0); err != nil {
		return nil, err
	}
	e.pc = entry.Entry
	return e, nil
}

// State returns the engine's lifecycle state.
func (e *Engine) State() RunState { return e.state }

// HaltCode returns the code passed to HALT; valid once State is Halted.
func (e *Engine) HaltCode() uint64 { return e.halt }

// Trap returns the terminating trap; valid once State is Trapped.
func (e *Engine) Trap() *Trap { return e.trap }

// PC returns the current program counter.
func (e *Engine) PC() uint64 { return e.pc }

// Steps returns the number of retired instructions.
func (e *Engine) Steps() uint64 { return e.steps }

// Registers exposes the register file, primarily for embedders and tests.
func (e *Engine) Registers() *RegisterFile { return e.regs }

// Memory exposes the linear memory, primarily for embedders and tests.
func (e *Engine) Memory() *Memory { return e.mem }

// Depth returns the current call depth.
func (e *Engine) Depth() int { return len(e.frames) }

// Run drives the dispatch loop until HALT, a trap, or the step budget.
// On HALT it returns the non-zero halt code; on a trap it returns the *Trap
// as the error.
func (e *Engine) Run() (uint64, error) {
	for e.state == StateRunning {
		if e.maxSteps != 0 && e.steps >= e.maxSteps {
			return 0, ErrStepLimit
		}
		e.step()
	}
	if e.state == StateTrapped {
		return 0, e.trap
	}
	return e.halt, nil
}

// trapAt moves the engine to Trapped, recording where and why.
func (e *Engine) trapAt(kind TrapKind, op Opcode, format string, args ...interface{}) {
	t := NewTrap(kind, format, args...)
	t.PC = e.pc
	t.Op = op
	e.trap = t
	e.state = StateTrapped
}

// trapErr adopts an error produced below the dispatch loop (memory, codec,
// value domain) as the terminating trap.
func (e *Engine) trapErr(err error, op Opcode) {
	var t *Trap
	switch {
	case errors.As(err, &t):
		// keep the kind assigned below
	case errors.Is(err, ErrZeroResult), errors.Is(err, ErrNotANumber):
		// NaN results classify as ZERO_RESULT, uniformly.
		t = NewTrap(TrapZeroResult, "%v", err)
	default:
		t = NewTrap(TrapIllegal, "%v", err)
	}
	if t.PC == 0 {
		t.PC = e.pc
	}
	if t.Op == 0 {
		t.Op = op
	}
	e.trap = t
	e.state = StateTrapped
}

func (e *Engine) pushFrame(f Func, returnPC uint64) error {
	sp := e.regs.Get(RegSP).Int()
	newSP := sp - int64(f.FrameSize)
	if newSP < int64(e.stackFloor) {
		return NewTrap(TrapSegfault, "stack overflow calling %s (frame %d bytes)", f.Name, f.FrameSize)
	}
	e.frames = append(e.frames, Frame{
		Func:     f,
		ReturnPC: returnPC,
		SavedFP:  e.regs.Get(RegFP),
		SavedSP:  e.regs.Get(RegSP),
		Base:     uint64(newSP),
	})
	e.regs.Set(RegSP, nzint(newSP))
	e.regs.Set(RegFP, nzint(newSP))
	return nil
}

// step retires exactly one instruction.
func (e *Engine) step() {
	in, ok := e.itab[e.pc]
	if !ok {
		if e.pc == 0 || e.pc > uint64(len(e.prog.Text)) {
			e.trapAt(TrapSegfault, 0, "pc %d outside text", e.pc)
		} else {
			e.trapAt(TrapIllegal, 0, "pc %d is not an instruction boundary", e.pc)
		}
		return
	}
	e.steps++
	next := e.pc + uint64(in.Size)

	switch in.Op {

	// --- constants and moves ---

	case OpIconst:
		v, err := NewNzInt(int64(in.Imm))
		if err != nil {
			e.trapErr(err, in.Op)
			return
		}
		e.regs.Set(in.Regs[0], v)

	case OpFconst:
		v, err := NewNzFloat(math.Float64frombits(in.Imm))
		if err != nil {
			e.trapErr(err, in.Op)
			return
		}
		e.regs.SetF(in.Regs[0], v)

	case OpMov:
		e.regs.Set(in.Regs[0], e.regs.Get(in.Regs[1]))

	case OpFmov:
		e.regs.SetF(in.Regs[0], e.regs.GetF(in.Regs[1]))

	// --- memory ---

	case OpLoadnz:
		addr, ok := e.effectiveAddr(&in, in.Regs[1])
		if !ok {
			return
		}
		v, err := e.mem.ReadInt64(addr)
		if err != nil {
			e.trapErr(err, in.Op)
			return
		}
		e.regs.Set(in.Regs[0], v)

	case OpFloadnz:
		addr, ok := e.effectiveAddr(&in, in.Regs[1])
		if !ok {
			return
		}
		v, err := e.mem.ReadFloat64(addr)
		if err != nil {
			e.trapErr(err, in.Op)
			return
		}
		e.regs.SetF(in.Regs[0], v)

	case OpStore:
		addr, ok := e.effectiveAddr(&in, in.Regs[0])
		if !ok {
			return
		}
		if err := e.mem.WriteInt64(addr, e.regs.Get(in.Regs[1])); err != nil {
			e.trapErr(err, in.Op)
			return
		}

	case OpFstore:
		addr, ok := e.effectiveAddr(&in, in.Regs[0])
		if !ok {
			return
		}
		if err := e.mem.WriteFloat64(addr, e.regs.GetF(in.Regs[1])); err != nil {
			e.trapErr(err, in.Op)
			return
		}

	case OpNzchk:
		// Unreachable while the register invariant holds.
		if e.regs.Get(in.Regs[0]).Int() == 0 {
			e.trapAt(TrapZeroResult, in.Op, "r%d holds zero", in.Regs[0])
			return
		}

	// --- integer arithmetic ---

	case OpAddnz, OpSubnz, OpMulnz, OpDivnz:
		a := e.regs.Get(in.Regs[1])
		b := e.regs.Get(in.Regs[2])
		var (
			v   NzInt
			err error
		)
		switch in.Op {
		case OpAddnz:
			v, err = a.Add(b)
		case OpSubnz:
			v, err = a.Sub(b)
		case OpMulnz:
			v, err = a.Mul(b)
		case OpDivnz:
			if b.Int() == 0 {
				// Unreachable through the register file; checked anyway.
				e.trapAt(TrapDivZero, in.Op, "division by zero")
				return
			}
			v, err = a.Div(b)
		}
		if err != nil {
			e.trapErr(err, in.Op)
			return
		}
		e.regs.Set(in.Regs[0], v)

	case OpNegnz:
		e.regs.Set(in.Regs[0], e.regs.Get(in.Regs[1]).Neg())

	case OpAbsnz:
		e.regs.Set(in.Regs[0], e.regs.Get(in.Regs[1]).Abs())

	case OpSgn:
		e.regs.Set(in.Regs[0], e.regs.Get(in.Regs[1]).Signum().NzInt())

	// --- float arithmetic ---

	case OpFaddnz, OpFsubnz, OpFmulnz, OpFdivnz:
		a := e.regs.GetF(in.Regs[1])
		b := e.regs.GetF(in.Regs[2])
		var (
			v   NzFloat
			err error
		)
		switch in.Op {
		case OpFaddnz:
			v, err = a.Add(b)
		case OpFsubnz:
			v, err = a.Sub(b)
		case OpFmulnz:
			v, err = a.Mul(b)
		case OpFdivnz:
			v, err = a.Div(b)
		}
		if err != nil {
			e.trapErr(err, in.Op)
			return
		}
		e.regs.SetF(in.Regs[0], v)

	case OpFnegnz:
		e.regs.SetF(in.Regs[0], e.regs.GetF(in.Regs[1]).Neg())

	case OpFabsnz:
		e.regs.SetF(in.Regs[0], e.regs.GetF(in.Regs[1]).Abs())

	case OpFsgn:
		e.regs.SetF(in.Regs[0], e.regs.GetF(in.Regs[1]).Signum().NzFloat())

	// --- comparison ---

	case OpCmp:
		ord := e.regs.Get(in.Regs[0]).Compare(e.regs.Get(in.Regs[1]))
		e.regs.Set(RegResult, ord.NzInt())

	case OpFcmp:
		a := e.regs.GetF(in.Regs[0])
		b := e.regs.GetF(in.Regs[1])
		if math.IsNaN(a.Float()) || math.IsNaN(b.Float()) {
			// A NaN operand is an upstream invariant violation; never
			// produce an ordinal for it.
			e.trapAt(TrapZeroResult, in.Op, "NaN operand")
			return
		}
		ord := a.Compare(b)
		e.regs.Set(RegResult, ord.NzInt())

	// --- branches ---

	case OpBra, OpBeq, OpBne, OpBlt, OpBle, OpBgt, OpBge:
		taken := true
		if in.Op.IsConditionalBranch() {
			ord := Ordinal(e.regs.Get(RegResult).Int())
			if !ord.Valid() {
				e.trapAt(TrapIllegal, in.Op, "r0 holds %d, not an ordinal", e.regs.Get(RegResult).Int())
				return
			}
			taken = in.Op.TakenFor(ord)
		}
		if taken {
			target := in.Target()
			if _, ok := e.itab[target]; !ok {
				if target == 0 || target > uint64(len(e.prog.Text)) {
					e.trapAt(TrapSegfault, in.Op, "branch target %d outside text", target)
				} else {
					e.trapAt(TrapIllegal, in.Op, "branch target %d is not an instruction boundary", target)
				}
				return
			}
			next = target
		}

	// --- calls ---

	case OpCall:
		if in.Imm > math.MaxUint32 {
			e.trapAt(TrapIllegal, in.Op, "function id %d out of range", in.Imm)
			return
		}
		f, ok := e.prog.FuncByID(uint32(in.Imm))
		if !ok {
			e.trapAt(TrapIllegal, in.Op, "unknown function id %d", in.Imm)
			return
		}
		if err := e.pushFrame(f, next); err != nil {
			e.trapErr(err, in.Op)
			return
		}
		next = f.Entry

	case OpRet:
		if len(e.frames) <= 1 {
			e.trapAt(TrapIllegal, in.Op, "return from entry frame")
			return
		}
		f := e.frames[len(e.frames)-1]
		e.frames = e.frames[:len(e.frames)-1]
		e.regs.Set(RegSP, f.SavedSP)
		e.regs.Set(RegFP, f.SavedFP)
		next = f.ReturnPC

	// --- halt ---

	case OpHalt:
		if in.Imm == 0 {
			e.trapAt(TrapIllegal, in.Op, "zero halt code")
			return
		}
		e.state = StateHalted
		e.halt = in.Imm
		return

	default:
		// DecodeText admits only opcodes in the table.
		e.trapAt(TrapIllegal, in.Op, "unhandled opcode")
		return
	}

	e.pc = next
}

// effectiveAddr computes base+displacement for a memory instruction. An
// address below 1 is not constructible by a legal operation, so it traps.
func (e *Engine) effectiveAddr(in *Instruction, baseReg byte) (uint64, bool) {
	addr := e.regs.Get(baseReg).Int() + in.Disp()
	if addr < 1 {
		e.trapAt(TrapSegfault, in.Op, "computed address %d", addr)
		return 0, false
	}
	return uint64(addr), true
}
