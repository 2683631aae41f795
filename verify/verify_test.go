package verify

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/zfvm/module"
	"github.com/chazu/zfvm/vm"
)

func ins(op vm.Opcode, regs [3]byte, imm uint64) vm.Instruction {
	info, _ := op.Info()
	in := vm.Instruction{Op: op, Regs: regs, Imm: imm}
	if info.Imm != vm.ImmNone {
		in.Flags = 0x01
	}
	return in
}

func text(instrs ...vm.Instruction) []byte {
	var out []byte
	for _, in := range instrs {
		out = vm.AppendInstruction(out, in)
	}
	return out
}

func mainProg(t []byte) *vm.Program {
	return &vm.Program{
		Text:  t,
		Funcs: []vm.Func{{ID: 1, Name: "main", Entry: 1, FrameSize: 16}},
		Entry: 1,
	}
}

func wantKind(t *testing.T, err error, kind vm.TrapKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	var trap *vm.Trap
	if !errors.As(err, &trap) || trap.Kind != kind {
		t.Fatalf("err = %v, want %v", err, kind)
	}
}

func iconst(r byte, v int64) vm.Instruction {
	return ins(vm.OpIconst, [3]byte{r}, uint64(v))
}

func halt(code uint64) vm.Instruction {
	return ins(vm.OpHalt, [3]byte{}, code)
}

// ---------------------------------------------------------------------------
// Structural pass
// ---------------------------------------------------------------------------

func TestStructuralAccepts(t *testing.T) {
	p := mainProg(text(
		iconst(1, 3),
		iconst(2, 4),
		ins(vm.OpAddnz, [3]byte{3, 1, 2}, 0),
		halt(1),
	))
	for _, policy := range []Policy{Permissive, Strict} {
		if err := VerifyProgram(p, policy); err != nil {
			t.Errorf("%v: %v", policy, err)
		}
	}
}

func TestStructuralRejections(t *testing.T) {
	tests := []struct {
		name string
		text []byte
		kind vm.TrapKind
	}{
		{"zero iconst", text(iconst(1, 0), halt(1)), vm.TrapIllegal},
		{"zero fconst", text(ins(vm.OpFconst, [3]byte{1}, math.Float64bits(0)), halt(1)), vm.TrapIllegal},
		{"negative zero fconst", text(ins(vm.OpFconst, [3]byte{1}, math.Float64bits(math.Copysign(0, -1))), halt(1)), vm.TrapIllegal},
		{"nan fconst", text(ins(vm.OpFconst, [3]byte{1}, math.Float64bits(math.NaN())), halt(1)), vm.TrapIllegal},
		{"zero halt code", text(halt(0)), vm.TrapIllegal},
		{"misaligned branch", text(ins(vm.OpBra, [3]byte{}, 3), halt(1)), vm.TrapBadModule},
		{"branch outside text", text(ins(vm.OpBra, [3]byte{}, 4096), halt(1)), vm.TrapBadModule},
		{"unknown call target", text(ins(vm.OpCall, [3]byte{}, 42), halt(1)), vm.TrapBadModule},
		{"truncated stream", append(text(halt(1)), byte(vm.OpRet)), vm.TrapIllegal},
	}
	for _, tt := range tests {
		err := VerifyProgram(mainProg(tt.text), Permissive)
		if err == nil {
			t.Errorf("%s: accepted", tt.name)
			continue
		}
		var trap *vm.Trap
		if !errors.As(err, &trap) || trap.Kind != tt.kind {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.kind)
		}
	}
}

func TestStructuralRejectsZeroDataByte(t *testing.T) {
	p := mainProg(text(halt(1)))
	p.Data = []byte{0x07, 0x00}
	wantKind(t, VerifyProgram(p, Permissive), vm.TrapBadModule)
}

func TestStructuralEntryBoundary(t *testing.T) {
	p := mainProg(text(iconst(1, 1), halt(1)))
	p.Funcs[0].Entry = 2
	wantKind(t, VerifyProgram(p, Permissive), vm.TrapBadModule)
}

func TestVerifyModuleWithoutMain(t *testing.T) {
	b := module.NewBuilder()
	b.SetText(text(halt(1)))
	b.AddFunc("helper", 1, 16)
	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	m, err := module.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wantKind(t, Verify(m, Permissive), vm.TrapNoEntry)
}

// ---------------------------------------------------------------------------
// Dataflow pass
// ---------------------------------------------------------------------------

// The two policies must agree whenever every use site is proven, and differ
// only when some use site is Unknown.
func TestPoliciesAgreeOnProvenModule(t *testing.T) {
	p := mainProg(text(
		iconst(1, 2),                      // @1
		iconst(2, 3),                      // @15
		ins(vm.OpCmp, [3]byte{1, 2}, 0),   // @29
		ins(vm.OpBlt, [3]byte{}, 28),      // @35 -> @63
		halt(2),                           // @49
		halt(1),                           // @63
	))
	if err := VerifyProgram(p, Permissive); err != nil {
		t.Errorf("permissive: %v", err)
	}
	if err := VerifyProgram(p, Strict); err != nil {
		t.Errorf("strict: %v", err)
	}
}

func TestPoliciesDifferOnUnknownUse(t *testing.T) {
	// r4 and r5 are never defined.
	p := mainProg(text(
		ins(vm.OpAddnz, [3]byte{3, 4, 5}, 0),
		halt(1),
	))
	if err := VerifyProgram(p, Permissive); err != nil {
		t.Errorf("permissive: %v", err)
	}
	wantKind(t, VerifyProgram(p, Strict), vm.TrapBadModule)
}

func TestNzchkEstablishesProof(t *testing.T) {
	p := mainProg(text(
		ins(vm.OpNzchk, [3]byte{4}, 0),
		ins(vm.OpNzchk, [3]byte{5}, 0),
		ins(vm.OpAddnz, [3]byte{3, 4, 5}, 0),
		halt(1),
	))
	if err := VerifyProgram(p, Strict); err != nil {
		t.Errorf("strict: %v", err)
	}
}

func TestMovPropagatesStatus(t *testing.T) {
	proven := mainProg(text(
		iconst(1, 9),
		ins(vm.OpMov, [3]byte{2, 1}, 0),
		ins(vm.OpAddnz, [3]byte{3, 2, 2}, 0),
		halt(1),
	))
	if err := VerifyProgram(proven, Strict); err != nil {
		t.Errorf("proven mov chain rejected: %v", err)
	}

	unproven := mainProg(text(
		ins(vm.OpMov, [3]byte{2, 4}, 0),
		ins(vm.OpAddnz, [3]byte{3, 2, 2}, 0),
		halt(1),
	))
	wantKind(t, VerifyProgram(unproven, Strict), vm.TrapBadModule)
}

func TestJoinPointMeet(t *testing.T) {
	// Both arms define r1 before the join: accepted under Strict.
	bothArms := mainProg(text(
		iconst(2, 1),                         // @1
		iconst(3, 2),                         // @15
		ins(vm.OpCmp, [3]byte{2, 3}, 0),      // @29
		ins(vm.OpBeq, [3]byte{}, 42),         // @35 -> @77
		iconst(1, 5),                         // @49
		ins(vm.OpBra, [3]byte{}, 28),         // @63 -> @91
		iconst(1, 6),                         // @77
		ins(vm.OpAddnz, [3]byte{4, 1, 1}, 0), // @91 (join)
		halt(1),                              // @97
	))
	if err := VerifyProgram(bothArms, Strict); err != nil {
		t.Errorf("both-arms define: %v", err)
	}

	// Only the fallthrough arm defines r1: the meet at the join lowers it
	// back to Unknown, so Strict rejects while Permissive accepts.
	oneArm := mainProg(text(
		iconst(2, 1),                         // @1
		iconst(3, 2),                         // @15
		ins(vm.OpCmp, [3]byte{2, 3}, 0),      // @29
		ins(vm.OpBeq, [3]byte{}, 28),         // @35 -> @63
		iconst(1, 5),                         // @49
		ins(vm.OpAddnz, [3]byte{4, 1, 1}, 0), // @63 (join)
		halt(1),                              // @69
	))
	if err := VerifyProgram(oneArm, Permissive); err != nil {
		t.Errorf("permissive: %v", err)
	}
	wantKind(t, VerifyProgram(oneArm, Strict), vm.TrapBadModule)
}

func TestCallClobbersCallerSaved(t *testing.T) {
	// main: iconst r1; iconst r7; call f; <use>; halt.
	mk := func(use vm.Instruction) *vm.Program {
		body := text(
			iconst(1, 7),                  // @1
			iconst(7, 7),                  // @15
			ins(vm.OpCall, [3]byte{}, 2),  // @29
			use,                           // @43
			halt(1),                       // @49
			iconst(0, 9),                  // @63 (f entry)
			ins(vm.OpRet, [3]byte{}, 0),   // @77
		)
		return &vm.Program{
			Text: body,
			Funcs: []vm.Func{
				{ID: 1, Name: "main", Entry: 1, FrameSize: 16},
				{ID: 2, Name: "f", Entry: 63, FrameSize: 16},
			},
			Entry: 1,
		}
	}

	// r1 is caller-saved: unproven after the call.
	wantKind(t, VerifyProgram(mk(ins(vm.OpAddnz, [3]byte{3, 1, 1}, 0)), Strict), vm.TrapBadModule)

	// r0 carries the callee's non-zero result.
	if err := VerifyProgram(mk(ins(vm.OpAddnz, [3]byte{3, 0, 0}, 0)), Strict); err != nil {
		t.Errorf("use of r0 after call: %v", err)
	}

	// r7 is callee-saved: the proof survives the call.
	if err := VerifyProgram(mk(ins(vm.OpAddnz, [3]byte{3, 7, 7}, 0)), Strict); err != nil {
		t.Errorf("use of r7 after call: %v", err)
	}
}

func TestReservedRegistersEnterProven(t *testing.T) {
	// Storing through the stack pointer at function entry is legal even
	// under Strict: the engine initializes sp/fp before the first step.
	p := mainProg(text(
		iconst(1, 77),
		ins(vm.OpStore, [3]byte{15, 1}, 0),
		ins(vm.OpLoadnz, [3]byte{2, 15}, 0),
		halt(1),
	))
	if err := VerifyProgram(p, Strict); err != nil {
		t.Errorf("strict: %v", err)
	}
}

func TestConditionalBranchNeedsOrdinalProof(t *testing.T) {
	// No CMP before the branch: r0 is unproven at the use site.
	p := mainProg(text(
		ins(vm.OpBeq, [3]byte{}, 14),
		halt(1),
	))
	if err := VerifyProgram(p, Permissive); err != nil {
		t.Errorf("permissive: %v", err)
	}
	wantKind(t, VerifyProgram(p, Strict), vm.TrapBadModule)
}
