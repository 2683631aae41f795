package trace

import (
	"bytes"
	"testing"

	"github.com/chazu/zfvm/vm"
)

func haltingProgram(t *testing.T, code uint64) *vm.Engine {
	t.Helper()
	text := vm.AppendInstruction(nil, vm.Instruction{
		Op: vm.OpHalt, Flags: 0x01, Imm: code,
	})
	p := &vm.Program{
		Text:  text,
		Funcs: []vm.Func{{ID: 1, Name: "main", Entry: 1, FrameSize: 16}},
		Entry: 1,
	}
	eng, err := vm.NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := eng.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return eng
}

func trappingProgram(t *testing.T) *vm.Engine {
	t.Helper()
	var text []byte
	minusOne := int64(-1)
	// 1 + (-1) traps with a zero result.
	text = vm.AppendInstruction(text, vm.Instruction{Op: vm.OpIconst, Flags: 0x01, Regs: [3]byte{1}, Imm: 1})
	text = vm.AppendInstruction(text, vm.Instruction{Op: vm.OpIconst, Flags: 0x01, Regs: [3]byte{2}, Imm: uint64(minusOne)})
	text = vm.AppendInstruction(text, vm.Instruction{Op: vm.OpAddnz, Regs: [3]byte{3, 1, 2}})
	text = vm.AppendInstruction(text, vm.Instruction{Op: vm.OpHalt, Flags: 0x01, Imm: 1})
	p := &vm.Program{
		Text:  text,
		Funcs: []vm.Func{{ID: 1, Name: "main", Entry: 1, FrameSize: 16}},
		Entry: 1,
	}
	eng, err := vm.NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := eng.Run(); err == nil {
		t.Fatal("expected trap")
	}
	return eng
}

func TestCaptureHalted(t *testing.T) {
	eng := haltingProgram(t, 7)
	r := Capture(eng, ModuleHash([]byte("m")), "strict")

	if r.Outcome != OutcomeHalted {
		t.Errorf("outcome = %q, want halted", r.Outcome)
	}
	if r.ExitCode != 7 {
		t.Errorf("exit = %d, want 7", r.ExitCode)
	}
	if r.Trap != nil {
		t.Errorf("trap = %+v, want nil", r.Trap)
	}
	if r.Steps != 1 {
		t.Errorf("steps = %d, want 1", r.Steps)
	}
	if r.Policy != "strict" {
		t.Errorf("policy = %q", r.Policy)
	}
}

func TestCaptureTrapped(t *testing.T) {
	eng := trappingProgram(t)
	r := Capture(eng, ModuleHash([]byte("m")), "permissive")

	if r.Outcome != OutcomeTrapped {
		t.Fatalf("outcome = %q, want trapped", r.Outcome)
	}
	if r.Trap == nil {
		t.Fatal("missing trap report")
	}
	if r.Trap.Kind != "ZERO_RESULT" {
		t.Errorf("trap kind = %q, want ZERO_RESULT", r.Trap.Kind)
	}
	if r.Trap.PC != 29 {
		t.Errorf("trap pc = %d, want 29", r.Trap.PC)
	}
	if r.Trap.Op != "addnz" {
		t.Errorf("trap op = %q, want addnz", r.Trap.Op)
	}
	if r.ExitCode != 0 {
		t.Errorf("exit = %d, want 0", r.ExitCode)
	}
}

func TestReportRoundTrip(t *testing.T) {
	r := &RunReport{
		Module:  ModuleHash([]byte("container bytes")),
		Policy:  "strict",
		Outcome: OutcomeTrapped,
		Trap:    &TrapReport{Kind: "DIV_ZERO", PC: 43, Op: "divnz"},
		Steps:   12,
	}

	data, err := MarshalReport(r)
	if err != nil {
		t.Fatalf("MarshalReport: %v", err)
	}
	got, err := UnmarshalReport(data)
	if err != nil {
		t.Fatalf("UnmarshalReport: %v", err)
	}
	if got.Module != r.Module || got.Outcome != r.Outcome || got.Steps != r.Steps {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Trap == nil || got.Trap.Kind != "DIV_ZERO" || got.Trap.PC != 43 {
		t.Errorf("trap mismatch: %+v", got.Trap)
	}
}

func TestReportEncodingDeterministic(t *testing.T) {
	eng := haltingProgram(t, 1)
	a, err := MarshalReport(Capture(eng, ModuleHash([]byte("x")), ""))
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalReport(Capture(eng, ModuleHash([]byte("x")), ""))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("canonical encoding differs across calls")
	}
}

func TestUnmarshalReportRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalReport([]byte{0xFF, 0x00}); err == nil {
		t.Error("expected error for invalid CBOR")
	}
}
