package vm

import (
	"errors"
	"fmt"
	"testing"
)

func TestTrapError(t *testing.T) {
	tr := &Trap{Kind: TrapZeroResult, PC: 29, Op: OpAddnz, Detail: "sum is zero"}
	got := tr.Error()
	want := "trap ZERO_RESULT @ pc 29: addnz: sum is zero"
	if got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	bare := NewTrap(TrapBadModule, "short header")
	if bare.Kind != TrapBadModule || bare.Detail != "short header" {
		t.Fatalf("NewTrap = %+v", bare)
	}
}

func TestAsTrapPassesThrough(t *testing.T) {
	orig := NewTrap(TrapSegfault, "address 900 out of range")
	var err error = orig
	got := AsTrap(err, TrapIllegal)
	if got != orig {
		t.Fatalf("AsTrap returned %+v, want the original trap", got)
	}
}

func TestAsTrapWrapsPlainError(t *testing.T) {
	err := errors.New("container truncated")
	got := AsTrap(err, TrapBadModule)
	if got.Kind != TrapBadModule {
		t.Fatalf("Kind = %v, want %v", got.Kind, TrapBadModule)
	}
	if got.Detail != "container truncated" {
		t.Fatalf("Detail = %q", got.Detail)
	}
}

func TestAsTrapUnwrapsEngineError(t *testing.T) {
	// Engine errors come back as *Trap values; make sure a caller that only
	// holds the error interface recovers the kind rather than re-wrapping.
	p := &Program{
		Text: buildText(
			testIns(OpIconst, [3]byte{1}, 1),
			iconst(2, -1),
			testIns(OpAddnz, [3]byte{3, 1, 2}, 0),
			testIns(OpHalt, [3]byte{}, 1),
		),
		Funcs: []Func{{ID: 1, Name: "main", Entry: 1, FrameSize: 16}},
		Entry: 1,
	}
	e, err := NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	_, runErr := e.Run()
	if runErr == nil {
		t.Fatal("expected trap")
	}
	tr := AsTrap(fmt.Errorf("%v", runErr.Error()), TrapIllegal)
	if tr.Kind != TrapIllegal {
		t.Fatalf("wrapped kind = %v, want %v", tr.Kind, TrapIllegal)
	}
	direct := AsTrap(runErr, TrapIllegal)
	if direct.Kind != TrapZeroResult {
		t.Fatalf("direct kind = %v, want %v", direct.Kind, TrapZeroResult)
	}
}
