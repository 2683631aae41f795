package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Traps: fatal abnormal termination
// ---------------------------------------------------------------------------

// TrapKind classifies an abnormal termination. Every trap is fatal to the
// running program; there is no in-program recovery mechanism.
type TrapKind uint8

const (
	// TrapZeroResult is raised when an operation would produce the integer
	// zero, a floating-point zero, or NaN.
	TrapZeroResult TrapKind = iota + 1

	// TrapDivZero is raised on integer division by zero. Unreachable while
	// the value invariant holds, but checked unconditionally.
	TrapDivZero

	// TrapNZByte is raised when a 0x00 byte would be written to memory.
	// Unreachable given a correct codec; treated as an assertion.
	TrapNZByte

	// TrapIllegal is raised for malformed instructions, bad register
	// indices, misaligned branch targets and zero immediates.
	TrapIllegal

	// TrapBadModule is raised when a container fails structural or
	// dataflow verification.
	TrapBadModule

	// TrapNoEntry is raised when a container has no "main" symbol.
	TrapNoEntry

	// TrapSegfault is raised for out-of-bounds memory access and
	// out-of-range branch targets.
	TrapSegfault
)

var trapNames = map[TrapKind]string{
	TrapZeroResult: "ZERO_RESULT",
	TrapDivZero:    "DIV_ZERO",
	TrapNZByte:     "NZ_BYTE",
	TrapIllegal:    "ILLEGAL",
	TrapBadModule:  "BAD_MODULE",
	TrapNoEntry:    "NO_ENTRY",
	TrapSegfault:   "SEGFAULT",
}

// String returns the canonical trap name.
func (k TrapKind) String() string {
	if name, ok := trapNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TrapKind(%d)", uint8(k))
}

// Trap is the error raised for any abnormal termination, at load time or at
// runtime. PC and Op are populated only for traps raised mid-execution.
type Trap struct {
	Kind   TrapKind
	PC     uint64 // text offset of the faulting instruction, if any
	Op     Opcode // faulting opcode, if any
	Detail string
}

// Error implements error.
func (t *Trap) Error() string {
	if t.PC != 0 {
		if t.Detail != "" {
			return fmt.Sprintf("trap %s @ pc %d: %s: %s", t.Kind, t.PC, t.Op, t.Detail)
		}
		return fmt.Sprintf("trap %s @ pc %d: %s", t.Kind, t.PC, t.Op)
	}
	if t.Detail != "" {
		return fmt.Sprintf("trap %s: %s", t.Kind, t.Detail)
	}
	return fmt.Sprintf("trap %s", t.Kind)
}

// NewTrap creates a trap with no execution context.
func NewTrap(kind TrapKind, format string, args ...interface{}) *Trap {
	return &Trap{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsTrap unwraps err as a *Trap, or wraps it in a trap of the given kind.
func AsTrap(err error, kind TrapKind) *Trap {
	if t, ok := err.(*Trap); ok {
		return t
	}
	return &Trap{Kind: kind, Detail: err.Error()}
}
