package vm

import "fmt"

// Opcode identifies a bytecode instruction. Opcodes are grouped into ranges
// by family. 0x00 is deliberately unassigned.
type Opcode byte

const (
	// ========================================================================
	// Constants and moves (0x01-0x0F)
	// ========================================================================

	OpIconst Opcode = 0x01 // load non-zero integer immediate
	OpFconst Opcode = 0x02 // load non-zero, non-NaN float immediate
	OpMov    Opcode = 0x03 // copy integer register
	OpFmov   Opcode = 0x04 // copy float register

	// ========================================================================
	// Memory (0x10-0x1F)
	// ========================================================================

	OpLoadnz  Opcode = 0x10 // load integer from [base+disp], trap on zero
	OpFloadnz Opcode = 0x11 // load float from [base+disp], trap on ±0/NaN
	OpStore   Opcode = 0x12 // store integer to [base+disp]
	OpFstore  Opcode = 0x13 // store float to [base+disp]
	OpNzchk   Opcode = 0x14 // explicit non-zero assertion on a register

	// ========================================================================
	// Integer arithmetic (0x20-0x2F)
	// ========================================================================

	OpAddnz Opcode = 0x20 // wraparound add, trap on zero result
	OpSubnz Opcode = 0x21 // wraparound subtract
	OpMulnz Opcode = 0x22 // wraparound multiply
	OpDivnz Opcode = 0x23 // truncating divide
	OpNegnz Opcode = 0x24 // negate (MinInt64 wraps)
	OpAbsnz Opcode = 0x25 // absolute value (MinInt64 wraps)
	OpSgn   Opcode = 0x26 // sign as ±1

	// ========================================================================
	// Float arithmetic (0x30-0x3F)
	// ========================================================================

	OpFaddnz Opcode = 0x30
	OpFsubnz Opcode = 0x31
	OpFmulnz Opcode = 0x32
	OpFdivnz Opcode = 0x33
	OpFnegnz Opcode = 0x34
	OpFabsnz Opcode = 0x35
	OpFsgn   Opcode = 0x36 // sign as ±1.0

	// ========================================================================
	// Comparison (0x40-0x4F)
	// ========================================================================

	OpCmp  Opcode = 0x40 // r0 = ordinal(a, b)
	OpFcmp Opcode = 0x41 // r0 = ordinal(fa, fb)

	// ========================================================================
	// Branches (0x50-0x5F): displacement is a signed 32-bit PC-relative
	// offset carried in the immediate, measured from the branch itself.
	// ========================================================================

	OpBra Opcode = 0x50 // unconditional
	OpBeq Opcode = 0x51 // taken if r0 == EQ
	OpBne Opcode = 0x52 // taken if r0 != EQ
	OpBlt Opcode = 0x53 // taken if r0 == LT
	OpBle Opcode = 0x54 // taken if r0 == LT or EQ
	OpBgt Opcode = 0x55 // taken if r0 == GT
	OpBge Opcode = 0x56 // taken if r0 == GT or EQ

	// ========================================================================
	// Calls (0x60-0x6F)
	// ========================================================================

	OpCall Opcode = 0x60 // immediate is the callee's function id
	OpRet  Opcode = 0x61

	// ========================================================================
	// Halt (0x70)
	// ========================================================================

	OpHalt Opcode = 0x70 // immediate is the non-zero exit code
)

// OperandKind describes what one of the three operand bytes holds.
type OperandKind uint8

const (
	OperandNone  OperandKind = iota // unused; must be zero in the encoding
	OperandInt                      // integer register index
	OperandFloat                    // float register index
)

// ImmKind describes how the 8-byte immediate, if present, is interpreted.
type ImmKind uint8

const (
	ImmNone  ImmKind = iota // no immediate; the modifier bit must be clear
	ImmInt                  // non-zero int64
	ImmFloat                // non-zero, non-NaN float64 bits
	ImmDisp                 // signed 32-bit PC-relative displacement
	ImmFunc                 // function id
	ImmCode                 // non-zero halt code
)

// OpcodeInfo is the static description of an opcode used by the decoder, the
// verifier, the assembler and the disassembler.
type OpcodeInfo struct {
	Name     string
	Operands [3]OperandKind
	Imm      ImmKind
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpIconst: {"iconst", [3]OperandKind{OperandInt}, ImmInt},
	OpFconst: {"fconst", [3]OperandKind{OperandFloat}, ImmFloat},
	OpMov:    {"mov", [3]OperandKind{OperandInt, OperandInt}, ImmNone},
	OpFmov:   {"fmov", [3]OperandKind{OperandFloat, OperandFloat}, ImmNone},

	OpLoadnz:  {"loadnz", [3]OperandKind{OperandInt, OperandInt}, ImmDisp},
	OpFloadnz: {"floadnz", [3]OperandKind{OperandFloat, OperandInt}, ImmDisp},
	OpStore:   {"store", [3]OperandKind{OperandInt, OperandInt}, ImmDisp},
	OpFstore:  {"fstore", [3]OperandKind{OperandInt, OperandFloat}, ImmDisp},
	OpNzchk:   {"nzchk", [3]OperandKind{OperandInt}, ImmNone},

	OpAddnz: {"addnz", [3]OperandKind{OperandInt, OperandInt, OperandInt}, ImmNone},
	OpSubnz: {"subnz", [3]OperandKind{OperandInt, OperandInt, OperandInt}, ImmNone},
	OpMulnz: {"mulnz", [3]OperandKind{OperandInt, OperandInt, OperandInt}, ImmNone},
	OpDivnz: {"divnz", [3]OperandKind{OperandInt, OperandInt, OperandInt}, ImmNone},
	OpNegnz: {"negnz", [3]OperandKind{OperandInt, OperandInt}, ImmNone},
	OpAbsnz: {"absnz", [3]OperandKind{OperandInt, OperandInt}, ImmNone},
	OpSgn:   {"sgn", [3]OperandKind{OperandInt, OperandInt}, ImmNone},

	OpFaddnz: {"faddnz", [3]OperandKind{OperandFloat, OperandFloat, OperandFloat}, ImmNone},
	OpFsubnz: {"fsubnz", [3]OperandKind{OperandFloat, OperandFloat, OperandFloat}, ImmNone},
	OpFmulnz: {"fmulnz", [3]OperandKind{OperandFloat, OperandFloat, OperandFloat}, ImmNone},
	OpFdivnz: {"fdivnz", [3]OperandKind{OperandFloat, OperandFloat, OperandFloat}, ImmNone},
	OpFnegnz: {"fnegnz", [3]OperandKind{OperandFloat, OperandFloat}, ImmNone},
	OpFabsnz: {"fabsnz", [3]OperandKind{OperandFloat, OperandFloat}, ImmNone},
	OpFsgn:   {"fsgn", [3]OperandKind{OperandFloat, OperandFloat}, ImmNone},

	OpCmp:  {"cmp", [3]OperandKind{OperandInt, OperandInt}, ImmNone},
	OpFcmp: {"fcmp", [3]OperandKind{OperandFloat, OperandFloat}, ImmNone},

	OpBra: {"bra", [3]OperandKind{}, ImmDisp},
	OpBeq: {"beq", [3]OperandKind{}, ImmDisp},
	OpBne: {"bne", [3]OperandKind{}, ImmDisp},
	OpBlt: {"blt", [3]OperandKind{}, ImmDisp},
	OpBle: {"ble", [3]OperandKind{}, ImmDisp},
	OpBgt: {"bgt", [3]OperandKind{}, ImmDisp},
	OpBge: {"bge", [3]OperandKind{}, ImmDisp},

	OpCall: {"call", [3]OperandKind{}, ImmFunc},
	OpRet:  {"ret", [3]OperandKind{}, ImmNone},

	OpHalt: {"halt", [3]OperandKind{}, ImmCode},
}

// Info returns the static description of op, and whether op is recognized.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// IsBranch reports whether op is one of the branch instructions, including
// the unconditional BRA.
func (op Opcode) IsBranch() bool {
	return op >= OpBra && op <= OpBge
}

// IsConditionalBranch reports whether op tests the ordinal in r0.
func (op Opcode) IsConditionalBranch() bool {
	return op >= OpBeq && op <= OpBge
}

// Terminates reports whether control never falls through op to the next
// instruction.
func (op Opcode) Terminates() bool {
	return op == OpBra || op == OpRet || op == OpHalt
}

// String returns the assembler mnemonic.
func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("Opcode(0x%02X)", byte(op))
}

// TakenFor reports whether the conditional branch op is taken for ordinal o.
// BRA is always taken.
func (op Opcode) TakenFor(o Ordinal) bool {
	switch op {
	case OpBra:
		return true
	case OpBeq:
		return o == OrdinalEQ
	case OpBne:
		return o != OrdinalEQ
	case OpBlt:
		return o == OrdinalLT
	case OpBle:
		return o == OrdinalLT || o == OrdinalEQ
	case OpBgt:
		return o == OrdinalGT
	case OpBge:
		return o == OrdinalGT || o == OrdinalEQ
	default:
		return false
	}
}
