package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// An instruction occupies a fixed 6-byte header, then 8 immediate bytes when
// the modifier's low bit is set:
//
//	byte 0    opcode
//	byte 1    modifier flags; bit 0 = carries immediate
//	bytes 2-4 operand bytes; register index in the low 5 bits, unused = 0
//	byte 5    reserved, must be 0
//	bytes 6-13  optional little-endian 64-bit immediate
//
// Text offsets are 1-based: the first instruction of a text section lives at
// offset 1, and offset 0 is never a valid program counter.

const (
	headerSize   = 6
	immSize      = 8
	flagHasImm   = 0x01
	operandMask  = 0x1F // low 5 bits
	registerHigh = 15   // highest valid register index
)

// ShortInstruction and LongInstruction are the two legal instruction sizes.
const (
	ShortInstruction = headerSize
	LongInstruction  = headerSize + immSize
)

// Instruction is one decoded instruction.
type Instruction struct {
	Op    Opcode
	Flags byte
	Regs  [3]byte // decoded register operands; meaningful per Info().Operands
	Imm   uint64
	Addr  uint64 // 1-based text offset of the instruction's first byte
	Size  int    // total encoded size in bytes
}

// HasImm reports whether the instruction carries an immediate.
func (in *Instruction) HasImm() bool {
	return in.Flags&flagHasImm != 0
}

// Disp returns the immediate interpreted as a signed 32-bit PC-relative
// branch or addressing displacement.
func (in *Instruction) Disp() int64 {
	return int64(int32(uint32(in.Imm)))
}

// Target returns the computed branch target for a branch instruction.
func (in *Instruction) Target() uint64 {
	return uint64(int64(in.Addr) + in.Disp())
}

// DecodeInstruction decodes the instruction starting at the 1-based offset
// pc within text. Unknown opcodes, bad register indices, a set reserved
// byte, non-zero unused operand bytes and a modifier bit inconsistent with
// the opcode's immediate requirement are all ILLEGAL.
func DecodeInstruction(text []byte, pc uint64) (Instruction, error) {
	if pc == 0 || pc > uint64(len(text)) {
		return Instruction{}, NewTrap(TrapSegfault, "pc %d outside text (length %d)", pc, len(text))
	}
	raw := text[pc-1:]
	if len(raw) < headerSize {
		return Instruction{}, NewTrap(TrapIllegal, "truncated instruction at %d", pc)
	}

	in := Instruction{
		Op:    Opcode(raw[0]),
		Flags: raw[1],
		Addr:  pc,
		Size:  headerSize,
	}
	info, ok := in.Op.Info()
	if !ok {
		return Instruction{}, NewTrap(TrapIllegal, "unknown opcode 0x%02X at %d", raw[0], pc)
	}
	if in.Flags&^flagHasImm != 0 {
		return Instruction{}, NewTrap(TrapIllegal, "unknown modifier flags 0x%02X at %d", in.Flags, pc)
	}
	if raw[5] != 0 {
		return Instruction{}, NewTrap(TrapIllegal, "reserved byte set at %d", pc)
	}

	wantImm := info.Imm != ImmNone
	if wantImm != in.HasImm() {
		return Instruction{}, NewTrap(TrapIllegal, "%s: immediate flag mismatch at %d", info.Name, pc)
	}
	if in.HasImm() {
		if len(raw) < LongInstruction {
			return Instruction{}, NewTrap(TrapIllegal, "truncated immediate at %d", pc)
		}
		in.Imm = binary.LittleEndian.Uint64(raw[headerSize:LongInstruction])
		in.Size = LongInstruction
	}

	for i := 0; i < 3; i++ {
		b := raw[2+i]
		if info.Operands[i] == OperandNone {
			if b != 0 {
				return Instruction{}, NewTrap(TrapIllegal, "%s: unused operand byte %d set at %d", info.Name, i, pc)
			}
			continue
		}
		reg := b & operandMask
		if b&^operandMask != 0 {
			return Instruction{}, NewTrap(TrapIllegal, "%s: high operand bits set at %d", info.Name, pc)
		}
		if reg > registerHigh {
			return Instruction{}, NewTrap(TrapIllegal, "%s: register index %d out of range at %d", info.Name, reg, pc)
		}
		in.Regs[i] = reg
	}

	return in, nil
}

// DecodeText decodes an entire text section into its instruction sequence.
// The result is the side table shared by the verifier (for boundary checks)
// and the engine (for fast re-fetch): instruction i starts at result[i].Addr
// and the next starts immediately after.
func DecodeText(text []byte) ([]Instruction, error) {
	var out []Instruction
	pc := uint64(1)
	for pc <= uint64(len(text)) {
		in, err := DecodeInstruction(text, pc)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		pc += uint64(in.Size)
	}
	return out, nil
}

// AppendInstruction encodes in and appends it to dst. It is the inverse of
// DecodeInstruction and is used by the assembler and by tests.
func AppendInstruction(dst []byte, in Instruction) []byte {
	var hdr [headerSize]byte
	hdr[0] = byte(in.Op)
	hdr[1] = in.Flags
	hdr[2] = in.Regs[0]
	hdr[3] = in.Regs[1]
	hdr[4] = in.Regs[2]
	dst = append(dst, hdr[:]...)
	if in.HasImm() {
		var imm [immSize]byte
		binary.LittleEndian.PutUint64(imm[:], in.Imm)
		dst = append(dst, imm[:]...)
	}
	return dst
}
