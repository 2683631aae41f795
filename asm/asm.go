// Package asm assembles zero-free VM assembly listings into container
// modules, and disassembles program text back into listings.
package asm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/zfvm/module"
	"github.com/chazu/zfvm/vm"
)

// ---------------------------------------------------------------------------
// Mnemonic table
// ---------------------------------------------------------------------------

var mnemonics = buildMnemonics()

func buildMnemonics() map[string]vm.Opcode {
	m := make(map[string]vm.Opcode)
	for op := 0; op < 256; op++ {
		if info, ok := vm.Opcode(op).Info(); ok {
			m[info.Name] = vm.Opcode(op)
		}
	}
	return m
}

// instrSize returns the encoded byte length of op; the width is fixed per
// opcode, so pass one can lay out addresses before labels resolve.
func instrSize(op vm.Opcode) uint64 {
	info, _ := op.Info()
	if info.Imm == vm.ImmNone {
		return vm.ShortInstruction
	}
	return vm.LongInstruction
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// stmt is one instruction-bearing source line after pass one.
type stmt struct {
	line  int
	addr  uint64
	op    vm.Opcode
	regs  [3]byte
	imm   uint64
	label string // unresolved branch target
	fn    string // unresolved call target
}

type funcDecl struct {
	line  int
	name  string
	entry uint64
	frame uint64
}

// Assembler translates one source listing into a container module.
// The zero value is not usable; call New.
type Assembler struct {
	stmts  []stmt
	funcs  []funcDecl
	labels map[string]uint64
	data   []byte
	pc     uint64 // next text address, 1-based
	inData bool
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{labels: make(map[string]uint64), pc: 1}
}

// Assemble translates src into a serialized container module.
func Assemble(src string) ([]byte, error) {
	a := New()
	if err := a.AddSource(src); err != nil {
		return nil, err
	}
	return a.Bytes()
}

// AddSource runs pass one over src, accumulating functions, labels and data.
// It may be called more than once to concatenate listings.
func (a *Assembler) AddSource(src string) error {
	for i, raw := range strings.Split(src, "\n") {
		if err := a.line(i+1, raw); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) line(n int, raw string) error {
	text := raw
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(text, ".func"):
		return a.funcLine(n, text)
	case text == ".data":
		a.inData = true
		return nil
	case strings.HasPrefix(text, ".word"):
		return a.wordLine(n, text)
	case strings.HasSuffix(text, ":"):
		return a.labelLine(n, strings.TrimSuffix(text, ":"))
	default:
		return a.instrLine(n, text)
	}
}

func (a *Assembler) funcLine(n int, text string) error {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return fmt.Errorf("line %d: want .func <name> <framesize>", n)
	}
	name := fields[1]
	if !validName(name) {
		return fmt.Errorf("line %d: bad function name %q", n, name)
	}
	for _, f := range a.funcs {
		if f.name == name {
			return fmt.Errorf("line %d: duplicate function %q", n, name)
		}
	}
	frame, err := strconv.ParseUint(fields[2], 0, 32)
	if err != nil || frame == 0 || frame%8 != 0 {
		return fmt.Errorf("line %d: frame size must be a positive multiple of 8, got %q", n, fields[2])
	}
	a.inData = false
	a.funcs = append(a.funcs, funcDecl{line: n, name: name, entry: a.pc, frame: frame})
	return nil
}

func (a *Assembler) wordLine(n int, text string) error {
	if !a.inData {
		return fmt.Errorf("line %d: .word outside .data section", n)
	}
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return fmt.Errorf("line %d: want .word <value>", n)
	}
	v, err := strconv.ParseInt(fields[1], 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: bad .word value %q", n, fields[1])
	}
	if v == 0 {
		return fmt.Errorf("line %d: zero .word value", n)
	}
	a.data = vm.AppendEncoded64(a.data, uint64(v))
	return nil
}

func (a *Assembler) labelLine(n int, name string) error {
	if !validName(name) {
		return fmt.Errorf("line %d: bad label %q", n, name)
	}
	if _, dup := a.labels[name]; dup {
		return fmt.Errorf("line %d: duplicate label %q", n, name)
	}
	a.labels[name] = a.pc
	return nil
}

func (a *Assembler) instrLine(n int, text string) error {
	if a.inData {
		return fmt.Errorf("line %d: instruction inside .data section", n)
	}
	if len(a.funcs) == 0 {
		return fmt.Errorf("line %d: instruction before first .func", n)
	}

	mnemonic, rest, _ := strings.Cut(text, " ")
	op, ok := mnemonics[mnemonic]
	if !ok {
		return fmt.Errorf("line %d: unknown mnemonic %q", n, mnemonic)
	}
	info, _ := op.Info()

	var args []string
	if rest = strings.TrimSpace(rest); rest != "" {
		args = strings.Split(rest, ",")
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}

	want := 0
	for _, k := range info.Operands {
		if k != vm.OperandNone {
			want++
		}
	}
	if info.Imm != vm.ImmNone {
		want++
	}
	if len(args) != want {
		return fmt.Errorf("line %d: %s takes %d operands, got %d", n, info.Name, want, len(args))
	}

	st := stmt{line: n, addr: a.pc, op: op}
	next := 0
	for i, k := range info.Operands {
		if k == vm.OperandNone {
			break
		}
		reg, err := parseRegister(args[next], k)
		if err != nil {
			return fmt.Errorf("line %d: %s: %v", n, info.Name, err)
		}
		st.regs[i] = reg
		next++
	}

	if info.Imm != vm.ImmNone {
		if err := a.parseImm(&st, info, args[next]); err != nil {
			return fmt.Errorf("line %d: %s: %v", n, info.Name, err)
		}
	}

	a.stmts = append(a.stmts, st)
	a.pc += instrSize(op)
	return nil
}

func (a *Assembler) parseImm(st *stmt, info vm.OpcodeInfo, arg string) error {
	switch info.Imm {
	case vm.ImmInt:
		v, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("bad integer immediate %q", arg)
		}
		if v == 0 {
			return fmt.Errorf("zero immediate")
		}
		st.imm = uint64(v)

	case vm.ImmFloat:
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("bad float immediate %q", arg)
		}
		if f == 0 || math.IsNaN(f) {
			return fmt.Errorf("float immediate must be non-zero and not NaN, got %q", arg)
		}
		st.imm = math.Float64bits(f)

	case vm.ImmDisp:
		if st.op.IsBranch() {
			if !validName(arg) {
				return fmt.Errorf("bad branch target %q", arg)
			}
			st.label = arg
			return nil
		}
		// Memory displacement: a plain signed offset, zero allowed.
		v, err := strconv.ParseInt(arg, 0, 32)
		if err != nil {
			return fmt.Errorf("bad displacement %q", arg)
		}
		st.imm = uint64(uint32(int32(v)))

	case vm.ImmFunc:
		if !validName(arg) {
			return fmt.Errorf("bad call target %q", arg)
		}
		st.fn = arg

	case vm.ImmCode:
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil || v == 0 {
			return fmt.Errorf("halt code must be a non-zero integer, got %q", arg)
		}
		st.imm = v
	}
	return nil
}

// Bytes runs pass two and serializes the module.
func (a *Assembler) Bytes() ([]byte, error) {
	if len(a.funcs) == 0 {
		return nil, fmt.Errorf("no functions defined")
	}

	b := module.NewBuilder()
	ids := make(map[string]uint32, len(a.funcs))
	for _, f := range a.funcs {
		ids[f.name] = b.AddFunc(f.name, f.entry, f.frame)
	}

	var text []byte
	for _, st := range a.stmts {
		in := vm.Instruction{Op: st.op, Regs: st.regs, Imm: st.imm}
		info, _ := st.op.Info()
		if info.Imm != vm.ImmNone {
			in.Flags = 0x01
		}
		switch {
		case st.label != "":
			target, ok := a.labels[st.label]
			if !ok {
				return nil, fmt.Errorf("line %d: undefined label %q", st.line, st.label)
			}
			disp := int64(target) - int64(st.addr)
			if disp < math.MinInt32 || disp > math.MaxInt32 {
				return nil, fmt.Errorf("line %d: branch to %q out of range", st.line, st.label)
			}
			in.Imm = uint64(uint32(int32(disp)))
		case st.fn != "":
			id, ok := ids[st.fn]
			if !ok {
				return nil, fmt.Errorf("line %d: call to undefined function %q", st.line, st.fn)
			}
			in.Imm = uint64(id)
		}
		text = vm.AppendInstruction(text, in)
	}
	b.SetText(text)
	if len(a.data) > 0 {
		b.SetData(a.data)
	}
	return b.Bytes()
}

// ---------------------------------------------------------------------------
// Operand parsing
// ---------------------------------------------------------------------------

func parseRegister(s string, kind vm.OperandKind) (byte, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("bad register %q", s)
	}
	bank := s[0]
	switch kind {
	case vm.OperandInt:
		if bank != 'r' {
			return 0, fmt.Errorf("want integer register, got %q", s)
		}
	case vm.OperandFloat:
		if bank != 'f' {
			return 0, fmt.Errorf("want float register, got %q", s)
		}
	}
	n, err := strconv.ParseUint(s[1:], 10, 8)
	if err != nil || n >= vm.NumRegisters {
		return 0, fmt.Errorf("bad register %q", s)
	}
	return byte(n), nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
