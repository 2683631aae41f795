package asm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/zfvm/vm"
)

// Disassemble returns a human-readable listing for the program. The output
// round-trips through Assemble for programs whose branch targets land on
// instruction boundaries.
func Disassemble(p *vm.Program) (string, error) {
	instrs, err := vm.DecodeText(p.Text)
	if err != nil {
		return "", err
	}

	funcs := make([]vm.Func, len(p.Funcs))
	copy(funcs, p.Funcs)
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Entry < funcs[j].Entry })

	byEntry := make(map[uint64]vm.Func, len(funcs))
	byID := make(map[uint32]vm.Func, len(funcs))
	for _, f := range funcs {
		byEntry[f.Entry] = f
		byID[f.ID] = f
	}

	labels := branchLabels(instrs)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; zfvm text: %d bytes, %d functions\n", len(p.Text), len(funcs)))
	if len(p.Data) > 0 {
		sb.WriteString(fmt.Sprintf("; data: %d bytes\n", len(p.Data)))
	}

	for _, in := range instrs {
		if f, ok := byEntry[in.Addr]; ok {
			sb.WriteString(fmt.Sprintf("\n.func %s %d\n", f.Name, f.FrameSize))
		}
		if name, ok := labels[in.Addr]; ok {
			sb.WriteString(name + ":\n")
		}
		sb.WriteString("\t" + formatInstruction(in, labels, byID) + "\n")
	}
	return sb.String(), nil
}

// branchLabels assigns a label to every branch target, in address order.
func branchLabels(instrs []vm.Instruction) map[uint64]string {
	targets := make(map[uint64]bool)
	for _, in := range instrs {
		if in.Op.IsBranch() {
			targets[in.Target()] = true
		}
	}
	sorted := make([]uint64, 0, len(targets))
	for t := range targets {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	labels := make(map[uint64]string, len(sorted))
	for i, t := range sorted {
		labels[t] = fmt.Sprintf("L%d", i+1)
	}
	return labels
}

func formatInstruction(in vm.Instruction, labels map[uint64]string, byID map[uint32]vm.Func) string {
	info, _ := in.Op.Info()

	args := make([]string, 0, 4)
	for i, k := range info.Operands {
		switch k {
		case vm.OperandInt:
			args = append(args, fmt.Sprintf("r%d", in.Regs[i]))
		case vm.OperandFloat:
			args = append(args, fmt.Sprintf("f%d", in.Regs[i]))
		}
	}

	comment := ""
	switch info.Imm {
	case vm.ImmInt:
		args = append(args, fmt.Sprintf("%d", int64(in.Imm)))
	case vm.ImmFloat:
		args = append(args, formatFloat(math.Float64frombits(in.Imm)))
	case vm.ImmDisp:
		if in.Op.IsBranch() {
			target := in.Target()
			if name, ok := labels[target]; ok {
				args = append(args, name)
			} else {
				args = append(args, fmt.Sprintf("%+d", in.Disp()))
			}
			comment = fmt.Sprintf(" ; -> %d", target)
		} else {
			args = append(args, fmt.Sprintf("%d", in.Disp()))
		}
	case vm.ImmFunc:
		id := uint32(in.Imm)
		if f, ok := byID[id]; ok {
			args = append(args, f.Name)
		} else {
			args = append(args, fmt.Sprintf("%d", id))
		}
	case vm.ImmCode:
		args = append(args, fmt.Sprintf("%d", in.Imm))
	}

	if len(args) == 0 {
		return info.Name + comment
	}
	return info.Name + " " + strings.Join(args, ", ") + comment
}

// formatFloat renders f so that Assemble parses it back as a float.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !math.IsInf(f, 0) {
		s += ".0"
	}
	return s
}
