package vm

// ---------------------------------------------------------------------------
// Register file
// ---------------------------------------------------------------------------

// Register roles fixed by convention.
const (
	RegResult = 0  // r0/f0: return value, and CMP's ordinal destination
	RegArg0   = 1  // r1..r6 / f1..f6: first six arguments
	RegArgN   = 6
	RegTP     = 13 // thread pointer, reserved
	RegFP     = 14 // frame pointer
	RegSP     = 15 // stack pointer
)

// NumRegisters is the number of registers in each bank.
const NumRegisters = 16

// RegisterFile holds the 16 integer and 16 float registers. Indices are
// validated at decode time, so Get/Set never fail. Every slot always holds a
// valid non-zero value; there is no zero sentinel for "empty".
type RegisterFile struct {
	ints   [NumRegisters]NzInt
	floats [NumRegisters]NzFloat
}

// NewRegisterFile returns a register file with every slot holding the
// smallest valid value, 1 / 1.0.
func NewRegisterFile() *RegisterFile {
	var rf RegisterFile
	for i := range rf.ints {
		rf.ints[i] = nzint(1)
		rf.floats[i] = nzfloat(1)
	}
	return &rf
}

// Get returns integer register r.
func (rf *RegisterFile) Get(r byte) NzInt { return rf.ints[r] }

// Set stores v into integer register r.
func (rf *RegisterFile) Set(r byte, v NzInt) { rf.ints[r] = v }

// GetF returns float register f.
func (rf *RegisterFile) GetF(f byte) NzFloat { return rf.floats[f] }

// SetF stores v into float register f.
func (rf *RegisterFile) SetF(f byte, v NzFloat) { rf.floats[f] = v }
