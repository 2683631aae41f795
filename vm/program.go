package vm

// ---------------------------------------------------------------------------
// Program: the decoded module sections the engine runs
// ---------------------------------------------------------------------------

// Func is one callable function from the module's symbol table.
type Func struct {
	ID        uint32
	Name      string
	Entry     uint64 // 1-based text offset of the first instruction
	FrameSize uint64 // bytes of stack carved out per activation; 8-aligned, never 0
}

// Program is the engine's view of a loaded module: validated section
// contents, with the container plumbing already stripped away. The module
// package produces these; the verifier and the engine consume them.
type Program struct {
	// Text is the raw instruction stream. Offsets into it are 1-based.
	Text []byte

	// Data is the initial data region, already codec-encoded and free of
	// zero bytes.
	Data []byte

	// Funcs lists the symbol table's functions.
	Funcs []Func

	// Entry is the function id of "main".
	Entry uint32
}

// FuncByID returns the function with the given id.
func (p *Program) FuncByID(id uint32) (Func, bool) {
	for _, f := range p.Funcs {
		if f.ID == id {
			return f, true
		}
	}
	return Func{}, false
}

// EntryFunc returns the program's entry function.
func (p *Program) EntryFunc() (Func, error) {
	if f, ok := p.FuncByID(p.Entry); ok {
		return f, nil
	}
	return Func{}, NewTrap(TrapNoEntry, "no entry function")
}
