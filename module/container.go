// Package module reads and writes the zfvm container format: a small binary
// envelope holding the text, data, symbol, string and metadata sections a
// program ships as.
//
// The container plumbing itself lives outside the zero-free universe (its
// header and tables are ordinary binary fields), but the payloads it carries
// are held to the universe's rules: the data section and string table may
// not contain a 0x00 byte anywhere.
package module

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/zfvm/vm"
)

// Magic identifies a zfvm container. Four non-zero ASCII bytes.
var Magic = []byte{'Z', 'F', 'V', 'M'}

// Version is the current container format version.
const Version uint16 = 0x0003

// Section types.
const (
	SectionText   uint8 = 1
	SectionData   uint8 = 2
	SectionSym    uint8 = 3
	SectionStrtab uint8 = 4
	SectionMeta   uint8 = 5
)

const (
	headerSize       = 8  // magic(4) version(2) endian(1) count(1)
	sectionEntrySize = 10 // type(1) align(1) offset(4) size(4)
	symEntrySize     = 16 // func_id(4) name_offset(4) entry_offset(4) frame_size(4)

	// nameSep separates entries in the string table and the metadata
	// section. 0x00 is banned there, so 0x01 plays the terminator.
	nameSep = 0x01

	littleEndian = 1

	// EntryName is the symbol the engine starts at.
	EntryName = "main"
)

// Module is a parsed, structurally valid container.
type Module struct {
	Text  []byte
	Data  []byte
	Funcs []vm.Func
	Meta  map[string]string

	byID   map[uint32]vm.Func
	byName map[string]vm.Func
}

func badModule(format string, args ...interface{}) error {
	return vm.NewTrap(vm.TrapBadModule, format, args...)
}

type section struct {
	typ    uint8
	align  uint8
	offset uint32
	size   uint32
}

// Parse validates and decodes a container. Any structural defect (bad
// header, overlapping or out-of-range sections, a malformed symbol table,
// a 0x00 byte in the data or string sections) is a BAD_MODULE error. A
// missing "main" symbol is not a parse error; it surfaces from Program.
func Parse(b []byte) (*Module, error) {
	if len(b) < headerSize {
		return nil, badModule("container too short (%d bytes)", len(b))
	}
	if !bytes.Equal(b[0:4], Magic) {
		return nil, badModule("bad magic %q", b[0:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != Version {
		return nil, badModule("unsupported version 0x%04X", v)
	}
	if b[6] != littleEndian {
		return nil, badModule("unsupported endianness flag %d", b[6])
	}
	count := int(b[7])
	if count == 0 {
		return nil, badModule("no sections")
	}
	tableEnd := headerSize + count*sectionEntrySize
	if tableEnd > len(b) {
		return nil, badModule("section table runs past end of container")
	}

	sections := make([]section, 0, count)
	seen := make(map[uint8]bool)
	for i := 0; i < count; i++ {
		off := headerSize + i*sectionEntrySize
		s := section{
			typ:    b[off],
			align:  b[off+1],
			offset: binary.LittleEndian.Uint32(b[off+2 : off+6]),
			size:   binary.LittleEndian.Uint32(b[off+6 : off+10]),
		}
		if s.typ < SectionText || s.typ > SectionMeta {
			return nil, badModule("section %d: unknown type %d", i, s.typ)
		}
		if seen[s.typ] {
			return nil, badModule("duplicate section type %d", s.typ)
		}
		seen[s.typ] = true
		if uint64(s.offset) < uint64(tableEnd) || uint64(s.offset)+uint64(s.size) > uint64(len(b)) {
			return nil, badModule("section type %d: range [%d, %d) outside container", s.typ, s.offset, uint64(s.offset)+uint64(s.size))
		}
		if s.align > 1 && s.offset%uint32(s.align) != 0 {
			return nil, badModule("section type %d: offset %d not %d-aligned", s.typ, s.offset, s.align)
		}
		sections = append(sections, s)
	}

	// No two sections may overlap.
	ordered := append([]section(nil), sections...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if uint64(prev.offset)+uint64(prev.size) > uint64(cur.offset) {
			return nil, badModule("sections type %d and %d overlap", prev.typ, cur.typ)
		}
	}

	get := func(typ uint8) []byte {
		for _, s := range sections {
			if s.typ == typ {
				return b[s.offset : uint64(s.offset)+uint64(s.size)]
			}
		}
		return nil
	}

	text := get(SectionText)
	if len(text) == 0 {
		return nil, badModule("missing or empty text section")
	}
	symRaw := get(SectionSym)
	if symRaw == nil {
		return nil, badModule("missing symbol section")
	}
	strtab := get(SectionStrtab)
	if strtab == nil {
		return nil, badModule("missing string table")
	}
	data := get(SectionData)

	// The zero scan: data and strings are at-rest storage bytes.
	if i := bytes.IndexByte(data, 0x00); i >= 0 {
		return nil, badModule("zero byte in data section at offset %d", i)
	}
	if i := bytes.IndexByte(strtab, 0x00); i >= 0 {
		return nil, badModule("zero byte in string table at offset %d", i)
	}

	funcs, err := parseSymbols(symRaw, strtab, uint64(len(text)))
	if err != nil {
		return nil, err
	}

	meta, err := parseMeta(get(SectionMeta))
	if err != nil {
		return nil, err
	}

	m := &Module{
		Text:   text,
		Data:   data,
		Funcs:  funcs,
		Meta:   meta,
		byID:   make(map[uint32]vm.Func, len(funcs)),
		byName: make(map[string]vm.Func, len(funcs)),
	}
	for _, f := range funcs {
		m.byID[f.ID] = f
		m.byName[f.Name] = f
	}
	return m, nil
}

func parseSymbols(raw, strtab []byte, textLen uint64) ([]vm.Func, error) {
	if len(raw)%symEntrySize != 0 {
		return nil, badModule("symbol section size %d not a multiple of %d", len(raw), symEntrySize)
	}
	n := len(raw) / symEntrySize
	if n == 0 {
		return nil, badModule("empty symbol table")
	}
	funcs := make([]vm.Func, 0, n)
	ids := make(map[uint32]bool, n)
	names := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		off := i * symEntrySize
		id := binary.LittleEndian.Uint32(raw[off : off+4])
		nameOff := binary.LittleEndian.Uint32(raw[off+4 : off+8])
		entry := binary.LittleEndian.Uint32(raw[off+8 : off+12])
		frame := binary.LittleEndian.Uint32(raw[off+12 : off+16])

		if id == 0 {
			return nil, badModule("symbol %d: zero function id", i)
		}
		if ids[id] {
			return nil, badModule("symbol %d: duplicate function id %d", i, id)
		}
		ids[id] = true
		if nameOff == 0 {
			return nil, badModule("symbol %d: zero name offset", i)
		}
		name, err := strtabName(strtab, nameOff)
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %w", i, err)
		}
		if names[name] {
			return nil, badModule("symbol %d: duplicate name %q", i, name)
		}
		names[name] = true
		if entry == 0 || uint64(entry) > textLen {
			return nil, badModule("symbol %q: entry offset %d outside text", name, entry)
		}
		if frame == 0 || frame%8 != 0 {
			return nil, badModule("symbol %q: frame size %d (want non-zero multiple of 8)", name, frame)
		}
		funcs = append(funcs, vm.Func{
			ID:        id,
			Name:      name,
			Entry:     uint64(entry),
			FrameSize: uint64(frame),
		})
	}
	return funcs, nil
}

// strtabName reads the 0x01-terminated name starting at off.
func strtabName(strtab []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(strtab)) {
		return "", badModule("name offset %d outside string table", off)
	}
	rest := strtab[off:]
	end := bytes.IndexByte(rest, nameSep)
	if end < 0 {
		end = len(rest)
	}
	if end == 0 {
		return "", badModule("empty name at offset %d", off)
	}
	return string(rest[:end]), nil
}

func parseMeta(raw []byte) (map[string]string, error) {
	meta := make(map[string]string)
	if len(raw) == 0 {
		return meta, nil
	}
	if i := bytes.IndexByte(raw, 0x00); i >= 0 {
		return nil, badModule("zero byte in meta section at offset %d", i)
	}
	for _, pair := range bytes.Split(raw, []byte{nameSep}) {
		if len(pair) == 0 {
			continue
		}
		k, v, ok := strings.Cut(string(pair), "=")
		if !ok || k == "" {
			return nil, badModule("malformed meta entry %q", pair)
		}
		meta[k] = v
	}
	return meta, nil
}

// FuncByID looks up a function by id.
func (m *Module) FuncByID(id uint32) (vm.Func, bool) {
	f, ok := m.byID[id]
	return f, ok
}

// FuncNamed looks up a function by name.
func (m *Module) FuncNamed(name string) (vm.Func, bool) {
	f, ok := m.byName[name]
	return f, ok
}

// Program converts the module into the engine's view of it. A module with
// no "main" symbol yields a NO_ENTRY error.
func (m *Module) Program() (*vm.Program, error) {
	entry, ok := m.byName[EntryName]
	if !ok {
		return nil, vm.NewTrap(vm.TrapNoEntry, "no %q symbol", EntryName)
	}
	return &vm.Program{
		Text:  m.Text,
		Data:  m.Data,
		Funcs: m.Funcs,
		Entry: entry.ID,
	}, nil
}
