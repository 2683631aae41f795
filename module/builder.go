package module

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Builder assembles a container from its logical parts. It is the writer
// half of Parse and is used by the assembler and by tests.
type Builder struct {
	text  []byte
	data  []byte
	funcs []builderFunc
	meta  map[string]string
}

type builderFunc struct {
	name  string
	entry uint64
	frame uint64
}

// NewBuilder returns an empty builder carrying the advisory format markers.
func NewBuilder() *Builder {
	return &Builder{
		meta: map[string]string{
			"zfu":     "1",
			"nzcodec": "1",
		},
	}
}

// SetText sets the raw instruction stream.
func (b *Builder) SetText(text []byte) { b.text = text }

// SetData sets the initial data region. The bytes are codec-encoded storage
// bytes and may not include 0x00; Bytes enforces this.
func (b *Builder) SetData(data []byte) { b.data = data }

// AddFunc registers a function and returns its id. Ids are assigned
// sequentially from 1 in registration order.
func (b *Builder) AddFunc(name string, entry, frameSize uint64) uint32 {
	b.funcs = append(b.funcs, builderFunc{name: name, entry: entry, frame: frameSize})
	return uint32(len(b.funcs))
}

// SetMeta records an advisory key/value pair.
func (b *Builder) SetMeta(key, value string) {
	b.meta[key] = value
}

// Bytes emits the container. It performs the same structural validation
// Parse would, so a successful Bytes always round-trips through Parse.
func (b *Builder) Bytes() ([]byte, error) {
	if len(b.text) == 0 {
		return nil, badModule("builder: no text")
	}
	if len(b.funcs) == 0 {
		return nil, badModule("builder: no functions")
	}
	if i := bytes.IndexByte(b.data, 0x00); i >= 0 {
		return nil, badModule("builder: zero byte in data at offset %d", i)
	}

	// String table: a leading separator keeps every name offset non-zero.
	var strtab bytes.Buffer
	strtab.WriteByte(nameSep)
	nameOffsets := make([]uint32, len(b.funcs))
	for i, f := range b.funcs {
		if f.name == "" {
			return nil, badModule("builder: function %d has no name", i)
		}
		if bytes.ContainsAny([]byte(f.name), "\x00\x01") {
			return nil, badModule("builder: name %q contains a reserved byte", f.name)
		}
		nameOffsets[i] = uint32(strtab.Len())
		strtab.WriteString(f.name)
		strtab.WriteByte(nameSep)
	}

	var sym bytes.Buffer
	for i, f := range b.funcs {
		if f.entry == 0 || f.entry > uint64(len(b.text)) {
			return nil, badModule("builder: %s: entry %d outside text", f.name, f.entry)
		}
		if f.frame == 0 || f.frame%8 != 0 {
			return nil, badModule("builder: %s: frame size %d", f.name, f.frame)
		}
		if f.entry > math.MaxUint32 || f.frame > math.MaxUint32 {
			return nil, badModule("builder: %s: field overflows container width", f.name)
		}
		var entry [symEntrySize]byte
		binary.LittleEndian.PutUint32(entry[0:4], uint32(i+1))
		binary.LittleEndian.PutUint32(entry[4:8], nameOffsets[i])
		binary.LittleEndian.PutUint32(entry[8:12], uint32(f.entry))
		binary.LittleEndian.PutUint32(entry[12:16], uint32(f.frame))
		sym.Write(entry[:])
	}

	var meta bytes.Buffer
	keys := make([]string, 0, len(b.meta))
	for k := range b.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if meta.Len() > 0 {
			meta.WriteByte(nameSep)
		}
		fmt.Fprintf(&meta, "%s=%s", k, b.meta[k])
	}

	type payload struct {
		typ   uint8
		align uint8
		body  []byte
	}
	payloads := []payload{
		{SectionText, 1, b.text},
		{SectionSym, 8, sym.Bytes()},
		{SectionStrtab, 1, strtab.Bytes()},
	}
	if len(b.data) > 0 {
		payloads = append(payloads, payload{SectionData, 1, b.data})
	}
	if meta.Len() > 0 {
		payloads = append(payloads, payload{SectionMeta, 1, meta.Bytes()})
	}

	var out bytes.Buffer
	out.Write(Magic)
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], Version)
	out.Write(v[:])
	out.WriteByte(littleEndian)
	out.WriteByte(byte(len(payloads)))

	// Lay sections out after the table, honoring each payload's alignment.
	offset := headerSize + len(payloads)*sectionEntrySize
	offsets := make([]int, len(payloads))
	for i, p := range payloads {
		if p.align > 1 {
			for offset%int(p.align) != 0 {
				offset++
			}
		}
		offsets[i] = offset
		offset += len(p.body)
	}

	for i, p := range payloads {
		var entry [sectionEntrySize]byte
		entry[0] = p.typ
		entry[1] = p.align
		binary.LittleEndian.PutUint32(entry[2:6], uint32(offsets[i]))
		binary.LittleEndian.PutUint32(entry[6:10], uint32(len(p.body)))
		out.Write(entry[:])
	}
	for i, p := range payloads {
		for out.Len() < offsets[i] {
			out.WriteByte(0xFE) // alignment padding, kept non-zero
		}
		out.Write(p.body)
	}

	return out.Bytes(), nil
}
