package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Memory: linear, 1-indexed, codec-constrained byte storage
// ---------------------------------------------------------------------------

// Memory is the single linear byte array a program runs against. Addresses
// are 1-based; address 0 is never valid. Every byte at rest is a storage
// byte, never 0x00, so typed access always goes through the codec.
type Memory struct {
	// buf[0] is dead padding so that address a maps to buf[a] directly.
	buf []byte
}

// stackFill pads the uninitialized stack region. Any non-zero byte works;
// reading uninitialized stack as a 64-bit value yields garbage, not zero.
const stackFill = 0x01

// NewMemory builds memory holding the already-encoded data bytes at
// addresses 1..len(data), followed by stackSize bytes of stack. The data
// bytes must have passed the loader's zero scan; a zero byte here is an
// upstream defect and is rejected unconditionally.
func NewMemory(data []byte, stackSize uint64) (*Memory, error) {
	for i, b := range data {
		if b == 0x00 {
			return nil, NewTrap(TrapBadModule, "zero byte in data region at offset %d", i+1)
		}
	}
	size := uint64(len(data)) + stackSize
	buf := make([]byte, size+1)
	copy(buf[1:], data)
	for i := uint64(len(data)) + 1; i <= size; i++ {
		buf[i] = stackFill
	}
	return &Memory{buf: buf}, nil
}

// Size returns the highest valid address.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf)) - 1
}

func (m *Memory) checkAddr(addr uint64) *Trap {
	if addr == 0 {
		// Address zero is not constructible by a legal operation.
		return NewTrap(TrapSegfault, "address zero")
	}
	if addr > m.Size() {
		return NewTrap(TrapSegfault, "address %d out of bounds (size %d)", addr, m.Size())
	}
	return nil
}

// readRaw decodes 8 logical bytes starting at addr and returns the raw
// 64-bit pattern.
func (m *Memory) readRaw(addr uint64) (uint64, error) {
	if t := m.checkAddr(addr); t != nil {
		return 0, t
	}
	v, _, err := Decode64(m.buf[addr:])
	if err != nil {
		if err == ErrShortInput {
			return 0, NewTrap(TrapSegfault, "read at %d runs past end of memory", addr)
		}
		return 0, NewTrap(TrapIllegal, "read at %d: %v", addr, err)
	}
	return v, nil
}

// ReadInt64 reads the encoded 64-bit integer at addr. A decoded zero traps
// ZERO_RESULT.
func (m *Memory) ReadInt64(addr uint64) (NzInt, error) {
	raw, err := m.readRaw(addr)
	if err != nil {
		return NzInt{}, err
	}
	v, err := NewNzInt(int64(raw))
	if err != nil {
		return NzInt{}, NewTrap(TrapZeroResult, "loaded zero from %d", addr)
	}
	return v, nil
}

// ReadFloat64 reads the encoded 64-bit float at addr. A decoded ±0.0 or NaN
// traps ZERO_RESULT.
func (m *Memory) ReadFloat64(addr uint64) (NzFloat, error) {
	raw, err := m.readRaw(addr)
	if err != nil {
		return NzFloat{}, err
	}
	v, err := NewNzFloat(math.Float64frombits(raw))
	if err != nil {
		return NzFloat{}, NewTrap(TrapZeroResult, "loaded %v from %d",
			math.Float64frombits(raw), addr)
	}
	return v, nil
}

// writeRaw encodes the 64-bit pattern and stores it at addr. The encoded
// span is 8..16 bytes; overwriting a previously longer or shorter span is
// the program's layout concern, not the memory's.
func (m *Memory) writeRaw(addr uint64, raw uint64) error {
	if t := m.checkAddr(addr); t != nil {
		return t
	}
	enc := Encode64(raw)
	if addr+uint64(len(enc))-1 > m.Size() {
		return NewTrap(TrapSegfault, "write of %d bytes at %d out of bounds (size %d)",
			len(enc), addr, m.Size())
	}
	for _, b := range enc {
		if b == 0x00 {
			// Unreachable with a correct codec.
			return NewTrap(TrapNZByte, "codec emitted zero byte for %#x", raw)
		}
	}
	copy(m.buf[addr:], enc)
	return nil
}

// WriteInt64 stores v at addr.
func (m *Memory) WriteInt64(addr uint64, v NzInt) error {
	return m.writeRaw(addr, uint64(v.Int()))
}

// WriteFloat64 stores v at addr.
func (m *Memory) WriteFloat64(addr uint64, v NzFloat) error {
	return m.writeRaw(addr, math.Float64bits(v.Float()))
}
