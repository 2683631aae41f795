package vm

import (
	"errors"
	"math"
	"testing"
)

func newTestMemory(t *testing.T, data []byte, stack uint64) *Memory {
	t.Helper()
	m, err := NewMemory(data, stack)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return m
}

func trapKind(t *testing.T, err error) TrapKind {
	t.Helper()
	var trap *Trap
	if !errors.As(err, &trap) {
		t.Fatalf("error %v is not a *Trap", err)
	}
	return trap.Kind
}

func TestMemoryRejectsZeroDataByte(t *testing.T) {
	_, err := NewMemory([]byte{0x01, 0x00, 0x03}, 0)
	if err == nil {
		t.Fatal("NewMemory accepted a zero data byte")
	}
	if k := trapKind(t, err); k != TrapBadModule {
		t.Errorf("kind = %v, want BAD_MODULE", k)
	}
}

func TestMemoryIntRoundTrip(t *testing.T) {
	m := newTestMemory(t, nil, 128)

	for _, v := range []int64{1, -1, 7, math.MinInt64, math.MaxInt64, 0x0100} {
		if err := m.WriteInt64(1, nzint(v)); err != nil {
			t.Fatalf("WriteInt64(%d): %v", v, err)
		}
		got, err := m.ReadInt64(1)
		if err != nil {
			t.Fatalf("ReadInt64 after writing %d: %v", v, err)
		}
		if got.Int() != v {
			t.Errorf("round trip %d: got %d", v, got.Int())
		}
		// No byte in the written span may be zero.
		for addr := uint64(1); addr <= uint64(EncodedLen64(uint64(v))); addr++ {
			if m.buf[addr] == 0x00 {
				t.Fatalf("zero byte at address %d after writing %d", addr, v)
			}
		}
	}
}

func TestMemoryFloatRoundTrip(t *testing.T) {
	m := newTestMemory(t, nil, 128)

	for _, v := range []float64{3.5, -3.5, 1e300, math.Inf(1)} {
		if err := m.WriteFloat64(9, nzfloat(v)); err != nil {
			t.Fatalf("WriteFloat64(%g): %v", v, err)
		}
		got, err := m.ReadFloat64(9)
		if err != nil {
			t.Fatalf("ReadFloat64 after writing %g: %v", v, err)
		}
		if got.Float() != v {
			t.Errorf("round trip %g: got %g", v, got.Float())
		}
	}
}

func TestMemoryReadZeroTraps(t *testing.T) {
	// An encoded integer zero contains no zero bytes, so it can sit in the
	// data region; reading it back must trap, not propagate.
	m := newTestMemory(t, Encode64(0), 0)
	_, err := m.ReadInt64(1)
	if err == nil {
		t.Fatal("ReadInt64 returned a zero value")
	}
	if k := trapKind(t, err); k != TrapZeroResult {
		t.Errorf("kind = %v, want ZERO_RESULT", k)
	}
}

func TestMemoryReadFloatZeroAndNaNTrap(t *testing.T) {
	for _, bits := range []uint64{
		math.Float64bits(0.0),
		math.Float64bits(math.Copysign(0, -1)),
		math.Float64bits(math.NaN()),
	} {
		m := newTestMemory(t, Encode64(bits), 0)
		_, err := m.ReadFloat64(1)
		if err == nil {
			t.Fatalf("ReadFloat64 accepted bits %#x", bits)
		}
		if k := trapKind(t, err); k != TrapZeroResult {
			t.Errorf("bits %#x: kind = %v, want ZERO_RESULT", bits, k)
		}
	}
}

func TestMemoryBounds(t *testing.T) {
	m := newTestMemory(t, nil, 16)

	if _, err := m.ReadInt64(0); trapKind(t, err) != TrapSegfault {
		t.Error("read at address 0 did not SEGFAULT")
	}
	if _, err := m.ReadInt64(m.Size() + 1); trapKind(t, err) != TrapSegfault {
		t.Error("read past end did not SEGFAULT")
	}
	// A write whose encoded span spills past the end.
	if err := m.WriteInt64(m.Size()-2, nzint(-1)); trapKind(t, err) != TrapSegfault {
		t.Error("overlong write did not SEGFAULT")
	}
	if err := m.WriteInt64(0, nzint(1)); trapKind(t, err) != TrapSegfault {
		t.Error("write at address 0 did not SEGFAULT")
	}
}

func TestMemoryStackFillIsNonZero(t *testing.T) {
	m := newTestMemory(t, []byte{0x05}, 32)
	for addr := uint64(1); addr <= m.Size(); addr++ {
		if m.buf[addr] == 0x00 {
			t.Fatalf("memory byte at %d is zero at rest", addr)
		}
	}
}
