package vm

import (
	"encoding/binary"
	"errors"
)

// ---------------------------------------------------------------------------
// Codec: byte stuffing that keeps 0x00 out of storage
// ---------------------------------------------------------------------------

// The codec is the bridge between arbitrary logical bytes and the zero-free
// storage bytes held in linear memory. Values 1..254 encode as themselves;
// 0x00 and 0xFF escape to two-byte sequences introduced by 0xFF.

const (
	codecEscape  = 0xFF
	codecTagZero = 0x01 // [0xFF, 0x01] decodes to 0x00
	codecTagFF   = 0x02 // [0xFF, 0x02] decodes to 0xFF
)

// Codec decode errors. At runtime the engine surfaces these as ILLEGAL; at
// parse time the loader surfaces them as BAD_MODULE.
var (
	ErrTruncatedEscape = errors.New("codec: truncated escape sequence")
	ErrBadEscapeTag    = errors.New("codec: unknown escape tag")
	ErrShortInput      = errors.New("codec: input exhausted")
)

// AppendEncodedByte appends the encoding of b to dst. The appended bytes
// never include 0x00.
func AppendEncodedByte(dst []byte, b byte) []byte {
	switch b {
	case 0x00:
		return append(dst, codecEscape, codecTagZero)
	case codecEscape:
		return append(dst, codecEscape, codecTagFF)
	default:
		return append(dst, b)
	}
}

// DecodeByte decodes one logical byte from src, returning the byte and the
// number of storage bytes consumed.
func DecodeByte(src []byte) (byte, int, error) {
	if len(src) == 0 {
		return 0, 0, ErrShortInput
	}
	b := src[0]
	if b != codecEscape {
		return b, 1, nil
	}
	if len(src) < 2 {
		return 0, 0, ErrTruncatedEscape
	}
	switch src[1] {
	case codecTagZero:
		return 0x00, 2, nil
	case codecTagFF:
		return codecEscape, 2, nil
	default:
		return 0, 0, ErrBadEscapeTag
	}
}

// AppendEncoded64 appends the encoding of the 8 little-endian bytes of v to
// dst. The result occupies between 8 and 16 storage bytes.
func AppendEncoded64(dst []byte, v uint64) []byte {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	for _, b := range raw {
		dst = AppendEncodedByte(dst, b)
	}
	return dst
}

// Encode64 returns the encoding of v as a fresh slice.
func Encode64(v uint64) []byte {
	return AppendEncoded64(make([]byte, 0, 16), v)
}

// Decode64 decodes 8 logical bytes from src, reassembles them little-endian
// and returns the value plus the number of storage bytes consumed.
func Decode64(src []byte) (uint64, int, error) {
	var raw [8]byte
	n := 0
	for i := 0; i < 8; i++ {
		b, used, err := DecodeByte(src[n:])
		if err != nil {
			return 0, 0, err
		}
		raw[i] = b
		n += used
	}
	return binary.LittleEndian.Uint64(raw[:]), n, nil
}

// EncodedLen64 returns the number of storage bytes Encode64 would emit for v.
func EncodedLen64(v uint64) int {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	n := 8
	for _, b := range raw {
		if b == 0x00 || b == codecEscape {
			n++
		}
	}
	return n
}
