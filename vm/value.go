package vm

import (
	"errors"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Value domain: non-zero integers, non-zero floats, signs, ordinals
// ---------------------------------------------------------------------------

// Value-domain sentinel errors. The engine maps these onto traps; embedders
// constructing values directly see them as ordinary errors.
var (
	// ErrZeroResult indicates an operation whose result would be the
	// integer zero or a floating-point zero.
	ErrZeroResult = errors.New("result would be zero")

	// ErrNotANumber indicates a floating-point operation produced NaN, or
	// a NaN was passed where a value was required.
	ErrNotANumber = errors.New("result is NaN")
)

// NzInt is a 64-bit two's-complement integer that is never zero. Arithmetic
// wraps on overflow; only an exact-zero result is an error.
type NzInt struct {
	v int64
}

// NewNzInt creates an NzInt, rejecting zero.
func NewNzInt(v int64) (NzInt, error) {
	if v == 0 {
		return NzInt{}, ErrZeroResult
	}
	return NzInt{v}, nil
}

// nzint wraps a value the caller has already proven non-zero.
func nzint(v int64) NzInt {
	return NzInt{v}
}

// Int returns the underlying int64.
func (a NzInt) Int() int64 { return a.v }

// Add returns a+b with wraparound, or ErrZeroResult.
func (a NzInt) Add(b NzInt) (NzInt, error) {
	return NewNzInt(a.v + b.v)
}

// Sub returns a-b with wraparound, or ErrZeroResult.
func (a NzInt) Sub(b NzInt) (NzInt, error) {
	return NewNzInt(a.v - b.v)
}

// Mul returns a*b with wraparound, or ErrZeroResult.
func (a NzInt) Mul(b NzInt) (NzInt, error) {
	return NewNzInt(a.v * b.v)
}

// Div returns a/b truncated toward zero, or ErrZeroResult for a zero
// quotient. MinInt64 / -1 wraps to MinInt64, consistent with the wraparound
// semantics of the other operations.
func (a NzInt) Div(b NzInt) (NzInt, error) {
	if a.v == math.MinInt64 && b.v == -1 {
		return nzint(math.MinInt64), nil
	}
	return NewNzInt(a.v / b.v)
}

// Neg returns -a. MinInt64 wraps to itself, so the result is never zero.
func (a NzInt) Neg() NzInt {
	if a.v == math.MinInt64 {
		return a
	}
	return nzint(-a.v)
}

// Abs returns |a|. MinInt64 wraps to itself.
func (a NzInt) Abs() NzInt {
	if a.v < 0 {
		return a.Neg()
	}
	return a
}

// Signum returns the sign of a.
func (a NzInt) Signum() Sign {
	if a.v > 0 {
		return SignPos
	}
	return SignNeg
}

// Compare returns the ordinal relating a to b.
func (a NzInt) Compare(b NzInt) Ordinal {
	switch {
	case a.v < b.v:
		return OrdinalLT
	case a.v > b.v:
		return OrdinalGT
	default:
		return OrdinalEQ
	}
}

// String implements fmt.Stringer.
func (a NzInt) String() string { return fmt.Sprintf("%d", a.v) }

// NzFloat is a 64-bit IEEE-754 float that is never ±0.0 and never NaN.
// Infinities are valid values.
type NzFloat struct {
	v float64
}

// NewNzFloat creates an NzFloat, rejecting ±0.0 and NaN.
func NewNzFloat(v float64) (NzFloat, error) {
	if math.IsNaN(v) {
		return NzFloat{}, ErrNotANumber
	}
	if v == 0 {
		return NzFloat{}, ErrZeroResult
	}
	return NzFloat{v}, nil
}

func nzfloat(v float64) NzFloat {
	return NzFloat{v}
}

// Float returns the underlying float64.
func (a NzFloat) Float() float64 { return a.v }

// Add returns a+b under IEEE-754 semantics, or an error for a ±0.0/NaN
// result.
func (a NzFloat) Add(b NzFloat) (NzFloat, error) {
	return NewNzFloat(a.v + b.v)
}

// Sub returns a-b.
func (a NzFloat) Sub(b NzFloat) (NzFloat, error) {
	return NewNzFloat(a.v - b.v)
}

// Mul returns a*b.
func (a NzFloat) Mul(b NzFloat) (NzFloat, error) {
	return NewNzFloat(a.v * b.v)
}

// Div returns a/b. The divisor is non-zero by construction, so the quotient
// can only be ±0.0 by underflow or a finite dividend over an infinity.
func (a NzFloat) Div(b NzFloat) (NzFloat, error) {
	return NewNzFloat(a.v / b.v)
}

// Neg returns -a, which is never zero.
func (a NzFloat) Neg() NzFloat {
	return nzfloat(-a.v)
}

// Abs returns |a|.
func (a NzFloat) Abs() NzFloat {
	return nzfloat(math.Abs(a.v))
}

// Signum returns the sign of a.
func (a NzFloat) Signum() Sign {
	if math.Signbit(a.v) {
		return SignNeg
	}
	return SignPos
}

// Compare returns the ordinal relating a to b. Neither operand can be NaN,
// so the ordering is total.
func (a NzFloat) Compare(b NzFloat) Ordinal {
	switch {
	case a.v < b.v:
		return OrdinalLT
	case a.v > b.v:
		return OrdinalGT
	default:
		return OrdinalEQ
	}
}

// String implements fmt.Stringer.
func (a NzFloat) String() string { return fmt.Sprintf("%g", a.v) }

// Sign is the ±1 substitute for a boolean: +1 stands for true, -1 for false.
// Zero is not a member of the type's domain.
type Sign int8

const (
	SignNeg Sign = -1
	SignPos Sign = 1
)

// SignFromBool converts a host boolean.
func SignFromBool(b bool) Sign {
	if b {
		return SignPos
	}
	return SignNeg
}

// Bool converts back to a host boolean.
func (s Sign) Bool() bool { return s == SignPos }

// Not flips the sign.
func (s Sign) Not() Sign { return -s }

// And is logical conjunction over the ±1 domain.
func (s Sign) And(o Sign) Sign {
	if s == SignNeg {
		return SignNeg
	}
	return o
}

// Or is logical disjunction over the ±1 domain.
func (s Sign) Or(o Sign) Sign {
	if s == SignPos {
		return SignPos
	}
	return o
}

// Xor is exclusive or over the ±1 domain.
func (s Sign) Xor(o Sign) Sign {
	if s == o {
		return SignNeg
	}
	return SignPos
}

// NzInt returns the sign as a non-zero integer (±1).
func (s Sign) NzInt() NzInt { return nzint(int64(s)) }

// NzFloat returns the sign as a non-zero float (±1.0).
func (s Sign) NzFloat() NzFloat { return nzfloat(float64(s)) }

// String implements fmt.Stringer.
func (s Sign) String() string {
	if s == SignPos {
		return "+1"
	}
	return "-1"
}

// Ordinal is the three-valued comparison outcome. It is never zero.
type Ordinal int64

const (
	OrdinalLT Ordinal = 1
	OrdinalEQ Ordinal = 2
	OrdinalGT Ordinal = 3
)

// Valid reports whether o is one of the three legal ordinals.
func (o Ordinal) Valid() bool {
	return o >= OrdinalLT && o <= OrdinalGT
}

// NzInt returns the ordinal as a non-zero integer.
func (o Ordinal) NzInt() NzInt { return nzint(int64(o)) }

// String implements fmt.Stringer.
func (o Ordinal) String() string {
	switch o {
	case OrdinalLT:
		return "LT"
	case OrdinalEQ:
		return "EQ"
	case OrdinalGT:
		return "GT"
	default:
		return fmt.Sprintf("Ordinal(%d)", int64(o))
	}
}
