package netting

import (
	"errors"
	"math/big"
	"math/bits"
)

// Int128 is an exact signed 128-bit integer in two's complement form.
// Amounts and cash deltas use it so that no batch arithmetic ever rounds
// or silently wraps.
type Int128 struct {
	hi int64
	lo uint64
}

var (
	ErrInt128Overflow = errors.New("int128 overflow")
	ErrInt128Format   = errors.New("invalid int128 decimal string")
)

var (
	maxInt128 = func() *big.Int {
		v := new(big.Int).Lsh(big.NewInt(1), 127)
		return v.Sub(v, big.NewInt(1))
	}()
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	mask64    = new(big.Int).SetUint64(^uint64(0))
)

// FromInt64 converts v to an Int128.
func FromInt64(v int64) Int128 {
	hi := int64(0)
	if v < 0 {
		hi = -1
	}
	return Int128{hi: hi, lo: uint64(v)}
}

// FromDecimalString parses a base-10 integer string, rejecting values
// outside the signed 128-bit range.
func FromDecimalString(s string) (Int128, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Int128{}, ErrInt128Format
	}
	if b.Cmp(maxInt128) > 0 || b.Cmp(minInt128) < 0 {
		return Int128{}, ErrInt128Overflow
	}

	// Reduce to two's complement words.
	m := new(big.Int).Set(b)
	if m.Sign() < 0 {
		m.Add(m, two128)
	}
	lo := new(big.Int).And(m, mask64).Uint64()
	hi := int64(new(big.Int).Rsh(m, 64).Uint64())
	return Int128{hi: hi, lo: lo}, nil
}

// AddChecked returns x+y or ErrInt128Overflow.
func (x Int128) AddChecked(y Int128) (Int128, error) {
	lo, carry := bits.Add64(x.lo, y.lo, 0)
	hi := int64(uint64(x.hi) + uint64(y.hi) + carry)

	// Same-sign operands producing an opposite-sign result means the true
	// sum left the representable range.
	if (x.hi < 0) == (y.hi < 0) && (hi < 0) != (x.hi < 0) {
		return Int128{}, ErrInt128Overflow
	}
	return Int128{hi: hi, lo: lo}, nil
}

// SubChecked returns x-y or ErrInt128Overflow.
func (x Int128) SubChecked(y Int128) (Int128, error) {
	ny, err := y.Neg()
	if err != nil {
		return Int128{}, err
	}
	return x.AddChecked(ny)
}

// Neg returns -x. Negating the minimum value overflows.
func (x Int128) Neg() (Int128, error) {
	if x.hi == -1<<63 && x.lo == 0 {
		return Int128{}, ErrInt128Overflow
	}
	lo, carry := bits.Add64(^x.lo, 1, 0)
	hi := int64(uint64(^x.hi) + carry)
	return Int128{hi: hi, lo: lo}, nil
}

// Sign returns -1, 0 or +1.
func (x Int128) Sign() int {
	if x.hi < 0 {
		return -1
	}
	if x.hi == 0 && x.lo == 0 {
		return 0
	}
	return 1
}

func (x Int128) IsZero() bool {
	return x.hi == 0 && x.lo == 0
}

// Cmp compares x and y, returning -1, 0 or +1.
func (x Int128) Cmp(y Int128) int {
	if x.hi != y.hi {
		if x.hi < y.hi {
			return -1
		}
		return 1
	}
	if x.lo != y.lo {
		if x.lo < y.lo {
			return -1
		}
		return 1
	}
	return 0
}

// BigInt returns the arbitrary-precision value of x.
func (x Int128) BigInt() *big.Int {
	b := big.NewInt(x.hi)
	b.Lsh(b, 64)
	return b.Add(b, new(big.Int).SetUint64(x.lo))
}

// String renders x as a base-10 integer.
func (x Int128) String() string {
	return x.BigInt().String()
}

// MarshalText implements encoding.TextMarshaler so deltas serialise as
// decimal strings in JSON and CBOR payloads.
func (x Int128) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Int128) UnmarshalText(text []byte) error {
	v, err := FromDecimalString(string(text))
	if err != nil {
		return err
	}
	*x = v
	return nil
}
