// Package tuple provides an order-preserving encoding of tuples of typed elements
// into byte strings. The encoding is the FoundationDB tuple layer encoding restricted
// to the element types the store keys need. It lives here instead of being imported
// from the FoundationDB bindings because the bindings package requires cgo and
// libfdb_c for anything that imports it.
//
// Encoded tuples sort (bytes.Compare) in the same order as the tuples themselves,
// element by element. Elements of different types sort by type: nil < []byte <
// string < integers < float64 < bool.
package tuple

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	nilCode    = 0x00
	bytesCode  = 0x01
	stringCode = 0x02
	intZero    = 0x14
	floatCode  = 0x21
	falseCode  = 0x26
	trueCode   = 0x27
)

// ErrInvalidEncoding is returned by Unpack when the input is not a packed tuple.
var ErrInvalidEncoding = errors.New("invalid tuple encoding")

// Element is one element of a Tuple. Valid element types are nil, []byte, string,
// int, int64, float64 and bool.
type Element = any

// Tuple is an ordered sequence of elements.
type Tuple []Element

// Pack encodes the tuple. It panics if the tuple contains an element of an unsupported
// type, use PackChecked if the tuple comes from untrusted input.
func (t Tuple) Pack() []byte {
	b, err := t.PackChecked()
	if err != nil {
		panic(err)
	}
	return b
}

// PackChecked is the same as Pack but returns an error instead of panicking.
func (t Tuple) PackChecked() ([]byte, error) {
	buf := make([]byte, 0, 16*len(t))
	for i, e := range t {
		switch v := e.(type) {
		case nil:
			buf = append(buf, nilCode)
		case []byte:
			buf = appendBytes(buf, bytesCode, v)
		case string:
			buf = appendBytes(buf, stringCode, []byte(v))
		case int:
			buf = appendInt(buf, int64(v))
		case int64:
			buf = appendInt(buf, v)
		case float64:
			buf = appendFloat(buf, v)
		case bool:
			if v {
				buf = append(buf, trueCode)
			} else {
				buf = append(buf, falseCode)
			}
		default:
			return nil, fmt.Errorf("tuple: unsupported element type %T at index %d", e, i)
		}
	}
	return buf, nil
}

// Unpack decodes a packed tuple. Integers are returned as int64.
func Unpack(b []byte) (Tuple, error) {
	var t Tuple
	for i := 0; i < len(b); {
		code := b[i]
		switch {
		case code == nilCode:
			t = append(t, nil)
			i++
		case code == bytesCode || code == stringCode:
			v, n, err := decodeBytes(b[i+1:])
			if err != nil {
				return nil, err
			}
			if code == bytesCode {
				t = append(t, v)
			} else {
				t = append(t, string(v))
			}
			i += n + 1
		case code >= intZero-8 && code <= intZero+8:
			v, n, err := decodeInt(b[i:])
			if err != nil {
				return nil, err
			}
			t = append(t, v)
			i += n
		case code == floatCode:
			if len(b) < i+9 {
				return nil, ErrInvalidEncoding
			}
			t = append(t, decodeFloat(b[i+1:i+9]))
			i += 9
		case code == falseCode:
			t = append(t, false)
			i++
		case code == trueCode:
			t = append(t, true)
			i++
		default:
			return nil, fmt.Errorf("%w: unknown type code 0x%02x at offset %d", ErrInvalidEncoding, code, i)
		}
	}
	return t, nil
}

func appendBytes(buf []byte, code byte, v []byte) []byte {
	buf = append(buf, code)
	for _, c := range v {
		buf = append(buf, c)
		if c == 0x00 {
			buf = append(buf, 0xFF)
		}
	}
	return append(buf, 0x00)
}

func decodeBytes(b []byte) ([]byte, int, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, i + 1, nil
	}
	return nil, 0, fmt.Errorf("%w: unterminated byte string", ErrInvalidEncoding)
}

func appendInt(buf []byte, v int64) []byte {
	if v == 0 {
		return append(buf, intZero)
	}

	var u uint64
	if v > 0 {
		u = uint64(v)
	} else {
		u = uint64(^v) + 1
	}

	n := intLen(u)
	var scratch [8]byte
	if v > 0 {
		binary.BigEndian.PutUint64(scratch[:], u)
		buf = append(buf, byte(intZero+n))
	} else {
		// Negative integers are stored as the one's complement of their magnitude
		// so that larger magnitudes sort first.
		binary.BigEndian.PutUint64(scratch[:], ^u)
		buf = append(buf, byte(intZero-n))
	}
	return append(buf, scratch[8-n:]...)
}

func decodeInt(b []byte) (int64, int, error) {
	code := int(b[0])
	if code == intZero {
		return 0, 1, nil
	}

	n := code - intZero
	neg := n < 0
	if neg {
		n = -n
	}
	if len(b) < n+1 {
		return 0, 0, fmt.Errorf("%w: truncated integer", ErrInvalidEncoding)
	}

	var scratch [8]byte
	if neg {
		for i := range scratch {
			scratch[i] = 0xFF
		}
	}
	copy(scratch[8-n:], b[1:n+1])
	u := binary.BigEndian.Uint64(scratch[:])
	if neg {
		// ^u is the magnitude, the value is its negation.
		return -int64(^u), n + 1, nil
	}
	if u > math.MaxInt64 {
		return 0, 0, fmt.Errorf("%w: integer overflows int64", ErrInvalidEncoding)
	}
	return int64(u), n + 1, nil
}

func intLen(u uint64) int {
	n := 0
	for u > 0 {
		n++
		u >>= 8
	}
	return n
}

func appendFloat(buf []byte, v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], bits)
	return append(append(buf, floatCode), scratch[:]...)
}

func decodeFloat(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
