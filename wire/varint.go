package wire

import (
	"io"

	"github.com/pkg/errors"
)

// CryptoNote integers are serialized as base-128 varints: seven payload bits
// per byte, least significant group first, high bit set on every byte except
// the last.

// maxVarIntBytes is the maximum wire length of an encoded uint64.
const maxVarIntBytes = 10

// WriteVarUint serializes n to w as a CryptoNote varint.
func WriteVarUint(w io.Writer, n uint64) error {
	var buf [maxVarIntBytes]byte
	i := 0
	for n >= 0x80 {
		buf[i] = byte(n&0x7f) | 0x80
		n >>= 7
		i++
	}
	buf[i] = byte(n)
	_, err := w.Write(buf[:i+1])
	return errors.WithStack(err)
}

// ReadVarUint deserializes a CryptoNote varint from r. Non-canonical
// encodings (trailing zero groups, overflow past 64 bits) are rejected.
func ReadVarUint(r io.Reader) (uint64, error) {
	var n uint64
	var buf [1]byte
	for shift := uint(0); ; shift += 7 {
		if shift >= 64 {
			return 0, errors.New("varint overflows a 64-bit integer")
		}
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, errors.WithStack(err)
		}
		b := buf[0]
		if shift > 0 && b == 0 {
			return 0, errors.New("non-canonical varint: trailing zero group")
		}
		group := uint64(b & 0x7f)
		if shift == 63 && group > 1 {
			return 0, errors.New("varint overflows a 64-bit integer")
		}
		n |= group << shift
		if b&0x80 == 0 {
			return n, nil
		}
	}
}

// VarUintSerializeSize returns the number of bytes WriteVarUint would emit
// for n.
func VarUintSerializeSize(n uint64) int {
	size := 1
	for n >= 0x80 {
		n >>= 7
		size++
	}
	return size
}
