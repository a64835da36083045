package bitsequence

import (
	"fmt"
	"strings"
)

// BitSequence represents a sequence of bits stored in a []byte.
// The bits are packed in LSB-first order within each byte (i.e. bit 0 is stored in the least significant bit).
type BitSequence struct {
	buf    []byte // underlying byte slice
	bitLen int    // number of bits stored in the sequence
}

// New returns an all-zero sequence of bitLen bits.
func New(bitLen int) *BitSequence {
	if bitLen < 0 {
		bitLen = 0
	}
	return &BitSequence{buf: make([]byte, (bitLen+7)/8), bitLen: bitLen}
}

// FromBytesLSBWithLength creates a new BitSequence with a specific bit length,
// reading bits from least significant (bit 0) to most significant (bit 7) within each byte.
// It verifies that the provided byte slice is the correct size for the requested bit length,
// and that all bits beyond the specified length are zeros.
func FromBytesLSBWithLength(b []byte, bitLen int) (*BitSequence, error) {
	requiredBytes := (bitLen + 7) / 8
	if len(b) != requiredBytes {
		return nil, fmt.Errorf("bit length %d requires exactly %d bytes, got %d", bitLen, requiredBytes, len(b))
	}

	// bits past bitLen in the last byte must be clear
	if remainingBits := bitLen % 8; remainingBits > 0 {
		mask := byte(0xFF << remainingBits)
		if (b[len(b)-1] & mask) != 0 {
			return nil, fmt.Errorf("invalid bit sequence: bits beyond position %d must be zeros", bitLen-1)
		}
	}

	buf := make([]byte, requiredBytes)
	copy(buf, b)

	return &BitSequence{
		buf:    buf,
		bitLen: bitLen,
	}, nil
}

// BitAt returns the bit at position i (0-indexed).
// It panics if i is out of range.
func (bs *BitSequence) BitAt(i int) bool {
	bs.check(i)
	return (bs.buf[i>>3] & (1 << uint(i&7))) != 0
}

// Set sets bit i.
func (bs *BitSequence) Set(i int) {
	bs.check(i)
	bs.buf[i>>3] |= 1 << uint(i&7)
}

// Clear clears bit i.
func (bs *BitSequence) Clear(i int) {
	bs.check(i)
	bs.buf[i>>3] &^= 1 << uint(i&7)
}

func (bs *BitSequence) check(i int) {
	if i < 0 || i >= bs.bitLen {
		panic(fmt.Sprintf("bitsequence: index %d out of range [0,%d)", i, bs.bitLen))
	}
}

// Len returns the total number of bits in the sequence.
func (bs *BitSequence) Len() int {
	return bs.bitLen
}

// Ones lists the positions of the set bits in increasing order.
func (bs *BitSequence) Ones() []int {
	var out []int
	for i := 0; i < bs.bitLen; i++ {
		if bs.buf[i>>3]&(1<<uint(i&7)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// ToBytesLSB returns a copy of the packed bits.
func (bs *BitSequence) ToBytesLSB() []byte {
	return append([]byte(nil), bs.buf...)
}

func (bs *BitSequence) String() string {
	var sb strings.Builder
	for i := 0; i < bs.bitLen; i++ {
		if bs.BitAt(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
