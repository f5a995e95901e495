// Package bitvec provides the growable bit set used for block predecessor
// sets and null-checked register sets.
package bitvec

import (
	"fmt"
	"math/bits"
	"strings"
)

// BitVector is a sequence of bits stored in a []byte, bit 0 in the least
// significant bit of the first byte. Setting a bit beyond the current length
// grows the vector when it is expandable.
type BitVector struct {
	buf        []byte
	bitLen     int
	expandable bool
}

// New returns a vector able to hold n bits.
func New(n int, expandable bool) *BitVector {
	return &BitVector{
		buf:        make([]byte, (n+7)/8),
		bitLen:     n,
		expandable: expandable,
	}
}

// FromBytesLSB builds a vector of bitLen bits from b. All bits beyond bitLen
// must be zero.
func FromBytesLSB(b []byte, bitLen int) (*BitVector, error) {
	requiredBytes := (bitLen + 7) / 8
	if len(b) != requiredBytes {
		return nil, fmt.Errorf("bit length %d requires exactly %d bytes, got %d", bitLen, requiredBytes, len(b))
	}
	if remainingBits := bitLen % 8; remainingBits > 0 {
		mask := byte(0xFF << remainingBits)
		if b[len(b)-1]&mask != 0 {
			return nil, fmt.Errorf("invalid bit vector: bits beyond position %d must be zeros", bitLen-1)
		}
	}
	buf := make([]byte, requiredBytes)
	copy(buf, b)
	return &BitVector{buf: buf, bitLen: bitLen}, nil
}

// Len returns the number of addressable bits.
func (bv *BitVector) Len() int {
	return bv.bitLen
}

// IsSet reports bit i. Bits beyond the length read as clear.
func (bv *BitVector) IsSet(i int) bool {
	if i < 0 || i >= bv.bitLen {
		return false
	}
	return bv.buf[i>>3]&(1<<uint(i&7)) != 0
}

// Set sets bit i. It panics when i is out of range of a fixed vector.
func (bv *BitVector) Set(i int) {
	if i < 0 {
		panic(fmt.Sprintf("bitvec: negative index %d", i))
	}
	if i >= bv.bitLen {
		if !bv.expandable {
			panic(fmt.Sprintf("bitvec: index %d out of range %d", i, bv.bitLen))
		}
		bv.grow(i + 1)
	}
	bv.buf[i>>3] |= 1 << uint(i&7)
}

// Clear clears bit i. Clearing beyond the length is a no-op.
func (bv *BitVector) Clear(i int) {
	if i < 0 || i >= bv.bitLen {
		return
	}
	bv.buf[i>>3] &^= 1 << uint(i&7)
}

// ClearAll clears every bit, keeping the length.
func (bv *BitVector) ClearAll() {
	for i := range bv.buf {
		bv.buf[i] = 0
	}
}

// Count returns the number of set bits.
func (bv *BitVector) Count() int {
	n := 0
	for _, b := range bv.buf {
		n += bits.OnesCount8(b)
	}
	return n
}

// Each calls fn for every set bit in ascending order.
func (bv *BitVector) Each(fn func(i int)) {
	for byteIndex, b := range bv.buf {
		for b != 0 {
			bit := bits.TrailingZeros8(b)
			fn(byteIndex<<3 | bit)
			b &^= 1 << uint(bit)
		}
	}
}

// Copy makes bv equal to other, growing bv when needed.
func (bv *BitVector) Copy(other *BitVector) {
	if len(bv.buf) < len(other.buf) {
		bv.buf = make([]byte, len(other.buf))
	}
	copy(bv.buf, other.buf)
	for i := len(other.buf); i < len(bv.buf); i++ {
		bv.buf[i] = 0
	}
	if other.bitLen > bv.bitLen {
		bv.bitLen = other.bitLen
	}
}

// Intersect keeps only the bits also set in other.
func (bv *BitVector) Intersect(other *BitVector) {
	for i := range bv.buf {
		if i < len(other.buf) {
			bv.buf[i] &= other.buf[i]
		} else {
			bv.buf[i] = 0
		}
	}
}

// Equal reports whether both vectors hold the same set bits.
func (bv *BitVector) Equal(other *BitVector) bool {
	n := len(bv.buf)
	if len(other.buf) > n {
		n = len(other.buf)
	}
	for i := 0; i < n; i++ {
		var a, b byte
		if i < len(bv.buf) {
			a = bv.buf[i]
		}
		if i < len(other.buf) {
			b = other.buf[i]
		}
		if a != b {
			return false
		}
	}
	return true
}

// ToBytesLSB returns the backing bytes.
func (bv *BitVector) ToBytesLSB() []byte {
	return bv.buf
}

func (bv *BitVector) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	bv.Each(func(i int) {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&sb, "%d", i)
	})
	sb.WriteByte('}')
	return sb.String()
}

func (bv *BitVector) grow(n int) {
	need := (n + 7) / 8
	if need > len(bv.buf) {
		size := len(bv.buf) * 2
		if size < need {
			size = need
		}
		buf := make([]byte, size)
		copy(buf, bv.buf)
		bv.buf = buf
	}
	bv.bitLen = n
}
