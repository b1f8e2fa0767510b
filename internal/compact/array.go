// Package compact provides a fixed-width bit-packed integer vector.
//
// Elements are packed back to back across 64-bit words with no padding, so an
// element may straddle two adjacent words. Widths of 1 to 32 bits are
// supported.
package compact

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// MaxBits is the widest supported element.
const MaxBits = 32

// maxDecodeLength bounds the element count accepted from serialized input.
const maxDecodeLength = 1 << 24

// ErrMalformed is returned when serialized input cannot be decoded.
var ErrMalformed = errors.New("compact: malformed array")

// Array is a vector of length elements, each bits wide.
type Array struct {
	bits   uint
	length int
	mask   uint64
	words  []uint64
}

// New returns a zeroed array. bits outside 1..32 or a negative length is a
// programmer error and panics.
func New(bits, length int) *Array {
	if bits < 1 || bits > MaxBits {
		panic(errors.AssertionFailedf("compact: invalid width %d", bits))
	}
	if length < 0 {
		panic(errors.AssertionFailedf("compact: invalid length %d", length))
	}
	return &Array{
		bits:   uint(bits),
		length: length,
		mask:   1<<uint(bits) - 1,
		words:  make([]uint64, wordCount(bits, length)),
	}
}

// wordCount returns the number of words needed for length elements.
func wordCount(bits, length int) int {
	return (bits*length + 63) / 64
}

// Len returns the number of elements.
func (a *Array) Len() int { return a.length }

// Bits returns the element width.
func (a *Array) Bits() int { return int(a.bits) }

// Words returns the backing words. The slice is shared with the array.
func (a *Array) Words() []uint64 { return a.words }

func (a *Array) check(i int) {
	if i < 0 || i >= a.length {
		panic(errors.AssertionFailedf("compact: index %d out of range [0,%d)", i, a.length))
	}
}

// Get returns element i.
func (a *Array) Get(i int) uint32 {
	a.check(i)
	off := uint(i) * a.bits
	w, sh := off>>6, off&63
	v := a.words[w] >> sh
	if sh+a.bits > 64 {
		v |= a.words[w+1] << (64 - sh)
	}
	return uint32(v & a.mask)
}

// Set stores v at element i. Bits of v above the width are dropped.
func (a *Array) Set(i int, v uint32) {
	a.check(i)
	x := uint64(v) & a.mask
	off := uint(i) * a.bits
	w, sh := off>>6, off&63
	a.words[w] = a.words[w]&^(a.mask<<sh) | x<<sh
	if sh+a.bits > 64 {
		n := 64 - sh
		a.words[w+1] = a.words[w+1]&^(a.mask>>n) | x>>n
	}
}

// Fill stores v at every element.
func (a *Array) Fill(v uint32) {
	for i := 0; i < a.length; i++ {
		a.Set(i, v)
	}
}

// Widen returns a copy of a with every element re-encoded at the given width.
// Narrowing is a programmer error.
func (a *Array) Widen(bits int) *Array {
	if bits < int(a.bits) {
		panic(errors.AssertionFailedf("compact: cannot narrow %d to %d bits", a.bits, bits))
	}
	out := New(bits, a.length)
	if bits == int(a.bits) {
		copy(out.words, a.words)
		return out
	}
	for i := 0; i < a.length; i++ {
		out.Set(i, a.Get(i))
	}
	return out
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	out := *a
	out.words = append([]uint64(nil), a.words...)
	return &out
}

// Equal reports whether both arrays have the same width, length and words.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.bits != b.bits || a.length != b.length {
		return false
	}
	for i, w := range a.words {
		if b.words[i] != w {
			return false
		}
	}
	return true
}

// SizeBytes returns the size of the backing words.
func (a *Array) SizeBytes() int { return len(a.words) * 8 }

// AppendBinary appends the serialized form: uvarint width, uvarint length,
// then each word little endian.
func (a *Array) AppendBinary(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(a.bits))
	dst = binary.AppendUvarint(dst, uint64(a.length))
	for _, w := range a.words {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// Decode parses an array produced by AppendBinary and returns the remaining
// input.
func Decode(src []byte) (*Array, []byte, error) {
	bits, n := binary.Uvarint(src)
	if n <= 0 || bits < 1 || bits > MaxBits {
		return nil, nil, errors.Wrapf(ErrMalformed, "width")
	}
	src = src[n:]
	length, n := binary.Uvarint(src)
	if n <= 0 || length > maxDecodeLength {
		return nil, nil, errors.Wrapf(ErrMalformed, "length")
	}
	src = src[n:]
	a := New(int(bits), int(length))
	if len(src) < len(a.words)*8 {
		return nil, nil, errors.Wrapf(ErrMalformed, "need %d words, have %d bytes", len(a.words), len(src))
	}
	for i := range a.words {
		a.words[i] = binary.LittleEndian.Uint64(src[i*8:])
	}
	if tail := uint(a.length) * a.bits & 63; tail != 0 && len(a.words) > 0 {
		if a.words[len(a.words)-1]>>tail != 0 {
			return nil, nil, errors.Wrapf(ErrMalformed, "nonzero padding")
		}
	}
	return a, src[len(a.words)*8:], nil
}
