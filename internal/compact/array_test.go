package compact

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripAllWidths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const length = 300
	for bits := 1; bits <= MaxBits; bits++ {
		a := New(bits, length)
		mask := uint32(1<<uint(bits) - 1)
		want := make([]uint32, length)
		for i := 0; i < length; i++ {
			v := rng.Uint32()
			a.Set(i, v)
			want[i] = v & mask
		}
		for i := 0; i < length; i++ {
			if got := a.Get(i); got != want[i] {
				t.Fatalf("bits=%d Get(%d) = %d, want %d", bits, i, got, want[i])
			}
		}
	}
}

func TestStraddlingWordBoundary(t *testing.T) {
	// With 7-bit elements, element 9 occupies bits 63..69.
	a := New(7, 20)
	a.Set(8, 0x7f)
	a.Set(9, 0x55)
	a.Set(10, 0x7f)
	require.Equal(t, uint32(0x7f), a.Get(8))
	require.Equal(t, uint32(0x55), a.Get(9))
	require.Equal(t, uint32(0x7f), a.Get(10))

	// Overwriting a straddling element must not disturb neighbours.
	a.Set(9, 0x2a)
	require.Equal(t, uint32(0x7f), a.Get(8))
	require.Equal(t, uint32(0x2a), a.Get(9))
	require.Equal(t, uint32(0x7f), a.Get(10))
}

func TestOutOfRangePanics(t *testing.T) {
	a := New(3, 10)
	require.Panics(t, func() { a.Get(10) })
	require.Panics(t, func() { a.Set(-1, 1) })
	require.Panics(t, func() { New(0, 10) })
	require.Panics(t, func() { New(33, 10) })
}

func TestWiden(t *testing.T) {
	a := New(3, 64)
	for i := 0; i < 64; i++ {
		a.Set(i, uint32(i%8))
	}
	b := a.Widen(5)
	require.Equal(t, 5, b.Bits())
	for i := 0; i < 64; i++ {
		require.Equal(t, a.Get(i), b.Get(i))
	}
	require.Panics(t, func() { b.Widen(4) })
}

func TestEqualAndClone(t *testing.T) {
	a := New(9, 256)
	for i := 0; i < 256; i++ {
		a.Set(i, uint32(i*3))
	}
	b := a.Clone()
	require.True(t, a.Equal(b))
	b.Set(100, 1)
	require.False(t, a.Equal(b))
	require.False(t, a.Equal(New(8, 256)))
}

func TestBinaryRoundTrip(t *testing.T) {
	a := New(13, 256)
	for i := 0; i < 256; i++ {
		a.Set(i, uint32(i*31))
	}
	buf := a.AppendBinary([]byte{0xaa})
	got, rest, err := Decode(buf[1:])
	require.NoError(t, err)
	require.Empty(t, rest)
	require.True(t, a.Equal(got))

	_, _, err = Decode(buf[1 : len(buf)-1])
	require.ErrorIs(t, err, ErrMalformed)
	_, _, err = Decode([]byte{40, 1})
	require.ErrorIs(t, err, ErrMalformed)
}
