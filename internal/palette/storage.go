// Package palette implements adaptive per-column value storage.
//
// A Storage maps every index to one of a small set of distinct values through
// a bit-packed pointer array. The pointer width grows through discrete size
// classes as more distinct values are stored:
//
//	Single -> Double -> Quad -> Octo -> Indexed(4, 5, ...) -> Raw
//
// Raw stores values directly and is used once a pointer would be as wide as a
// plain index into the storage.
package palette

import (
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/regionstore/internal/compact"
)

// Kind is the size class of a Storage.
type Kind uint8

const (
	KindSingle Kind = iota + 1
	KindDouble
	KindQuad
	KindOcto
	KindIndexed
	KindRaw
)

// minIndexedBits is the pointer width of the first Indexed class.
const minIndexedBits = 4

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindDouble:
		return "double"
	case KindQuad:
		return "quad"
	case KindOcto:
		return "octo"
	case KindIndexed:
		return "indexed"
	case KindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Storage holds size values of type T.
//
// The zero value is not usable; a nil *Storage reads as absent everywhere.
type Storage[T comparable] struct {
	size  int
	kind  Kind
	bits  int // pointer width, 0 for Single and Raw
	vals  []T // palette, or the values themselves for Raw
	index map[T]int
	ptrs  *compact.Array
}

// New returns a Storage of the given size with every index set to fill.
func New[T comparable](size int, fill T) *Storage[T] {
	if size < 1 {
		panic(errors.AssertionFailedf("palette: invalid size %d", size))
	}
	return &Storage[T]{size: size, kind: KindSingle, vals: []T{fill}}
}

// ceilLog2 returns the number of bits needed to index n distinct positions.
func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// classBits returns the pointer width used by a palette class.
func classBits(k Kind, indexedBits int) int {
	switch k {
	case KindDouble:
		return 1
	case KindQuad:
		return 2
	case KindOcto:
		return 3
	case KindIndexed:
		return indexedBits
	default:
		return 0
	}
}

// Len returns the number of indices.
func (s *Storage[T]) Len() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Kind returns the current size class.
func (s *Storage[T]) Kind() Kind { return s.kind }

// PointerBits returns the pointer width of the current class.
func (s *Storage[T]) PointerBits() int { return s.bits }

// capacity returns how many distinct values the current class can address.
func (s *Storage[T]) capacity() int {
	switch s.kind {
	case KindSingle:
		return 1
	case KindRaw:
		return s.size
	default:
		return 1 << uint(s.bits)
	}
}

func (s *Storage[T]) checkIndex(i int) {
	if i < 0 || i >= s.size {
		panic(errors.AssertionFailedf("palette: index %d out of range [0,%d)", i, s.size))
	}
}

// Get returns the value at index i, or the zero value for a nil Storage.
func (s *Storage[T]) Get(i int) T {
	v, _ := s.Lookup(i)
	return v
}

// Lookup returns the value at index i and whether the storage is populated.
func (s *Storage[T]) Lookup(i int) (T, bool) {
	if s == nil {
		var zero T
		return zero, false
	}
	s.checkIndex(i)
	switch s.kind {
	case KindRaw:
		return s.vals[i], true
	case KindSingle:
		return s.vals[0], true
	default:
		return s.vals[s.ptrs.Get(i)], true
	}
}

// find returns the pointer registered for v.
func (s *Storage[T]) find(v T) (int, bool) {
	if s.index != nil {
		p, ok := s.index[v]
		return p, ok
	}
	for p, x := range s.vals {
		if x == v {
			return p, true
		}
	}
	return 0, false
}

// register appends v to the palette and returns its pointer.
func (s *Storage[T]) register(v T) int {
	p := len(s.vals)
	s.vals = append(s.vals, v)
	if s.index != nil {
		s.index[v] = p
	}
	return p
}

func (s *Storage[T]) ptr(i int) int {
	if s.ptrs == nil {
		return 0
	}
	return int(s.ptrs.Get(i))
}

// Set stores v at index i, compacting or promoting the storage as needed.
func (s *Storage[T]) Set(i int, v T) {
	s.checkIndex(i)
	for {
		if s.kind == KindRaw {
			s.vals[i] = v
			return
		}
		if p, ok := s.find(v); ok {
			if s.ptrs != nil {
				s.ptrs.Set(i, uint32(p))
			}
			return
		}
		if len(s.vals) < s.capacity() {
			p := s.register(v)
			if s.ptrs != nil {
				s.ptrs.Set(i, uint32(p))
			}
			return
		}
		if s.compact(i) {
			continue
		}
		s.promote()
	}
}

// Compact rebuilds the palette from the values still referenced, keeping the
// current size class.
func (s *Storage[T]) Compact() {
	if s == nil || s.kind == KindRaw {
		return
	}
	s.compact(-1)
}

// compact drops palette entries with no live reference, ignoring index skip.
// It reports whether the rebuilt palette has spare capacity.
func (s *Storage[T]) compact(skip int) bool {
	used := make([]bool, len(s.vals))
	live := 0
	for j := 0; j < s.size; j++ {
		if j == skip {
			continue
		}
		if p := s.ptr(j); !used[p] {
			used[p] = true
			live++
			if live == len(s.vals) {
				break
			}
		}
	}
	if live >= s.capacity() {
		return false
	}
	if live == len(s.vals) {
		return true
	}
	remap := make([]int, len(s.vals))
	vals := make([]T, 0, live)
	for p, ok := range used {
		if ok {
			remap[p] = len(vals)
			vals = append(vals, s.vals[p])
		}
	}
	if s.ptrs != nil {
		for j := 0; j < s.size; j++ {
			if j == skip {
				s.ptrs.Set(j, 0)
				continue
			}
			s.ptrs.Set(j, uint32(remap[s.ptr(j)]))
		}
	}
	s.vals = vals
	if s.index != nil {
		s.index = make(map[T]int, len(vals))
		for p, x := range vals {
			s.index[x] = p
		}
	}
	return true
}

// promote moves the storage to the next size class.
func (s *Storage[T]) promote() {
	kind, width := s.kind, s.bits
	switch kind {
	case KindSingle:
		kind, width = KindDouble, 1
	case KindDouble:
		kind, width = KindQuad, 2
	case KindQuad:
		kind, width = KindOcto, 3
	case KindOcto:
		kind, width = KindIndexed, minIndexedBits
	case KindIndexed:
		width++
	default:
		panic(errors.AssertionFailedf("palette: cannot promote %s", kind))
	}
	if width >= ceilLog2(s.size) {
		s.toRaw()
		return
	}
	if s.ptrs == nil {
		s.ptrs = compact.New(width, s.size)
	} else {
		s.ptrs = s.ptrs.Widen(width)
	}
	if kind == KindIndexed && s.index == nil {
		s.index = make(map[T]int, 1<<uint(width))
		for p, x := range s.vals {
			s.index[x] = p
		}
	}
	s.kind, s.bits = kind, width
}

func (s *Storage[T]) toRaw() {
	vals := make([]T, s.size)
	for j := range vals {
		vals[j] = s.vals[s.ptr(j)]
	}
	s.kind, s.bits = KindRaw, 0
	s.vals, s.index, s.ptrs = vals, nil, nil
}

// Distinct returns the number of palette entries. For Raw storages it counts
// distinct values.
func (s *Storage[T]) Distinct() int {
	if s == nil {
		return 0
	}
	if s.kind != KindRaw {
		return len(s.vals)
	}
	seen := make(map[T]struct{}, s.size)
	for _, v := range s.vals {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Equal reports whether both storages have the same class, palette and
// pointer words. Storages holding equal values under a different palette
// order compare unequal.
func (s *Storage[T]) Equal(o *Storage[T]) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.kind != o.kind || s.size != o.size || s.bits != o.bits || len(s.vals) != len(o.vals) {
		return false
	}
	for i, v := range s.vals {
		if o.vals[i] != v {
			return false
		}
	}
	return s.ptrs.Equal(o.ptrs)
}

// Clone returns a deep copy.
func (s *Storage[T]) Clone() *Storage[T] {
	if s == nil {
		return nil
	}
	out := &Storage[T]{size: s.size, kind: s.kind, bits: s.bits}
	out.vals = append([]T(nil), s.vals...)
	if s.ptrs != nil {
		out.ptrs = s.ptrs.Clone()
	}
	if s.index != nil {
		out.index = make(map[T]int, len(s.index))
		for k, v := range s.index {
			out.index[k] = v
		}
	}
	return out
}

// MemoryBytes estimates the heap footprint.
func (s *Storage[T]) MemoryBytes() int64 {
	if s == nil {
		return 0
	}
	var zero T
	n := int64(unsafe.Sizeof(*s)) + int64(cap(s.vals))*int64(unsafe.Sizeof(zero))
	if s.ptrs != nil {
		n += int64(s.ptrs.SizeBytes()) + 48
	}
	if s.index != nil {
		n += int64(len(s.index)) * (int64(unsafe.Sizeof(zero)) + 16)
	}
	return n
}
