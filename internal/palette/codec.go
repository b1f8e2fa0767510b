package palette

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/regionstore/internal/compact"
)

// ErrMalformed is returned when serialized input cannot be decoded.
var ErrMalformed = errors.New("palette: malformed storage")

// Translator assigns serializable ids to stored values. The store supplies a
// Dict so that values are written once per file and storages refer to them by
// dense file-local id.
type Translator[T comparable] interface {
	ToID(v T) uint32
	FromID(id uint32) (T, error)
}

// Dict is a growing value table. Ids are assigned in first-seen order.
type Dict[T comparable] struct {
	ids    map[T]uint32
	values []T
}

// NewDict returns an empty Dict.
func NewDict[T comparable]() *Dict[T] {
	return &Dict[T]{ids: make(map[T]uint32)}
}

// DictOf returns a Dict whose id i maps to values[i].
func DictOf[T comparable](values []T) *Dict[T] {
	d := &Dict[T]{ids: make(map[T]uint32, len(values)), values: values}
	for i, v := range values {
		if _, ok := d.ids[v]; !ok {
			d.ids[v] = uint32(i)
		}
	}
	return d
}

// ToID returns the id of v, assigning the next free id on first use.
func (d *Dict[T]) ToID(v T) uint32 {
	if id, ok := d.ids[v]; ok {
		return id
	}
	id := uint32(len(d.values))
	d.ids[v] = id
	d.values = append(d.values, v)
	return id
}

// FromID returns the value registered under id.
func (d *Dict[T]) FromID(id uint32) (T, error) {
	if int(id) >= len(d.values) {
		var zero T
		return zero, errors.Wrapf(ErrMalformed, "id %d not in dictionary of %d", id, len(d.values))
	}
	return d.values[id], nil
}

// Values returns the table in id order.
func (d *Dict[T]) Values() []T { return d.values }

// Len returns the number of registered values.
func (d *Dict[T]) Len() int { return len(d.values) }

// AppendBinary appends the serialized storage: kind tag, uvarint size, the
// translated palette (or every value for Raw) and, for pointer classes, the
// compact pointer payload.
func (s *Storage[T]) AppendBinary(dst []byte, tr Translator[T]) []byte {
	dst = append(dst, byte(s.kind))
	dst = binary.AppendUvarint(dst, uint64(s.size))
	dst = binary.AppendUvarint(dst, uint64(len(s.vals)))
	for _, v := range s.vals {
		dst = binary.AppendUvarint(dst, uint64(tr.ToID(v)))
	}
	if s.ptrs != nil {
		dst = s.ptrs.AppendBinary(dst)
	}
	return dst
}

// Decode parses a storage produced by AppendBinary and returns the remaining
// input.
func Decode[T comparable](src []byte, tr Translator[T]) (*Storage[T], []byte, error) {
	if len(src) == 0 {
		return nil, nil, errors.Wrapf(ErrMalformed, "empty input")
	}
	s := &Storage[T]{kind: Kind(src[0])}
	if s.kind < KindSingle || s.kind > KindRaw {
		return nil, nil, errors.Wrapf(ErrMalformed, "kind %d", src[0])
	}
	src = src[1:]
	size, n := binary.Uvarint(src)
	if n <= 0 || size < 1 || size > 1<<24 {
		return nil, nil, errors.Wrapf(ErrMalformed, "size")
	}
	s.size = int(size)
	src = src[n:]
	count, n := binary.Uvarint(src)
	if n <= 0 || count > size {
		return nil, nil, errors.Wrapf(ErrMalformed, "value count")
	}
	src = src[n:]
	s.vals = make([]T, count)
	for i := range s.vals {
		id, n := binary.Uvarint(src)
		if n <= 0 || id > 1<<32-1 {
			return nil, nil, errors.Wrapf(ErrMalformed, "value id %d", i)
		}
		src = src[n:]
		v, err := tr.FromID(uint32(id))
		if err != nil {
			return nil, nil, err
		}
		s.vals[i] = v
	}

	switch s.kind {
	case KindSingle:
		if count != 1 {
			return nil, nil, errors.Wrapf(ErrMalformed, "single storage with %d values", count)
		}
		return s, src, nil
	case KindRaw:
		if int(count) != s.size {
			return nil, nil, errors.Wrapf(ErrMalformed, "raw storage with %d of %d values", count, s.size)
		}
		return s, src, nil
	}

	ptrs, rest, err := compact.Decode(src)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrMalformed, "pointers: %v", err)
	}
	if ptrs.Len() != s.size {
		return nil, nil, errors.Wrapf(ErrMalformed, "pointer length %d, size %d", ptrs.Len(), s.size)
	}
	s.bits = ptrs.Bits()
	if s.kind == KindIndexed {
		if s.bits < minIndexedBits || s.bits >= ceilLog2(s.size) {
			return nil, nil, errors.Wrapf(ErrMalformed, "indexed width %d", s.bits)
		}
		s.index = make(map[T]int, len(s.vals))
		for p, v := range s.vals {
			if _, dup := s.index[v]; dup {
				return nil, nil, errors.Wrapf(ErrMalformed, "duplicate palette value")
			}
			s.index[v] = p
		}
	} else if s.bits != classBits(s.kind, 0) {
		return nil, nil, errors.Wrapf(ErrMalformed, "%s storage with %d-bit pointers", s.kind, s.bits)
	}
	if len(s.vals) == 0 || len(s.vals) > s.capacity() {
		return nil, nil, errors.Wrapf(ErrMalformed, "%d values for %s", len(s.vals), s.kind)
	}
	for j := 0; j < s.size; j++ {
		if int(ptrs.Get(j)) >= len(s.vals) {
			return nil, nil, errors.Wrapf(ErrMalformed, "dangling pointer at %d", j)
		}
	}
	s.ptrs = ptrs
	return s, rest, nil
}
