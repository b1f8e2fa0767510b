package region

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/regionstore/internal/palette"
)

// ErrMalformed is returned when a serialized layer cannot be decoded.
var ErrMalformed = errors.New("region: malformed layer")

// Chunk is the primary data of 16×16 columns.
type Chunk struct {
	cells    *palette.Storage[Value]
	modified int64
}

// Get returns the value of the chunk-local column (x, z).
func (c *Chunk) Get(x, z int) Value {
	if c == nil {
		return Absent
	}
	return c.cells.Get(ColumnIndex(x, z))
}

// Modified returns the chunk's last modification stamp.
func (c *Chunk) Modified() int64 {
	if c == nil {
		return 0
	}
	return c.modified
}

// Cells exposes the chunk's palette storage.
func (c *Chunk) Cells() *palette.Storage[Value] { return c.cells }

func (c *Chunk) set(i int, v Value, now int64) bool {
	if c.cells.Get(i) == v {
		return false
	}
	c.cells.Set(i, v)
	if now > c.modified {
		c.modified = now
	}
	return true
}

// BlockLayer is the primary layer of a region: a sparse 32×32 grid of chunks.
// It implements Layer so that the region can treat it like any other layer.
type BlockLayer struct {
	pos    RegionPos
	chunks [RegionChunkCount]*Chunk
	count  int
}

var _ Layer = (*BlockLayer)(nil)

// NewBlockLayer returns an empty layer for the region.
func NewBlockLayer(pos RegionPos) *BlockLayer {
	return &BlockLayer{pos: pos}
}

// Chunk returns the region-local chunk (cx, cz), or nil if absent.
func (b *BlockLayer) Chunk(cx, cz int) *Chunk {
	return b.chunks[ChunkIndex(cx, cz)]
}

// ChunkCount returns the number of present chunks.
func (b *BlockLayer) ChunkCount() int { return b.count }

// Get returns the value at a world column inside the region.
func (b *BlockLayer) Get(pos ColumnPos) (Value, bool) {
	cx, cz := pos.Chunk().Local()
	c := b.chunks[ChunkIndex(cx, cz)]
	if c == nil {
		return Absent, false
	}
	x, z := pos.Local()
	v := c.Get(x, z)
	return v, v != Absent
}

// Set stores v at a world column and reports whether the value changed.
func (b *BlockLayer) Set(pos ColumnPos, v Value, now int64) bool {
	cx, cz := pos.Chunk().Local()
	idx := ChunkIndex(cx, cz)
	c := b.chunks[idx]
	if c == nil {
		if v == Absent {
			return false
		}
		c = &Chunk{cells: palette.New(ChunkColumns, Absent)}
		b.chunks[idx] = c
		b.count++
	}
	x, z := pos.Local()
	return c.set(ColumnIndex(x, z), v, now)
}

// UpdateChunk copies every known column of the chunk from uc.Source.
func (b *BlockLayer) UpdateChunk(uc *UpdateCache, pos ChunkPos) bool {
	if uc.Source == nil {
		return false
	}
	for z := 0; z < ChunkSize; z++ {
		for x := 0; x < ChunkSize; x++ {
			i := ColumnIndex(x, z)
			uc.Columns[i], uc.Known[i] = uc.Source.Column(pos.Column(x, z))
		}
	}
	changed := false
	for z := 0; z < ChunkSize; z++ {
		for x := 0; x < ChunkSize; x++ {
			i := ColumnIndex(x, z)
			if uc.Known[i] && b.Set(pos.Column(x, z), uc.Columns[i], uc.Now) {
				changed = true
			}
		}
	}
	return changed
}

// UpdateColumn stores a single column.
func (b *BlockLayer) UpdateColumn(uc *UpdateCache, pos ColumnPos, v Value) bool {
	return b.Set(pos, v, uc.Now)
}

// Render paints the chunk's columns using rc.Color.
func (b *BlockLayer) Render(pos ChunkPos, rc *RenderContext) {
	cx, cz := pos.Local()
	c := b.Chunk(cx, cz)
	color := rc.Color
	if color == nil {
		color = DefaultColor
	}
	for z := 0; z < ChunkSize; z++ {
		for x := 0; x < ChunkSize; x++ {
			rc.SetPixel(pos.Column(x, z), color(c.Get(x, z)))
		}
	}
}

// MergeFrom takes every chunk of other that is strictly newer than the
// receiver's copy.
func (b *BlockLayer) MergeFrom(other Layer) MergeResult {
	o, ok := other.(*BlockLayer)
	if !ok {
		panic(errors.AssertionFailedf("region: cannot merge %T into block layer", other))
	}
	var res MergeResult
	if o == b {
		return res
	}
	for idx := range b.chunks {
		mine, theirs := b.chunks[idx], o.chunks[idx]
		switch {
		case isOlder(mine.Modified(), theirs.Modified()):
			if mine == nil {
				b.count++
			}
			b.chunks[idx] = theirs
			res.UsedOther = true
			res.NeedsRender = true
			res.Rows[idx>>5] |= 1 << uint(idx&31)
		case isOlder(theirs.Modified(), mine.Modified()):
			res.UsedThis = true
		}
	}
	return res
}

// Modified returns the newest chunk stamp.
func (b *BlockLayer) Modified() int64 {
	var m int64
	for _, c := range b.chunks {
		if c != nil && c.modified > m {
			m = c.modified
		}
	}
	return m
}

// MemoryBytes estimates the layer's heap footprint.
func (b *BlockLayer) MemoryBytes() int64 {
	n := int64(RegionChunkCount * 8)
	for _, c := range b.chunks {
		if c != nil {
			n += 16 + c.cells.MemoryBytes()
		}
	}
	return n
}

// Compact deduplicates every chunk's palette.
func (b *BlockLayer) Compact() {
	for _, c := range b.chunks {
		if c != nil {
			c.cells.Compact()
		}
	}
}

// MarshalBinary encodes the layer: the value dictionary, a presence bitmap,
// then each present chunk's stamp and palette storage.
func (b *BlockLayer) MarshalBinary() ([]byte, error) {
	dict := palette.NewDict[Value]()
	var presence [RegionChunkCount / 8]byte
	var body []byte
	for idx, c := range b.chunks {
		if c == nil {
			continue
		}
		presence[idx>>3] |= 1 << uint(idx&7)
		body = binary.AppendVarint(body, c.modified)
		body = c.cells.AppendBinary(body, dict)
	}
	out := binary.AppendUvarint(nil, uint64(dict.Len()))
	for _, v := range dict.Values() {
		out = binary.AppendUvarint(out, uint64(v))
	}
	out = append(out, presence[:]...)
	return append(out, body...), nil
}

// DecodeBlockLayer parses the output of MarshalBinary.
func DecodeBlockLayer(pos RegionPos, src []byte) (*BlockLayer, error) {
	n, k := binary.Uvarint(src)
	if k <= 0 || n > 1<<20 {
		return nil, errors.Wrapf(ErrMalformed, "dictionary size")
	}
	src = src[k:]
	values := make([]Value, n)
	for i := range values {
		v, k := binary.Uvarint(src)
		if k <= 0 || v > 1<<32-1 {
			return nil, errors.Wrapf(ErrMalformed, "dictionary entry %d", i)
		}
		values[i] = Value(v)
		src = src[k:]
	}
	dict := palette.DictOf(values)
	if len(src) < RegionChunkCount/8 {
		return nil, errors.Wrapf(ErrMalformed, "presence bitmap")
	}
	presence := src[:RegionChunkCount/8]
	src = src[RegionChunkCount/8:]

	b := NewBlockLayer(pos)
	for idx := 0; idx < RegionChunkCount; idx++ {
		if presence[idx>>3]&(1<<uint(idx&7)) == 0 {
			continue
		}
		modified, k := binary.Varint(src)
		if k <= 0 {
			return nil, errors.Wrapf(ErrMalformed, "chunk %d stamp", idx)
		}
		cells, rest, err := palette.Decode[Value](src[k:], dict)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, ErrMalformed), "chunk %d", idx)
		}
		if cells.Len() != ChunkColumns {
			return nil, errors.Wrapf(ErrMalformed, "chunk %d has %d columns", idx, cells.Len())
		}
		src = rest
		b.chunks[idx] = &Chunk{cells: cells, modified: modified}
		b.count++
	}
	if len(src) != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes", len(src))
	}
	return b, nil
}
