// Package layertest provides an auxiliary layer and a column source for tests.
package layertest

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/regionstore/internal/region"
)

// Name is the registered name of the Tally layer.
const Name = "tally"

// Tally counts value updates per chunk. It merges as a whole by stamp.
type Tally struct {
	Counts   map[region.ChunkPos]uint32
	Stamp    int64
	Renders  *atomic.Int64
	FailSave bool
}

var _ region.Layer = (*Tally)(nil)

func newTally(renders *atomic.Int64) *Tally {
	return &Tally{Counts: make(map[region.ChunkPos]uint32), Renders: renders}
}

func (t *Tally) bump(pos region.ChunkPos, now int64) {
	t.Counts[pos]++
	if now > t.Stamp {
		t.Stamp = now
	}
}

func (t *Tally) UpdateChunk(uc *region.UpdateCache, pos region.ChunkPos) bool {
	t.bump(pos, uc.Now)
	return true
}

func (t *Tally) UpdateColumn(uc *region.UpdateCache, pos region.ColumnPos, v region.Value) bool {
	t.bump(pos.Chunk(), uc.Now)
	return true
}

func (t *Tally) Render(pos region.ChunkPos, rc *region.RenderContext) {
	if t.Renders != nil {
		t.Renders.Add(1)
	}
}

func (t *Tally) MergeFrom(other region.Layer) region.MergeResult {
	o := other.(*Tally)
	take, res := region.MergeByStamp(t, o)
	if take {
		t.Counts, t.Stamp = o.Counts, o.Stamp
	}
	return res
}

func (t *Tally) MarshalBinary() ([]byte, error) {
	if t.FailSave {
		return nil, errors.New("layertest: save failure")
	}
	keys := make([]region.ChunkPos, 0, len(t.Counts))
	for k := range t.Counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Z != keys[j].Z {
			return keys[i].Z < keys[j].Z
		}
		return keys[i].X < keys[j].X
	})
	out := binary.AppendVarint(nil, t.Stamp)
	out = binary.AppendUvarint(out, uint64(len(keys)))
	for _, k := range keys {
		out = binary.AppendVarint(out, int64(k.X))
		out = binary.AppendVarint(out, int64(k.Z))
		out = binary.AppendUvarint(out, uint64(t.Counts[k]))
	}
	return out, nil
}

func (t *Tally) Modified() int64 { return t.Stamp }

func (t *Tally) MemoryBytes() int64 { return 64 + int64(len(t.Counts))*24 }

// Factory creates Tally layers. Renders counts Render calls across layers.
type Factory struct {
	Renders atomic.Int64
}

var _ region.LayerFactory = (*Factory)(nil)

func (f *Factory) Name() string { return Name }

func (f *Factory) New() region.Layer { return newTally(&f.Renders) }

func (f *Factory) Load(data []byte) (region.Layer, error) {
	t := newTally(&f.Renders)
	var n int
	t.Stamp, n = binary.Varint(data)
	if n <= 0 {
		return nil, errors.New("layertest: stamp")
	}
	data = data[n:]
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errors.New("layertest: count")
	}
	data = data[n:]
	for i := uint64(0); i < count; i++ {
		x, n1 := binary.Varint(data)
		if n1 <= 0 {
			return nil, errors.New("layertest: x")
		}
		z, n2 := binary.Varint(data[n1:])
		if n2 <= 0 {
			return nil, errors.New("layertest: z")
		}
		c, n3 := binary.Uvarint(data[n1+n2:])
		if n3 <= 0 {
			return nil, errors.New("layertest: value")
		}
		data = data[n1+n2+n3:]
		t.Counts[region.ChunkPos{X: int32(x), Z: int32(z)}] = uint32(c)
	}
	return t, nil
}

// Source is a concurrency-safe in-memory ColumnSource.
type Source struct {
	mu   sync.RWMutex
	cols map[region.ColumnPos]region.Value
}

// NewSource returns an empty source.
func NewSource() *Source {
	return &Source{cols: make(map[region.ColumnPos]region.Value)}
}

// Put sets a column.
func (s *Source) Put(pos region.ColumnPos, v region.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols[pos] = v
}

// Column implements region.ColumnSource.
func (s *Source) Column(pos region.ColumnPos) (region.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cols[pos]
	return v, ok
}

// Clock is a manually advanced clock returning unix nanos.
type Clock struct {
	now atomic.Int64
}

// NewClock returns a clock starting at start.
func NewClock(start int64) *Clock {
	c := &Clock{}
	c.now.Store(start)
	return c
}

// Now returns the current stamp and advances by one nanosecond so that
// successive stamps are strictly increasing.
func (c *Clock) Now() int64 { return c.now.Add(1) }

// Advance moves the clock forward by d nanoseconds.
func (c *Clock) Advance(d int64) { c.now.Add(d) }
