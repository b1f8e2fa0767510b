package region

import (
	"math"
	"sync"
	"sync/atomic"
)

// Container owns one region's data together with its scheduling state.
//
// Flag, render bitmap, pending queue, priority and image accessors are safe
// without the region lock. Data and the disk stamps are guarded by the
// region's striped lock.
type Container struct {
	Pos RegionPos

	flags    atomic.Uint32
	maxFlags atomic.Uint32
	rows     [RegionChunks]atomic.Uint32

	mu      sync.Mutex
	pending []Mutation

	lastRead atomic.Int64
	priority atomic.Uint64
	high     atomic.Pointer[Image]
	low      atomic.Pointer[Image]

	// Data is the region's in-memory copy, nil until created or loaded.
	Data *Region
	// BlocksDiskStamp and AuxDiskStamp are the file modification times
	// (unix nanos) observed at the last load or save, 0 if unknown.
	BlocksDiskStamp int64
	AuxDiskStamp    int64
}

// NewContainer returns a container with no layers that still needs loading.
func NewContainer(pos RegionPos) *Container {
	c := &Container{Pos: pos}
	c.flags.Store(uint32(LoadNeeded))
	c.maxFlags.Store(uint32(LoadNeeded))
	c.priority.Store(math.Float64bits(math.Inf(1)))
	return c
}

// Flags returns the current flags.
func (c *Container) Flags() Flags { return Flags(c.flags.Load()) }

// MaxFlags returns every flag seen since the last reduction.
func (c *Container) MaxFlags() Flags { return Flags(c.maxFlags.Load()) }

// Tier returns the strongest current demand tier.
func (c *Container) Tier() Tier { return c.Flags().Tier() }

// MaxTier returns the strongest demand tier seen since the last reduction.
func (c *Container) MaxTier() Tier { return c.MaxFlags().Tier() }

// SetFlags sets f and reports whether any bit changed.
func (c *Container) SetFlags(f Flags) bool {
	for {
		old := c.flags.Load()
		next := old | uint32(f)
		if next == old {
			return false
		}
		if c.flags.CompareAndSwap(old, next) {
			c.maxFlags.Or(uint32(f))
			return true
		}
	}
}

// ClearFlags clears f and reports whether any bit changed.
func (c *Container) ClearFlags(f Flags) bool {
	for {
		old := c.flags.Load()
		next := old &^ uint32(f)
		if next == old {
			return false
		}
		if c.flags.CompareAndSwap(old, next) {
			return true
		}
	}
}

// ReduceMaxFlags resets the high-water mask to the current flags.
func (c *Container) ReduceMaxFlags() {
	for {
		old := c.maxFlags.Load()
		cur := c.flags.Load()
		if old == cur || c.maxFlags.CompareAndSwap(old, cur) {
			return
		}
	}
}

// MarkRender flags the region-local chunk (cx, cz) for re-render.
func (c *Container) MarkRender(cx, cz int) {
	c.rows[cz].Or(1 << uint(cx))
}

// MarkRows flags every chunk set in rows for re-render.
func (c *Container) MarkRows(rows [RegionChunks]uint32) {
	for z, bits := range rows {
		if bits != 0 {
			c.rows[z].Or(bits)
		}
	}
}

// MarkAllRender flags every chunk for re-render.
func (c *Container) MarkAllRender() {
	for z := range c.rows {
		c.rows[z].Store(^uint32(0))
	}
}

// TakeRenderRow returns and clears the render bitmap of chunk row cz.
func (c *Container) TakeRenderRow(cz int) uint32 {
	return c.rows[cz].Swap(0)
}

// NeedsRender reports whether any chunk is flagged for re-render.
func (c *Container) NeedsRender() bool {
	for z := range c.rows {
		if c.rows[z].Load() != 0 {
			return true
		}
	}
	return false
}

// Enqueue appends a pending mutation and returns the queue length.
func (c *Container) Enqueue(m Mutation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, m)
	return len(c.pending)
}

// Drain removes and returns every pending mutation.
func (c *Container) Drain() []Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.pending
	c.pending = nil
	return ms
}

// Requeue puts mutations back at the head of the queue, ahead of anything
// enqueued since they were drained.
func (c *Container) Requeue(ms []Mutation) {
	if len(ms) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(append(make([]Mutation, 0, len(ms)+len(c.pending)), ms...), c.pending...)
}

// PendingLen returns the number of queued mutations.
func (c *Container) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Touch records a read at now (unix nanos).
func (c *Container) Touch(now int64) { c.lastRead.Store(now) }

// LastRead returns the stamp of the last read.
func (c *Container) LastRead() int64 { return c.lastRead.Load() }

// SetRenderPriority sets the render priority; lower is more important.
func (c *Container) SetRenderPriority(p float64) { c.priority.Store(math.Float64bits(p)) }

// RenderPriority returns the render priority.
func (c *Container) RenderPriority() float64 { return math.Float64frombits(c.priority.Load()) }

func (c *Container) image(res Resolution) *atomic.Pointer[Image] {
	if res == Low {
		return &c.low
	}
	return &c.high
}

// Image returns the cached render at res, or nil. Images are published
// whole and never mutated after publication.
func (c *Container) Image(res Resolution) *Image { return c.image(res).Load() }

// SetImage publishes a render.
func (c *Container) SetImage(res Resolution, im *Image) { c.image(res).Store(im) }

// DropImage releases the cached render at res and reports whether one was
// held.
func (c *Container) DropImage(res Resolution) bool { return c.image(res).Swap(nil) != nil }

// Releasable reports whether the container can be destroyed: no layers, no
// cached renders, no demand, no scheduled work and nothing pending. The
// caller holds the region lock.
func (c *Container) Releasable() bool {
	if c.Data != nil && c.Data.HasData() {
		return false
	}
	if c.Image(High) != nil || c.Image(Low) != nil {
		return false
	}
	if c.Flags()&(DemandMask|WorkMask) != 0 {
		return false
	}
	return c.PendingLen() == 0
}
