package store

import (
	"context"

	"github.com/freeeve/regionstore/internal/bufpool"
	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

// Column returns the primary value at a world column from memory. A region
// that has not been read yet schedules a load and reports the column as
// unknown.
func (s *Store) Column(pos region.ColumnPos) (region.Value, bool) {
	rp := pos.Region()
	var c *region.Container
	if !s.with(rp, !s.closed.Load(), func(x *region.Container) { c = x }) {
		return region.Absent, false
	}
	c.Touch(s.now())
	if f := c.Flags(); f.Has(region.LoadNeeded) && !f.Has(region.IOFailed) && !s.closed.Load() {
		s.scheduleLoad(c, false)
	}

	mu := s.locks.For(rp)
	mu.RLock()
	defer mu.RUnlock()
	if c.Data == nil {
		return region.Absent, false
	}
	return c.Data.Column(pos)
}

// LookupColumn is Column but waits for the region to be loaded first.
func (s *Store) LookupColumn(ctx context.Context, pos region.ColumnPos) (region.Value, bool, error) {
	if s.closed.Load() {
		return region.Absent, false, ErrClosed
	}
	var c *region.Container
	s.with(pos.Region(), true, func(x *region.Container) { c = x })
	if f := c.Flags(); f.Has(region.LoadNeeded) && !f.Has(region.IOFailed) {
		if err := s.scheduleLoad(c, false).Err(ctx); err != nil {
			return region.Absent, false, err
		}
	}
	v, ok := s.Column(pos)
	return v, ok, nil
}

// RegionImage returns the cached render of a region, or nil.
func (s *Store) RegionImage(pos region.RegionPos, res region.Resolution) *region.Image {
	c := s.container(pos)
	if c == nil {
		return nil
	}
	c.Touch(s.now())
	return c.Image(res)
}

// RegionInfo describes one region container.
type RegionInfo struct {
	Pos             region.RegionPos `json:"-"`
	X               int32            `json:"rx"`
	Z               int32            `json:"rz"`
	Flags           string           `json:"flags"`
	Tier            string           `json:"tier"`
	Priority        float64          `json:"priority"`
	Pending         int              `json:"pending"`
	Chunks          int              `json:"chunks"`
	Layers          []string         `json:"layers"`
	BlockBytes      int64            `json:"block_bytes"`
	AuxBytes        int64            `json:"aux_bytes"`
	BlocksModified  int64            `json:"blocks_modified"`
	AuxModified     int64            `json:"aux_modified"`
	BlocksDirty     bool             `json:"blocks_dirty"`
	AuxDirty        bool             `json:"aux_dirty"`
	AuxRecompute    bool             `json:"aux_recompute"`
	BlocksDiskStamp int64            `json:"blocks_disk_stamp"`
	AuxDiskStamp    int64            `json:"aux_disk_stamp"`
	HasHigh         bool             `json:"has_high"`
	HasLow          bool             `json:"has_low"`
}

// RegionInfo reports the state of a region held in memory.
func (s *Store) RegionInfo(pos region.RegionPos) (RegionInfo, bool) {
	c := s.container(pos)
	if c == nil {
		return RegionInfo{}, false
	}
	mu := s.locks.For(pos)
	mu.RLock()
	defer mu.RUnlock()

	info := RegionInfo{
		Pos:             pos,
		X:               pos.X,
		Z:               pos.Z,
		Flags:           c.Flags().String(),
		Tier:            c.Tier().String(),
		Priority:        c.RenderPriority(),
		Pending:         c.PendingLen(),
		BlocksDiskStamp: c.BlocksDiskStamp,
		AuxDiskStamp:    c.AuxDiskStamp,
		HasHigh:         c.Image(region.High) != nil,
		HasLow:          c.Image(region.Low) != nil,
	}
	if r := c.Data; r != nil {
		if r.Blocks != nil {
			info.Chunks = r.Blocks.ChunkCount()
		}
		for _, nl := range r.Layers {
			info.Layers = append(info.Layers, nl.Name)
		}
		info.BlockBytes = r.BlocksBytes()
		info.AuxBytes = r.AuxBytes()
		info.BlocksModified = r.BlocksModified()
		info.AuxModified = r.AuxModified()
		info.BlocksDirty = r.BlocksDirty()
		info.AuxDirty = r.AuxDirty()
		info.AuxRecompute = r.AuxRecompute
	}
	return info, true
}

// ClearIOFailure re-enables automatic saves of a failed region and reports
// whether it was flagged.
func (s *Store) ClearIOFailure(pos region.RegionPos) bool {
	c := s.container(pos)
	if c == nil {
		return false
	}
	if !c.ClearFlags(region.IOFailed) {
		return false
	}
	s.log.Info().Int32("rx", pos.X).Int32("rz", pos.Z).Msg("cleared region I/O failure")
	return true
}

// Stats is a snapshot of the store.
type Stats struct {
	Regions int           `json:"regions"`
	Store   StoreStats    `json:"store"`
	Sched   sched.Stats   `json:"sched"`
	Caches  bufpool.Stats `json:"update_caches"`
	Staging bufpool.Stats `json:"staging_buffers"`
}

// Stats returns counters of the store, its scheduler and buffer pools.
func (s *Store) Stats() Stats {
	s.locks.Map.RLock()
	n := s.regions.Len()
	s.locks.Map.RUnlock()
	return Stats{
		Regions: n,
		Store:   s.stats.Stats(),
		Sched:   s.sched.Stats(),
		Caches:  s.caches.Stats(),
		Staging: s.staging.Stats(),
	}
}
