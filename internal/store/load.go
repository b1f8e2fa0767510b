package store

import (
	"context"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

// LoadResult is the outcome of a region load.
type LoadResult struct {
	// Found is set when at least one region file existed.
	Found bool
	// Skipped is set when the load was not attempted.
	Skipped bool
	Merged  region.Merged
}

// ScheduleRegionLoad reads the region's files and installs or merges them
// into memory. An explicit load runs even when the region is flagged as
// failed, and clears the flag on success.
func (s *Store) ScheduleRegionLoad(pos region.RegionPos) *sched.Future {
	if s.closed.Load() {
		return sched.Completed(nil, ErrClosed)
	}
	var c *region.Container
	s.with(pos, true, func(x *region.Container) { c = x })
	return s.scheduleLoad(c, true)
}

func (s *Store) scheduleLoad(c *region.Container, explicit bool) *sched.Future {
	return s.once(opLoad, c.Pos, func() *sched.Future {
		return s.sched.Submit(sched.PoolIO, sched.Item{
			Region:    c.Pos,
			HasRegion: true,
			Priority:  c.RenderPriority(),
			Lock:      sched.LockWrite,
			Run: func(ctx context.Context) (any, error) {
				s.started(opLoad, c.Pos)
				return s.loadLocked(c, explicit)
			},
		})
	})
}

// loadLocked loads c from disk. The caller holds the region write lock.
func (s *Store) loadLocked(c *region.Container, explicit bool) (LoadResult, error) {
	f := c.Flags()
	if !explicit && (!f.Has(region.LoadNeeded) || f.Has(region.IOFailed)) {
		return LoadResult{Skipped: true}, nil
	}
	disk, st, err := s.readRegion(c.Pos)
	c.ClearFlags(region.LoadNeeded)
	if err != nil {
		return LoadResult{}, s.ioFailed(c, "load", err)
	}
	c.ClearFlags(region.IOFailed)
	s.stats.IncrementLoads()
	if disk == nil {
		return LoadResult{}, nil
	}
	return LoadResult{Found: true, Merged: s.absorb(c, disk, st)}, nil
}

// absorb installs or merges a copy read from disk into c and records the
// file stamps it was read at. The caller holds the region write lock.
func (s *Store) absorb(c *region.Container, disk *region.Region, st diskStamps) region.Merged {
	if st.blocks != 0 {
		c.BlocksDiskStamp = st.blocks
	}
	if st.aux != 0 {
		c.AuxDiskStamp = st.aux
	}

	if c.Data == nil {
		c.Data = disk
		c.MarkAllRender()
		s.scheduleRender(c)
		return region.Merged{
			Blocks: region.MergeResult{UsedOther: disk.Blocks != nil},
			Aux:    region.MergeResult{UsedOther: len(disk.Layers) > 0},
		}
	}

	res := c.Data.Merge(disk)
	settleSaved(c.Data, res, disk)
	c.MarkRows(res.Blocks.Rows)
	if res.Aux.NeedsRender {
		c.MarkAllRender()
	}
	if res.Total().NeedsRender {
		s.scheduleRender(c)
	}
	if res.Total().UsedOther {
		s.stats.IncrementMerges()
		s.metrics.Merges.WithLabelValues("disk").Inc()
	}
	if res.Total().UsedThis {
		s.metrics.Merges.WithLabelValues("memory").Inc()
	}
	return res
}

// settleSaved marks a field group clean when the merge left memory holding
// nothing newer than the file it was merged with.
func settleSaved(r *region.Region, res region.Merged, disk *region.Region) {
	if !res.Blocks.UsedThis && disk.Blocks != nil {
		r.BlocksSaved = r.BlocksModified()
	}
	if !res.Aux.UsedThis && (len(disk.Layers) > 0 || disk.AuxFlagModified() != 0) {
		r.AuxSaved = r.AuxModified()
	}
}
