package store

import (
	"context"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

// SaveResult is the outcome of a region save.
type SaveResult struct {
	// Skipped is set when the region is flagged as failed.
	Skipped bool
	// Merged is set when a newer disk copy was merged before writing.
	Merged bool
	// Blocks and Aux report which files were written.
	Blocks bool
	Aux    bool
}

// ScheduleRegionSave writes the region's dirty field groups to disk.
func (s *Store) ScheduleRegionSave(pos region.RegionPos) *sched.Future {
	if s.closed.Load() {
		return sched.Completed(nil, ErrClosed)
	}
	c := s.container(pos)
	if c == nil {
		return sched.Completed(SaveResult{}, nil)
	}
	return s.scheduleSave(c)
}

// SaveAll schedules a save of every region in memory.
func (s *Store) SaveAll() *sched.Future {
	if s.closed.Load() {
		return sched.Completed(nil, ErrClosed)
	}
	return s.saveAll()
}

func (s *Store) saveAll() *sched.Future {
	var fs []*sched.Future
	for _, c := range s.containers() {
		fs = append(fs, s.scheduleSave(c))
	}
	return sched.All(fs...)
}

func (s *Store) scheduleSave(c *region.Container) *sched.Future {
	return s.once(opSave, c.Pos, func() *sched.Future {
		c.SetFlags(region.SaveScheduled)
		f := s.sched.Submit(sched.PoolIO, sched.Item{
			Region:    c.Pos,
			HasRegion: true,
			Priority:  c.RenderPriority(),
			Lock:      sched.LockWrite,
			Run: func(ctx context.Context) (any, error) {
				s.started(opSave, c.Pos)
				c.ClearFlags(region.SaveScheduled)
				return s.saveLocked(ctx, c)
			},
		})
		if f.Resolved() {
			c.ClearFlags(region.SaveScheduled)
		}
		return f
	})
}

// saveLocked writes c's dirty groups. A file changed on disk since it was
// last read or written by this store is merged first. The caller holds the
// region write lock.
func (s *Store) saveLocked(ctx context.Context, c *region.Container) (SaveResult, error) {
	var res SaveResult
	if c.Flags().Has(region.IOFailed) {
		res.Skipped = true
		return res, nil
	}
	r := c.Data
	if r == nil || !r.Dirty() {
		return res, nil
	}

	blkStamp, err := fileStamp(s.path(c.Pos, KindBlocks))
	if err != nil {
		return res, s.ioFailed(c, "save", err)
	}
	auxStamp, err := fileStamp(s.path(c.Pos, KindAux))
	if err != nil {
		return res, s.ioFailed(c, "save", err)
	}
	if blkStamp > c.BlocksDiskStamp || auxStamp > c.AuxDiskStamp {
		disk, st, err := s.readRegion(c.Pos)
		if err != nil {
			return res, s.ioFailed(c, "save", err)
		}
		if disk != nil {
			s.absorb(c, disk, st)
			res.Merged = true
			s.log.Debug().Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).Msg("merged newer disk copy before save")
		}
	}

	st, err := s.staging.Get(ctx)
	if err != nil {
		return res, err
	}
	defer s.staging.Put(st)

	if r.Blocks != nil && r.BlocksDirty() {
		data, err := s.codec.EncodeBlocks(r, &st.buf)
		if err != nil {
			return res, s.ioFailed(c, "save", err)
		}
		stamp, err := s.writeFile(s.path(c.Pos, KindBlocks), data)
		if err != nil {
			return res, s.ioFailed(c, "save", err)
		}
		c.BlocksDiskStamp = stamp
		r.BlocksSaved = r.BlocksModified()
		res.Blocks = true
	}
	if r.AuxDirty() {
		data, err := s.codec.EncodeAux(r, &st.buf)
		if err != nil {
			return res, s.ioFailed(c, "save", err)
		}
		stamp, err := s.writeFile(s.path(c.Pos, KindAux), data)
		if err != nil {
			return res, s.ioFailed(c, "save", err)
		}
		c.AuxDiskStamp = stamp
		r.AuxSaved = r.AuxModified()
		res.Aux = true
	}
	if res.Blocks || res.Aux {
		s.stats.IncrementSaves()
	}
	return res, nil
}
