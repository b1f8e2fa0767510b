package store

import (
	"context"

	"github.com/freeeve/regionstore/internal/evict"
	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

// CleanupResult summarises one cleanup pass.
type CleanupResult struct {
	Scanned   int `json:"scanned"`
	Released  int `json:"released"`
	Saved     int `json:"saved"`
	Skipped   int `json:"skipped"`
	Destroyed int `json:"destroyed"`
	Remaining int `json:"remaining"`
}

// ScheduleRegionCleanup evicts layers and renders over budget and destroys
// containers left with nothing. With force, failed regions are released even
// when that discards unsaved data.
func (s *Store) ScheduleRegionCleanup(force bool) *sched.Future {
	if s.closed.Load() {
		return sched.Completed(nil, ErrClosed)
	}
	return s.sched.Go(sched.PoolIO, func(ctx context.Context) (any, error) {
		return s.cleanup(ctx, force)
	})
}

func (s *Store) cleanup(ctx context.Context, force bool) (CleanupResult, error) {
	var res CleanupResult
	now := s.now()
	cs := s.containers()
	byPos := make(map[region.RegionPos]*region.Container, len(cs))
	cands := make([]evict.Candidate, 0, len(cs))
	var blockBytes, auxBytes int64
	for _, c := range cs {
		byPos[c.Pos] = c
		cand := s.candidate(c)
		blockBytes += cand.BlockBytes
		auxBytes += cand.AuxBytes
		cands = append(cands, cand)
	}
	res.Scanned = len(cands)

	var err error
	for _, d := range evict.Plan(cands, s.cfg.Budgets, now, force) {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		released, saved, skipped := s.release(ctx, byPos[d.Pos], d, force)
		res.Released += released
		res.Skipped += skipped
		if saved {
			res.Saved++
		}
	}

	for _, c := range cs {
		c.ReduceMaxFlags()
	}
	res.Destroyed = s.destroyReleasable()
	s.pruneInflight()

	s.locks.Map.RLock()
	res.Remaining = s.regions.Len()
	s.locks.Map.RUnlock()
	s.metrics.Regions.Set(float64(res.Remaining))
	s.metrics.RegionBytes.WithLabelValues("blocks").Set(float64(blockBytes))
	s.metrics.RegionBytes.WithLabelValues("aux").Set(float64(auxBytes))
	if res.Released > 0 || res.Destroyed > 0 {
		s.log.Debug().Int("scanned", res.Scanned).Int("released", res.Released).
			Int("destroyed", res.Destroyed).Int("skipped", res.Skipped).Bool("force", force).
			Msg("cleanup")
	}
	return res, err
}

func (s *Store) candidate(c *region.Container) evict.Candidate {
	mu := s.locks.For(c.Pos)
	mu.RLock()
	defer mu.RUnlock()
	cand := evict.Candidate{
		Pos:      c.Pos,
		Demand:   c.Flags() & region.DemandMask,
		MaxTier:  c.MaxTier(),
		Priority: c.RenderPriority(),
		LastRead: c.LastRead(),
		HasHigh:  c.Image(region.High) != nil,
		HasLow:   c.Image(region.Low) != nil,
		IOFailed: c.Flags().Has(region.IOFailed),
	}
	if r := c.Data; r != nil {
		cand.BlockBytes = r.BlocksBytes()
		cand.AuxBytes = r.AuxBytes()
		cand.BlocksDirty = r.BlocksDirty()
		cand.AuxDirty = r.AuxDirty()
	}
	return cand
}

// release applies one eviction decision under the region write lock. The
// plan was made from a snapshot, so demand and dirtiness are checked again.
func (s *Store) release(ctx context.Context, c *region.Container, d evict.Decision, force bool) (released int, saved bool, skipped int) {
	mu := s.locks.For(c.Pos)
	mu.Lock()
	defer mu.Unlock()

	want := d.Release &^ evict.RequiresFlags(c.Flags())
	if d.Skipped != 0 {
		skipped++
	}
	r := c.Data
	if r != nil && want&(evict.Blocks|evict.Aux) != 0 && r.Dirty() && !c.Flags().Has(region.IOFailed) {
		sr, err := s.saveLocked(ctx, c)
		if err != nil && !force {
			s.log.Warn().Err(err).Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).Msg("keeping unsaved layers")
		}
		saved = sr.Blocks || sr.Aux
	}

	if r != nil && want&evict.Blocks != 0 && r.Blocks != nil {
		if r.BlocksDirty() && !force {
			skipped++
		} else {
			if r.BlocksDirty() {
				s.log.Warn().Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).Msg("discarding unsaved block layer")
			}
			r.ReleaseBlocks()
			c.BlocksDiskStamp = 0
			c.SetFlags(region.LoadNeeded)
			s.metrics.Evictions.WithLabelValues("blocks").Inc()
			released++
		}
	}
	if r != nil && want&evict.Aux != 0 && len(r.Layers) > 0 {
		if r.AuxDirty() && !force {
			skipped++
		} else {
			if r.AuxDirty() {
				s.log.Warn().Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).Msg("discarding unsaved aux layers")
			}
			r.ReleaseAux()
			c.AuxDiskStamp = 0
			c.SetFlags(region.LoadNeeded)
			s.metrics.Evictions.WithLabelValues("aux").Inc()
			released++
		}
	}
	if r != nil && !r.HasData() {
		c.Data = nil
	}
	if want&evict.HighRes != 0 && c.DropImage(region.High) {
		s.metrics.Evictions.WithLabelValues("high").Inc()
		released++
	}
	if want&evict.LowRes != 0 && c.DropImage(region.Low) {
		s.metrics.Evictions.WithLabelValues("low").Inc()
		released++
	}
	s.stats.AddEvictions(released)
	return released, saved, skipped
}

// destroyReleasable removes containers holding nothing. Containers whose
// lock is busy or which have a queued load or save are kept.
func (s *Store) destroyReleasable() int {
	s.locks.Map.Lock()
	defer s.locks.Map.Unlock()

	var victims []region.RegionPos
	s.regions.All(func(pos region.RegionPos, c *region.Container) bool {
		mu := s.locks.For(pos)
		if !mu.TryLock() {
			return true
		}
		if c.Releasable() && !s.busy(pos) {
			victims = append(victims, pos)
		}
		mu.Unlock()
		return true
	})
	for _, pos := range victims {
		s.regions.Delete(pos)
	}
	return len(victims)
}
