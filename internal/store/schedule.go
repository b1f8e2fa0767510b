package store

import (
	"context"
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

// ScheduleUpdateColumn queues a single column write. The future resolves to
// whether the value changed anything.
func (s *Store) ScheduleUpdateColumn(pos region.ColumnPos, v region.Value) *sched.Future {
	return s.enqueue(region.Mutation{Kind: region.MutateColumn, Column: pos, Value: v})
}

// ScheduleUpdateChunk queues a refresh of a whole chunk from src.
func (s *Store) ScheduleUpdateChunk(src region.ColumnSource, pos region.ChunkPos) *sched.Future {
	if src == nil {
		return sched.Completed(false, errors.AssertionFailedf("store: nil column source"))
	}
	return s.enqueue(region.Mutation{Kind: region.MutateChunk, Chunk: pos, Source: src})
}

func (s *Store) enqueue(m region.Mutation) *sched.Future {
	if s.closed.Load() {
		return sched.Completed(false, ErrClosed)
	}
	fut, resolve := sched.NewPromise()
	m.Done = func(changed bool, err error) { resolve(changed, err) }
	// Enqueue under the map lock so cleanup cannot destroy the container
	// between the enqueue and the flag.
	s.with(m.ChunkPos().Region(), true, func(c *region.Container) {
		c.Enqueue(m)
		s.scheduleModify(c)
	})
	return fut
}

// scheduleModify submits the container's mutation task unless one is
// already outstanding.
func (s *Store) scheduleModify(c *region.Container) {
	if !c.SetFlags(region.ModifyScheduled) {
		return
	}
	f := s.submitModify(c)
	if f.Resolved() && errors.Is(f.Err(context.Background()), sched.ErrClosed) {
		c.ClearFlags(region.ModifyScheduled)
		s.failPending(c, ErrClosed)
	}
}

func (s *Store) submitModify(c *region.Container) *sched.Future {
	return s.sched.Submit(sched.PoolMutation, sched.Item{
		Region:    c.Pos,
		HasRegion: true,
		Lock:      sched.LockWrite,
		Run: func(ctx context.Context) (any, error) {
			return s.modifyLocked(ctx, c)
		},
	})
}

func (s *Store) failPending(c *region.Container, err error) {
	for _, m := range c.Drain() {
		if m.Done != nil {
			m.Done(false, err)
		}
	}
}

// modifyLocked drains and applies c's pending mutations. Mutations that fail
// are requeued and retried after RetryDelay, up to MaxAttempts. A panic
// anywhere in the task puts every mutation not yet resolved or requeued back
// on the queue the same way. The caller holds the region write lock.
func (s *Store) modifyLocked(ctx context.Context, c *region.Container) (applied int, err error) {
	c.ClearFlags(region.ModifyScheduled)
	ms := c.Drain()
	if len(ms) == 0 {
		return 0, nil
	}
	// ms[:next] are settled: resolved, dropped, or held in retry.
	next := 0
	var retry []region.Mutation
	var done []func()
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		err = errors.Newf("store: mutation task panicked: %v", p)
		s.log.Error().Err(err).Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).Msg("mutation task failed")
		for _, m := range ms[next:] {
			m.Attempts++
			if m.Attempts >= s.cfg.MaxAttempts {
				if m.Done != nil {
					m.Done(false, err)
				}
				continue
			}
			retry = append(retry, m)
		}
		s.retry(c, retry)
	}()
	// Futures resolve once the task's follow-up work is scheduled.
	defer func() {
		for _, fn := range done {
			fn()
		}
	}()

	// Mutations land on top of the disk copy.
	if c.Flags().Has(region.LoadNeeded) {
		if _, err := s.loadLocked(c, false); err != nil {
			s.log.Warn().Err(err).Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).
				Msg("applying mutations without disk copy")
		}
	}

	uc, err := s.caches.Get(ctx)
	if err != nil {
		c.Requeue(ms)
		next = len(ms)
		return 0, err
	}
	defer s.caches.Put(uc)

	if c.Data == nil {
		c.Data = region.New(c.Pos)
	}
	for i, m := range ms {
		uc.Reset()
		uc.Now = s.now()
		changed, err := s.apply(c.Data, m, uc)
		if err != nil {
			m.Attempts++
			if m.Attempts >= s.cfg.MaxAttempts {
				s.log.Error().Err(err).Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).
					Int("attempts", m.Attempts).Msg("dropping mutation")
				if m.Done != nil {
					done = append(done, func() { m.Done(false, err) })
				}
			} else {
				retry = append(retry, m)
			}
			next = i + 1
			continue
		}
		if changed {
			cx, cz := m.ChunkPos().Local()
			c.MarkRender(cx, cz)
			applied++
		}
		if m.Done != nil {
			done = append(done, func() { m.Done(changed, nil) })
		}
		next = i + 1
	}

	s.retry(c, retry)
	retry = nil
	if applied > 0 {
		s.stats.AddMutations(applied)
		s.scheduleRender(c)
	}
	return applied, nil
}

// retry requeues ms and re-arms c's mutation task after RetryDelay.
func (s *Store) retry(c *region.Container, ms []region.Mutation) {
	if len(ms) == 0 {
		return
	}
	c.Requeue(ms)
	s.log.Warn().Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).Int("mutations", len(ms)).
		Dur("delay", s.cfg.RetryDelay).Msg("retrying failed mutations")
	s.sched.After(s.cfg.RetryDelay, func() {
		s.with(c.Pos, false, s.scheduleModify)
	})
}

// apply runs one mutation, turning a panicking layer hook into an error so
// that the mutation can be retried.
func (s *Store) apply(r *region.Region, m region.Mutation, uc *region.UpdateCache) (changed bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("store: layer update panicked: %v", p)
		}
	}()
	return r.Apply(m, uc, s.cfg.Layers), nil
}

// flushMutations applies everything still queued, including retries, until
// no container has pending mutations or ctx expires.
func (s *Store) flushMutations(ctx context.Context) error {
	for round := 0; round <= s.cfg.MaxAttempts; round++ {
		var fs []*sched.Future
		for _, c := range s.containers() {
			if c.PendingLen() > 0 || c.Flags().Has(region.ModifyScheduled) {
				fs = append(fs, s.submitModify(c))
			}
		}
		if len(fs) == 0 {
			return nil
		}
		if err := sched.All(fs...).Err(ctx); err != nil {
			return err
		}
	}
	return nil
}

// scheduleRender pushes a delayed render of c's marked chunks unless one is
// already outstanding.
func (s *Store) scheduleRender(c *region.Container) {
	if !c.NeedsRender() || !c.SetFlags(region.RenderScheduled) {
		return
	}
	f := s.sched.After(s.cfg.RenderDelay, func() {
		rf := s.sched.Submit(sched.PoolRender, sched.Item{
			Region:    c.Pos,
			HasRegion: true,
			Priority:  c.RenderPriority(),
			Lock:      sched.LockRead,
			Run: func(context.Context) (any, error) {
				return s.renderLocked(c), nil
			},
		})
		if rf.Resolved() && errors.Is(rf.Err(context.Background()), sched.ErrClosed) {
			c.ClearFlags(region.RenderScheduled)
		}
	})
	if f.Resolved() && errors.Is(f.Err(context.Background()), sched.ErrClosed) {
		c.ClearFlags(region.RenderScheduled)
	}
}

// renderLocked repaints c's marked chunks into copies of its cached images
// and publishes them. The caller holds the region read lock.
func (s *Store) renderLocked(c *region.Container) int {
	c.ClearFlags(region.RenderScheduled)
	r := c.Data
	if r == nil {
		return 0
	}
	high, low := c.Image(region.High), c.Image(region.Low)
	if high == nil && low == nil && c.Tier() == region.TierNone {
		// Nobody looks at this region; render when demand arrives.
		return 0
	}
	if high == nil || low == nil {
		high, low = region.NewImage(region.High), region.NewImage(region.Low)
		c.MarkAllRender()
	} else {
		high, low = high.Clone(), low.Clone()
	}

	rc := &region.RenderContext{Region: c.Pos, Image: high, Color: s.cfg.Color}
	n := 0
	for cz := 0; cz < region.RegionChunks; cz++ {
		row := c.TakeRenderRow(cz)
		for row != 0 {
			cx := bits.TrailingZeros32(row)
			row &= row - 1
			r.RenderChunk(c.Pos.Chunk(cx, cz), rc)
			region.Downsample(high, low, cx, cz)
			n++
		}
	}
	c.SetImage(region.High, high)
	c.SetImage(region.Low, low)
	s.stats.AddRenders(n)
	return n
}
