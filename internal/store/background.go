package store

import (
	"context"
	"time"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

// startBackground starts the goroutine that periodically evicts and re-sorts
// queued work by render priority.
func (s *Store) startBackground() {
	if s.bgStop != nil {
		return // already running
	}
	s.bgStop = make(chan struct{})
	s.bgDone = make(chan struct{})

	go func() {
		defer close(s.bgDone)
		cleanup := time.NewTicker(s.cfg.CleanupInterval)
		defer cleanup.Stop()
		resort := time.NewTicker(s.cfg.ResortInterval)
		defer resort.Stop()

		for {
			select {
			case <-s.bgStop:
				return
			case <-cleanup.C:
				// Run on the I/O pool so saves and evictions serialise with loads.
				if err := s.ScheduleRegionCleanup(false).Err(context.Background()); err != nil {
					s.log.Warn().Err(err).Msg("background cleanup failed")
				}
			case <-resort.C:
				s.resort()
			}
		}
	}()

	s.log.Debug().Dur("cleanup", s.cfg.CleanupInterval).Dur("resort", s.cfg.ResortInterval).
		Msg("started background loop")
}

// stopBackground stops the background goroutine.
func (s *Store) stopBackground() {
	if s.bgStop == nil {
		return
	}
	close(s.bgStop)
	<-s.bgDone
	s.bgStop = nil
	s.bgDone = nil
	s.log.Debug().Msg("stopped background loop")
}

// resort recomputes every container's render priority and re-heaps the
// queues that order by it.
func (s *Store) resort() {
	s.refreshPriorities()
	prio := make(map[region.RegionPos]float64)
	for _, c := range s.containers() {
		prio[c.Pos] = c.RenderPriority()
	}
	// Queue locks are held while fn runs; fn must not touch the map lock.
	fn := func(pos region.RegionPos) float64 {
		if p, ok := prio[pos]; ok {
			return p
		}
		return s.priorityOf(pos, region.TierNone)
	}
	n := s.sched.Reprioritize(sched.PoolIO, fn)
	n += s.sched.Reprioritize(sched.PoolRender, fn)
	if n > 0 {
		s.log.Debug().Int("tasks", n).Msg("re-sorted queues")
	}
}
