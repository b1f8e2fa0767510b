// Package sched runs region work on four pools: a delay pool of timers, an
// I/O pool, a mutation pool and a render pool. I/O and render tasks are pulled
// from priority queues; region-bound tasks run under the region's striped
// lock.
package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/regionstore/internal/metrics"
	"github.com/freeeve/regionstore/internal/region"
)

// ErrClosed is returned for work submitted after shutdown began.
var ErrClosed = errors.New("sched: scheduler closed")

// ErrShutdownTimeout is returned by Close when outstanding work did not
// finish in time.
var ErrShutdownTimeout = errors.New("sched: shutdown timed out")

// Pool identifies one of the scheduler's pools.
type Pool uint8

const (
	PoolDelay Pool = iota
	PoolIO
	PoolMutation
	PoolRender
	numPools
)

var poolNames = [...]string{"delay", "io", "mutation", "render"}

func (p Pool) String() string {
	if int(p) < len(poolNames) {
		return poolNames[p]
	}
	return "unknown"
}

// LockMode selects how a region-bound task holds its region lock.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockRead
	LockWrite
)

// Task is the body of scheduled work.
type Task func(ctx context.Context) (any, error)

// Item describes a queued task. Priority orders the queue, lower first; it
// is recomputed from Region by Reprioritize when HasRegion is set.
type Item struct {
	Region    region.RegionPos
	HasRegion bool
	Priority  float64
	Lock      LockMode
	Run       Task
}

// Config configures a Scheduler.
type Config struct {
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	IOWorkers       int // default 2
	MutationWorkers int // default NumCPU/2, at least 1
	RenderWorkers   int // default 2
	LockBits        int // default 4
}

type poolState struct {
	workers   int
	q         *queue
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
}

type pendingTimer struct {
	t   *time.Timer
	fut *Future
}

// Scheduler owns the worker pools, the region locks and the shutdown barrier.
type Scheduler struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	locks   *Locks
	barrier *Barrier
	pools   [numPools]*poolState

	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	closing atomic.Bool

	timerMu   sync.Mutex
	timers    map[uint64]pendingTimer
	nextTimer uint64

	closeOnce sync.Once
	closeErr  error
}

// New starts a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.IOWorkers <= 0 {
		cfg.IOWorkers = 2
	}
	if cfg.MutationWorkers <= 0 {
		cfg.MutationWorkers = max(1, runtime.NumCPU()/2)
	}
	if cfg.RenderWorkers <= 0 {
		cfg.RenderWorkers = 2
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s := &Scheduler{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "sched").Logger(),
		metrics: cfg.Metrics,
		locks:   NewLocks(cfg.LockBits),
		barrier: NewBarrier(),
		ctx:     gctx,
		cancel:  cancel,
		g:       g,
		timers:  make(map[uint64]pendingTimer),
	}
	workers := [numPools]int{0, cfg.IOWorkers, cfg.MutationWorkers, cfg.RenderWorkers}
	for p := range s.pools {
		s.pools[p] = &poolState{workers: workers[p], q: newQueue()}
		for i := 0; i < workers[p]; i++ {
			pool := Pool(p)
			g.Go(func() error { return s.worker(pool) })
		}
	}
	return s
}

// Locks returns the region lock array.
func (s *Scheduler) Locks() *Locks { return s.locks }

// Closing reports whether shutdown has begun.
func (s *Scheduler) Closing() bool { return s.closing.Load() }

// Go submits an unprioritized task to pool.
func (s *Scheduler) Go(pool Pool, run Task) *Future {
	return s.Submit(pool, Item{Run: run})
}

// Submit queues item on pool. After shutdown began the returned future fails
// with ErrClosed.
func (s *Scheduler) Submit(pool Pool, item Item) *Future {
	ps := s.pools[pool]
	if pool == PoolDelay || ps.workers == 0 {
		panic(errors.AssertionFailedf("sched: cannot submit to %s pool", pool))
	}
	if s.closing.Load() {
		return s.reject(pool)
	}
	t := &task{pool: pool, item: item, fut: newFuture()}
	s.barrier.Register()
	if !ps.q.push(t) {
		s.barrier.Arrive()
		return s.reject(pool)
	}
	ps.submitted.Add(1)
	return t.fut
}

func (s *Scheduler) reject(pool Pool) *Future {
	s.pools[pool].rejected.Add(1)
	s.metrics.Tasks.WithLabelValues(pool.String(), metrics.OutcomeRejected).Inc()
	return Completed(nil, ErrClosed)
}

// After runs fn on the delay pool once d has elapsed. Timers pending at
// shutdown are stopped and their futures resolve to (nil, nil).
func (s *Scheduler) After(d time.Duration, fn func()) *Future {
	if s.closing.Load() {
		return s.reject(PoolDelay)
	}
	fut := newFuture()
	s.barrier.Register()
	s.pools[PoolDelay].submitted.Add(1)

	s.timerMu.Lock()
	s.nextTimer++
	id := s.nextTimer
	s.timers[id] = pendingTimer{t: time.AfterFunc(d, func() { s.fire(id, fn, fut) }), fut: fut}
	s.timerMu.Unlock()
	return fut
}

func (s *Scheduler) fire(id uint64, fn func(), fut *Future) {
	s.timerMu.Lock()
	_, ok := s.timers[id]
	delete(s.timers, id)
	s.timerMu.Unlock()
	if !ok {
		// Stopped by Close, which already counted it down.
		return
	}
	defer s.barrier.Arrive()
	ps := s.pools[PoolDelay]
	if s.closing.Load() {
		ps.cancelled.Add(1)
		fut.complete(nil, nil)
		return
	}
	_, err := s.safeRun(PoolDelay, func(context.Context) (any, error) {
		fn()
		return nil, nil
	})
	s.finish(PoolDelay, err, 0)
	fut.complete(nil, err)
}

func (s *Scheduler) worker(pool Pool) error {
	ps := s.pools[pool]
	for {
		t, ok := ps.q.pop()
		if !ok {
			return nil
		}
		s.execute(t)
	}
}

func (s *Scheduler) execute(t *task) {
	defer s.barrier.Arrive()
	if t.pool == PoolRender && s.closing.Load() {
		s.pools[t.pool].cancelled.Add(1)
		s.metrics.Tasks.WithLabelValues(t.pool.String(), metrics.OutcomeCancelled).Inc()
		t.fut.complete(nil, nil)
		return
	}

	if t.item.HasRegion && t.item.Lock != LockNone {
		unlock, err := s.locks.Acquire(s.ctx, t.item.Region, t.item.Lock)
		if err != nil {
			s.finish(t.pool, err, 0)
			t.fut.complete(nil, err)
			return
		}
		defer unlock()
	}

	start := time.Now()
	v, err := s.safeRun(t.pool, t.item.Run)
	s.finish(t.pool, err, time.Since(start))
	if err != nil && t.item.HasRegion {
		s.log.Error().Err(err).Str("pool", t.pool.String()).
			Int32("rx", t.item.Region.X).Int32("rz", t.item.Region.Z).Msg("task failed")
	} else if err != nil {
		s.log.Error().Err(err).Str("pool", t.pool.String()).Msg("task failed")
	}
	t.fut.complete(v, err)
}

// safeRun converts a panic in run into an error so the worker survives.
func (s *Scheduler) safeRun(pool Pool, run Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("sched: %s task panicked: %v", pool, r), errPanic)
		}
	}()
	return run(s.ctx)
}

var errPanic = errors.New("sched: task panicked")

func (s *Scheduler) finish(pool Pool, err error, d time.Duration) {
	ps := s.pools[pool]
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
		ps.completed.Add(1)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeCancelled
		ps.cancelled.Add(1)
	case errors.Is(err, errPanic):
		outcome = metrics.OutcomePanic
		ps.failed.Add(1)
	default:
		outcome = metrics.OutcomeFailed
		ps.failed.Add(1)
	}
	s.metrics.Tasks.WithLabelValues(pool.String(), outcome).Inc()
	if d > 0 {
		s.metrics.TaskLatency.WithLabelValues(pool.String()).Observe(d.Seconds())
	}
}

// Reprioritize re-sorts the queue of pool by recomputing the priority of
// every region-bound task. It returns the number of tasks re-sorted.
func (s *Scheduler) Reprioritize(pool Pool, fn func(region.RegionPos) float64) int {
	return s.pools[pool].q.reprioritize(fn)
}

// Close rejects new submissions, stops pending timers, cancels queued render
// tasks, drains the I/O and mutation queues and waits up to timeout for the
// outstanding work. On timeout the remaining work is abandoned and
// ErrShutdownTimeout is returned.
func (s *Scheduler) Close(timeout time.Duration) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.timerMu.Lock()
		for id, pt := range s.timers {
			pt.t.Stop()
			delete(s.timers, id)
			pt.fut.complete(nil, nil)
			s.pools[PoolDelay].cancelled.Add(1)
			s.barrier.Arrive()
		}
		s.timerMu.Unlock()

		render := s.pools[PoolRender]
		for _, t := range render.q.drain() {
			render.cancelled.Add(1)
			t.fut.complete(nil, nil)
			s.barrier.Arrive()
		}
		for _, ps := range s.pools {
			ps.q.close()
		}

		if !s.barrier.AwaitTimeout(timeout) {
			n := s.barrier.Pending()
			s.log.Warn().Int("outstanding", n).Dur("timeout", timeout).
				Msg("shutdown timed out, abandoning outstanding work")
			s.cancel()
			s.closeErr = errors.Wrapf(ErrShutdownTimeout, "%d tasks outstanding", n)
			return
		}
		s.cancel()
		if err := s.g.Wait(); err != nil {
			s.closeErr = err
		}
		s.log.Debug().Uint64("generation", s.barrier.Generation()).Msg("scheduler closed")
	})
	return s.closeErr
}

// PoolStats is a snapshot of one pool.
type PoolStats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Cancelled int64 `json:"cancelled"`
}

// Stats is a snapshot of the scheduler.
type Stats struct {
	Pools       map[string]PoolStats `json:"pools"`
	Outstanding int                  `json:"outstanding"`
	Timers      int                  `json:"timers"`
	Locks       int                  `json:"locks"`
	Closing     bool                 `json:"closing"`
}

// Stats returns per-pool counters and queue lengths.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Pools:       make(map[string]PoolStats, numPools),
		Outstanding: s.barrier.Pending(),
		Locks:       s.locks.Len(),
		Closing:     s.closing.Load(),
	}
	s.timerMu.Lock()
	st.Timers = len(s.timers)
	s.timerMu.Unlock()
	for p, ps := range s.pools {
		queued := ps.q.len()
		if Pool(p) == PoolDelay {
			queued = st.Timers
		}
		st.Pools[Pool(p).String()] = PoolStats{
			Workers:   ps.workers,
			Queued:    queued,
			Submitted: ps.submitted.Load(),
			Completed: ps.completed.Load(),
			Failed:    ps.failed.Load(),
			Rejected:  ps.rejected.Load(),
			Cancelled: ps.cancelled.Load(),
		}
		s.metrics.QueueDepth.WithLabelValues(Pool(p).String()).Set(float64(queued))
	}
	return st
}
