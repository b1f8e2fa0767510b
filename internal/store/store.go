package store

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/cockroachdb/tokenbucket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/freeeve/regionstore/internal/bufpool"
	"github.com/freeeve/regionstore/internal/evict"
	"github.com/freeeve/regionstore/internal/metrics"
	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("store: closed")
	// ErrIOFailure marks errors that flagged a region as failed.
	ErrIOFailure = errors.New("store: region I/O failed")
	// ErrCorrupt marks region files that cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt region file")
)

// Config configures the Store
type Config struct {
	Dir      string
	SourceID string // default "local"
	WorldID  string // default "world"

	// Layers are the auxiliary layer factories, in registration order.
	Layers []region.LayerFactory
	// Color maps primary values to pixels; default region.DefaultColor.
	Color func(region.Value) uint32

	Logger     zerolog.Logger
	Registerer prometheus.Registerer // nil leaves metrics unregistered
	// Now returns the modification clock in unix nanos; default wall time.
	Now func() int64

	IOWorkers       int // default 2
	MutationWorkers int // default NumCPU/2
	RenderWorkers   int // default 2
	LockBits        int // default 4 (256 region locks)
	UpdateCaches    int // pooled update caches, default 2*MutationWorkers

	CleanupInterval time.Duration // default 10s
	ResortInterval  time.Duration // default 2s
	RenderDelay     time.Duration // default 100ms
	ShutdownTimeout time.Duration // default 30s
	RetryDelay      time.Duration // mutation retry delay, default 50ms
	MaxAttempts     int           // attempts before a mutation is dropped, default 3

	Budgets         evict.Budgets // zero value selects evict.DefaultBudgets
	SaveBytesPerSec int64         // write pacing, 0 = unpaced
	Compression     string        // "fast", "best" or "" for default

	// DisableBackground turns off periodic cleanup and re-sorting.
	DisableBackground bool
}

type inflightKey struct {
	op  uint8
	pos region.RegionPos
}

const (
	opLoad uint8 = iota
	opSave
)

type staging struct {
	buf []byte
}

// Store caches regions in memory and persists them under a world directory.
type Store struct {
	cfg     Config
	log     zerolog.Logger
	dir     string
	sched   *sched.Scheduler
	locks   *sched.Locks
	metrics *metrics.Metrics
	stats   *StatsCollector
	codec   *Codec

	// regions is guarded by locks.Map.
	regions swiss.Map[region.RegionPos, *region.Container]
	// areas is guarded by locks.Meta.
	areas [region.NumTiers]Area

	caches  *bufpool.Pool[region.UpdateCache]
	staging *bufpool.Pool[staging]

	limiterMu sync.Mutex
	limiter   tokenbucket.TokenBucket

	inflightMu sync.Mutex
	inflight   map[inflightKey]*sched.Future

	closed atomic.Bool

	bgStop chan struct{}
	bgDone chan struct{}
}

func wallClock() int64 { return time.Now().UnixNano() }

// New opens a store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("store: Dir required")
	}
	// Apply defaults
	if cfg.SourceID == "" {
		cfg.SourceID = "local"
	}
	if cfg.WorldID == "" {
		cfg.WorldID = "world"
	}
	if cfg.Now == nil {
		cfg.Now = wallClock
	}
	if cfg.Color == nil {
		cfg.Color = region.DefaultColor
	}
	if cfg.IOWorkers == 0 {
		cfg.IOWorkers = 2
	}
	if cfg.MutationWorkers == 0 {
		cfg.MutationWorkers = max(1, runtime.NumCPU()/2)
	}
	if cfg.RenderWorkers == 0 {
		cfg.RenderWorkers = 2
	}
	if cfg.UpdateCaches == 0 {
		cfg.UpdateCaches = 2 * cfg.MutationWorkers
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Second
	}
	if cfg.ResortInterval == 0 {
		cfg.ResortInterval = 2 * time.Second
	}
	if cfg.RenderDelay == 0 {
		cfg.RenderDelay = 100 * time.Millisecond
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Budgets == (evict.Budgets{}) {
		cfg.Budgets = evict.DefaultBudgets()
	}

	dir := WorldDir(cfg.Dir, cfg.SourceID, cfg.WorldID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	codec, err := NewCodec(cfg.Compression, cfg.Layers)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger.With().Str("component", "store").Str("world", cfg.WorldID).Logger()
	m := metrics.New(cfg.Registerer)
	sc := sched.New(sched.Config{
		Logger:          cfg.Logger,
		Metrics:         m,
		IOWorkers:       cfg.IOWorkers,
		MutationWorkers: cfg.MutationWorkers,
		RenderWorkers:   cfg.RenderWorkers,
		LockBits:        cfg.LockBits,
	})

	s := &Store{
		cfg:      cfg,
		log:      log,
		dir:      dir,
		sched:    sc,
		locks:    sc.Locks(),
		metrics:  m,
		stats:    NewStatsCollector(dir),
		codec:    codec,
		inflight: make(map[inflightKey]*sched.Future),
		caches: bufpool.New(cfg.UpdateCaches,
			func() *region.UpdateCache { return &region.UpdateCache{} },
			(*region.UpdateCache).Reset),
		staging: bufpool.New(cfg.IOWorkers+1,
			func() *staging { return &staging{buf: make([]byte, 0, 64<<10)} },
			nil),
	}
	s.regions.Init(64)
	for t := range s.areas {
		s.areas[t] = NoArea
	}
	if cfg.SaveBytesPerSec > 0 {
		rate := tokenbucket.TokensPerSecond(cfg.SaveBytesPerSec)
		s.limiter.Init(rate, tokenbucket.Tokens(cfg.SaveBytesPerSec))
	}

	if err := s.stats.LoadMetadata(); err != nil {
		_ = sc.Close(time.Second)
		codec.Close()
		return nil, errors.Wrapf(err, "load metadata")
	}

	if !cfg.DisableBackground {
		s.startBackground()
	}
	s.log.Info().Str("dir", dir).Int("layers", len(cfg.Layers)).Msg("store opened")
	return s, nil
}

// Dir returns the world directory.
func (s *Store) Dir() string { return s.dir }

// Codec returns the store's file codec.
func (s *Store) Codec() *Codec { return s.codec }

func (s *Store) now() int64 { return s.cfg.Now() }

// container returns the container for pos without creating it.
func (s *Store) container(pos region.RegionPos) *region.Container {
	s.locks.Map.RLock()
	defer s.locks.Map.RUnlock()
	c, _ := s.regions.Get(pos)
	return c
}

// with runs fn on the container for pos while holding the map lock, so that
// cleanup cannot destroy the container concurrently. With create the
// container is created if missing. fn must not block.
func (s *Store) with(pos region.RegionPos, create bool, fn func(c *region.Container)) bool {
	s.locks.Map.RLock()
	if c, ok := s.regions.Get(pos); ok {
		fn(c)
		s.locks.Map.RUnlock()
		return true
	}
	s.locks.Map.RUnlock()
	if !create {
		return false
	}

	s.locks.Map.Lock()
	defer s.locks.Map.Unlock()
	c, ok := s.regions.Get(pos)
	if !ok {
		c = region.NewContainer(pos)
		c.SetRenderPriority(s.priorityOf(pos, region.TierNone))
		s.regions.Put(pos, c)
		s.metrics.Regions.Set(float64(s.regions.Len()))
	}
	fn(c)
	return true
}

// containers returns a snapshot of every container.
func (s *Store) containers() []*region.Container {
	s.locks.Map.RLock()
	defer s.locks.Map.RUnlock()
	out := make([]*region.Container, 0, s.regions.Len())
	s.regions.All(func(_ region.RegionPos, c *region.Container) bool {
		out = append(out, c)
		return true
	})
	return out
}

// once returns the queued future for (op, pos), or submits a new task. The
// entry is dropped when the task starts, so work requested while it runs
// gets a task of its own.
func (s *Store) once(op uint8, pos region.RegionPos, submit func() *sched.Future) *sched.Future {
	k := inflightKey{op: op, pos: pos}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if f, ok := s.inflight[k]; ok && !f.Resolved() {
		return f
	}
	f := submit()
	if !f.Resolved() {
		s.inflight[k] = f
	}
	return f
}

// started forgets the queued entry of a task that began running.
func (s *Store) started(op uint8, pos region.RegionPos) {
	s.inflightMu.Lock()
	delete(s.inflight, inflightKey{op: op, pos: pos})
	s.inflightMu.Unlock()
}

// busy reports whether a load or save of pos is queued.
func (s *Store) busy(pos region.RegionPos) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, op := range [...]uint8{opLoad, opSave} {
		if f, ok := s.inflight[inflightKey{op: op, pos: pos}]; ok && !f.Resolved() {
			return true
		}
	}
	return false
}

func (s *Store) pruneInflight() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for k, f := range s.inflight {
		if f.Resolved() {
			delete(s.inflight, k)
		}
	}
}

// Close applies pending mutations, saves every dirty region, runs a forced
// cleanup and shuts the scheduler down. Further calls return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.flushMutations(ctx); err != nil {
		s.log.Warn().Err(err).Msg("applying pending mutations at close")
	}
	if err := s.saveAll().Err(ctx); err != nil {
		s.log.Warn().Err(err).Msg("saving regions at close")
	}
	res, err := s.cleanup(ctx, true)
	if err != nil {
		s.log.Warn().Err(err).Msg("final cleanup")
	}

	var errs error
	if err := s.sched.Close(s.cfg.ShutdownTimeout); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	for _, c := range s.containers() {
		s.failPending(c, ErrClosed)
	}
	if err := s.stats.SaveMetadata(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrapf(err, "save metadata"))
	}
	s.codec.Close()
	s.log.Info().Int("released", res.Released).Int("remaining", res.Remaining).Msg("store closed")
	return errs
}
