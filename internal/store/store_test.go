package store

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/regionstore/internal/evict"
	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/region/layertest"
	"github.com/freeeve/regionstore/internal/sched"
)

func openStore(t *testing.T, dir string, clock *layertest.Clock, mod func(*Config)) *Store {
	t.Helper()
	cfg := Config{
		Dir:               dir,
		Layers:            []region.LayerFactory{&layertest.Factory{}},
		Logger:            zerolog.Nop(),
		Now:               clock.Now,
		IOWorkers:         2,
		MutationWorkers:   2,
		RenderWorkers:     1,
		RenderDelay:       time.Millisecond,
		RetryDelay:        time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
		DisableBackground: true,
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func wait(t *testing.T, f *sched.Future) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	return v
}

func col(x, z int32) region.ColumnPos { return region.ColumnPos{X: x, Z: z} }

func tally(t *testing.T, s *Store, pos region.RegionPos) *layertest.Tally {
	t.Helper()
	c := s.container(pos)
	require.NotNil(t, c)
	mu := s.locks.For(pos)
	mu.RLock()
	defer mu.RUnlock()
	require.NotNil(t, c.Data)
	l, ok := c.Data.Layer(layertest.Name).(*layertest.Tally)
	require.True(t, ok)
	return l
}

func TestEscape(t *testing.T) {
	for _, id := range []string{"local", ".hidden", "a/b:c", "100%", "x\x01y", "C:\\world|*?", ""} {
		esc := Escape(id)
		require.NotContains(t, esc, "/")
		require.NotContains(t, esc, "\\")
		if len(esc) > 0 {
			require.NotEqual(t, byte('.'), esc[0])
		}
		got, err := Unescape(esc)
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
	require.Equal(t, "a.b", Escape("a.b"))

	for _, bad := range []string{"%", "%4", "ab%zz"} {
		_, err := Unescape(bad)
		require.Error(t, err, bad)
	}
}

func TestFileNames(t *testing.T) {
	pos := region.RegionPos{X: -3, Z: 7}
	require.Equal(t, "r.-3.7.blk", FileName(pos, KindBlocks))
	require.Equal(t, "r.-3.7.aux", FileName(pos, KindAux))

	got, kind, ok := ParseFileName("/some/dir/r.-3.7.aux")
	require.True(t, ok)
	require.Equal(t, pos, got)
	require.Equal(t, KindAux, kind)

	for _, bad := range []string{"r.1.blk", "x.1.2.blk", "r.a.2.blk", "r.1.2.tmp", "r.1.2.blk.tmp"} {
		_, _, ok := ParseFileName(bad)
		require.False(t, ok, bad)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	f := &layertest.Factory{}
	codec, err := NewCodec("fast", []region.LayerFactory{f})
	require.NoError(t, err)
	defer codec.Close()

	pos := region.RegionPos{X: 2, Z: -1}
	r := region.New(pos)
	uc := &region.UpdateCache{}
	base := pos.Chunk(3, 4).Column(0, 0)
	for i := int32(0); i < 20; i++ {
		uc.Now = int64(100 + i)
		r.Apply(region.Mutation{Kind: region.MutateColumn, Column: col(base.X+i, base.Z), Value: region.Value(i + 1)}, uc, []region.LayerFactory{f})
	}
	r.SetAuxRecompute(true, 200)

	var buf []byte
	blk, err := codec.EncodeBlocks(r, &buf)
	require.NoError(t, err)
	aux, err := codec.EncodeAux(r, &buf)
	require.NoError(t, err)
	require.Greater(t, cap(buf), 0)

	got := region.New(pos)
	require.NoError(t, codec.DecodeBlocks(got, blk))
	require.NoError(t, codec.DecodeAux(got, aux))
	for i := int32(0); i < 20; i++ {
		v, ok := got.Column(col(base.X+i, base.Z))
		require.True(t, ok)
		require.Equal(t, region.Value(i+1), v)
	}
	require.Equal(t, r.BlocksModified(), got.BlocksModified())
	require.Equal(t, r.AuxModified(), got.AuxModified())
	require.True(t, got.AuxRecompute)
	require.False(t, got.Dirty())
	require.Equal(t, r.Layer(layertest.Name).(*layertest.Tally).Counts,
		got.Layer(layertest.Name).(*layertest.Tally).Counts)

	flipped := append([]byte(nil), blk...)
	flipped[len(flipped)/2] ^= 0x40
	require.True(t, errors.Is(codec.DecodeBlocks(region.New(pos), flipped), ErrCorrupt))
	require.True(t, errors.Is(codec.DecodeBlocks(region.New(pos), blk[:len(blk)-3]), ErrCorrupt))
	require.True(t, errors.Is(codec.DecodeAux(region.New(pos), blk), ErrCorrupt))
	require.True(t, errors.Is(codec.DecodeBlocks(region.New(pos), []byte("RGN")), ErrCorrupt))
}

func TestCodecKeepsUnknownLayers(t *testing.T) {
	withTally, err := NewCodec("", []region.LayerFactory{&layertest.Factory{}})
	require.NoError(t, err)
	defer withTally.Close()
	bare, err := NewCodec("", nil)
	require.NoError(t, err)
	defer bare.Close()

	r := region.New(region.RegionPos{})
	uc := &region.UpdateCache{Now: 50}
	r.Apply(region.Mutation{Kind: region.MutateColumn, Column: col(1, 1), Value: 3}, uc, []region.LayerFactory{&layertest.Factory{}})
	var buf []byte
	aux, err := withTally.EncodeAux(r, &buf)
	require.NoError(t, err)

	// A store without the factory round-trips the layer byte for byte.
	opaque := region.New(r.Pos)
	require.NoError(t, bare.DecodeAux(opaque, aux))
	again, err := bare.EncodeAux(opaque, &buf)
	require.NoError(t, err)

	back := region.New(r.Pos)
	require.NoError(t, withTally.DecodeAux(back, again))
	require.Equal(t, int64(50), back.Layer(layertest.Name).Modified())
	require.Equal(t, uint32(1), back.Layer(layertest.Name).(*layertest.Tally).Counts[col(1, 1).Chunk()])
}

func TestStoreSaveReload(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, layertest.NewClock(1000), nil)

	// Ten columns across two chunks of region (0, 0).
	var cols []region.ColumnPos
	for i := int32(0); i < 5; i++ {
		cols = append(cols, col(i, 0), col(16+i, 3))
	}
	var fs []*sched.Future
	for i, p := range cols {
		fs = append(fs, s.ScheduleUpdateColumn(p, region.Value(i+1)))
	}
	for _, f := range fs {
		require.Equal(t, true, wait(t, f))
	}
	for i, p := range cols {
		v, ok := s.Column(p)
		require.True(t, ok)
		require.Equal(t, region.Value(i+1), v)
	}

	pos := region.RegionPos{}
	info, ok := s.RegionInfo(pos)
	require.True(t, ok)
	require.True(t, info.BlocksDirty)
	require.Equal(t, 2, info.Chunks)

	res := wait(t, s.ScheduleRegionSave(pos)).(SaveResult)
	require.True(t, res.Blocks)
	require.True(t, res.Aux)
	require.False(t, res.Merged)
	info, _ = s.RegionInfo(pos)
	require.False(t, info.BlocksDirty)
	require.False(t, info.AuxDirty)
	require.NotZero(t, info.BlocksDiskStamp)

	// Nothing left to write.
	res = wait(t, s.ScheduleRegionSave(pos)).(SaveResult)
	require.False(t, res.Blocks || res.Aux)
	require.NoError(t, s.Close())

	for _, k := range []FileKind{KindBlocks, KindAux} {
		_, err := os.Stat(filepath.Join(WorldDir(dir, "local", "world"), FileName(pos, k)))
		require.NoError(t, err)
	}
	_, err := os.Stat(filepath.Join(WorldDir(dir, "local", "world"), "metadata.json"))
	require.NoError(t, err)

	s2 := openStore(t, dir, layertest.NewClock(5000), nil)
	defer s2.Close()
	ctx := context.Background()
	for i, p := range cols {
		v, ok, err := s2.LookupColumn(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, region.Value(i+1), v)
	}
	require.False(t, s2.container(pos).Flags().Has(region.IOFailed))
	require.False(t, s2.container(pos).Flags().Has(region.LoadNeeded))
	counts := tally(t, s2, pos).Counts
	require.Equal(t, uint32(5), counts[col(0, 0).Chunk()])
	require.Equal(t, uint32(5), counts[col(16, 3).Chunk()])
	require.GreaterOrEqual(t, s2.Stats().Store.Saves, uint64(1))
}

func TestStoreUpdateChunk(t *testing.T) {
	s := openStore(t, t.TempDir(), layertest.NewClock(1), nil)
	defer s.Close()

	src := layertest.NewSource()
	chunk := region.ChunkPos{X: -1, Z: 2}
	for x := 0; x < region.ChunkSize; x += 3 {
		src.Put(chunk.Column(x, 5), region.Value(100+x))
	}
	require.Equal(t, true, wait(t, s.ScheduleUpdateChunk(src, chunk)))
	for x := 0; x < region.ChunkSize; x++ {
		v, ok := s.Column(chunk.Column(x, 5))
		if x%3 == 0 {
			require.True(t, ok)
			require.Equal(t, region.Value(100+x), v)
		} else {
			require.Equal(t, region.Absent, v)
		}
	}

	_, err := s.ScheduleUpdateChunk(nil, chunk).Wait(context.Background())
	require.Error(t, err)
}

func TestStoreMergesOutOfBandWrite(t *testing.T) {
	dir := t.TempDir()
	pos := region.RegionPos{}
	p1, p2, p3 := col(1, 1), col(40, 1), col(60, 1)

	a := openStore(t, dir, layertest.NewClock(1000), nil)
	wait(t, a.ScheduleUpdateColumn(p1, 7))
	wait(t, a.ScheduleRegionSave(pos))

	// A second writer with a later clock loads the files and adds a chunk.
	b := openStore(t, dir, layertest.NewClock(1_000_000), nil)
	v, ok, err := b.LookupColumn(context.Background(), p1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, region.Value(7), v)
	wait(t, b.ScheduleUpdateColumn(p2, 9))
	require.True(t, wait(t, b.ScheduleRegionSave(pos)).(SaveResult).Blocks)
	require.NoError(t, b.Close())

	later := time.Now().Add(time.Hour)
	for _, k := range []FileKind{KindBlocks, KindAux} {
		require.NoError(t, os.Chtimes(a.path(pos, k), later, later))
	}

	wait(t, a.ScheduleUpdateColumn(p3, 11))
	res := wait(t, a.ScheduleRegionSave(pos)).(SaveResult)
	require.True(t, res.Merged)
	require.True(t, res.Blocks)
	v, ok = a.Column(p2)
	require.True(t, ok)
	require.Equal(t, region.Value(9), v)
	require.NoError(t, a.Close())

	c := openStore(t, dir, layertest.NewClock(1<<40), nil)
	defer c.Close()
	for p, want := range map[region.ColumnPos]region.Value{p1: 7, p2: 9, p3: 11} {
		v, ok, err := c.LookupColumn(context.Background(), p)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, v, "%v", p)
	}
}

func TestStoreIOFailureSkipsSaves(t *testing.T) {
	s := openStore(t, t.TempDir(), layertest.NewClock(1), nil)
	defer s.Close()
	pos := region.RegionPos{X: 4, Z: 4}
	p := pos.Chunk(0, 0).Column(0, 0)
	wait(t, s.ScheduleUpdateColumn(p, 5))

	setFail := func(v bool) {
		l := tally(t, s, pos)
		mu := s.locks.For(pos)
		mu.Lock()
		l.FailSave = v
		mu.Unlock()
	}
	setFail(true)
	_, err := s.ScheduleRegionSave(pos).Wait(context.Background())
	require.True(t, errors.Is(err, ErrIOFailure), "%v", err)
	require.True(t, s.container(pos).Flags().Has(region.IOFailed))

	res := wait(t, s.ScheduleRegionSave(pos)).(SaveResult)
	require.True(t, res.Skipped)

	// A failed dirty region keeps its layers through a normal cleanup.
	s.cfg.Budgets = evict.Budgets{BlockBytes: evict.Budget{Limit: 1}, AuxBytes: evict.Budget{Limit: 1}}
	cres := wait(t, s.ScheduleRegionCleanup(false)).(CleanupResult)
	require.Positive(t, cres.Skipped)
	info, ok := s.RegionInfo(pos)
	require.True(t, ok)
	require.True(t, info.AuxDirty)

	require.True(t, s.ClearIOFailure(pos))
	require.False(t, s.ClearIOFailure(pos))
	setFail(false)
	res = wait(t, s.ScheduleRegionSave(pos)).(SaveResult)
	require.True(t, res.Aux)
	require.Equal(t, uint64(1), s.Stats().Store.Failures)
}

func TestStoreLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, layertest.NewClock(1), nil)
	defer s.Close()
	pos := region.RegionPos{X: 1, Z: 1}
	require.NoError(t, os.WriteFile(s.path(pos, KindBlocks), []byte("not a region file at all"), 0644))

	_, err := s.ScheduleRegionLoad(pos).Wait(context.Background())
	require.True(t, errors.Is(err, ErrIOFailure))
	require.True(t, errors.Is(err, ErrCorrupt))
	c := s.container(pos)
	require.True(t, c.Flags().Has(region.IOFailed))

	// Automatic loads stay off until an explicit one succeeds.
	require.NoError(t, os.Remove(s.path(pos, KindBlocks)))
	v, ok := s.Column(pos.Chunk(0, 0).Column(0, 0))
	require.False(t, ok)
	require.Equal(t, region.Absent, v)
	require.True(t, wait(t, s.ScheduleRegionLoad(pos)) != nil)
	require.False(t, c.Flags().Has(region.IOFailed))
}

func TestStoreCleanupEvicts(t *testing.T) {
	s := openStore(t, t.TempDir(), layertest.NewClock(1), func(c *Config) {
		c.Budgets = evict.Budgets{
			BlockBytes: evict.Budget{Limit: 1},
			AuxBytes:   evict.Budget{Limit: 1},
			HighRes:    evict.Budget{Limit: 64},
			LowRes:     evict.Budget{Limit: 64},
		}
	})
	defer s.Close()

	kept, evicted := region.RegionPos{X: 0, Z: 0}, region.RegionPos{X: 5, Z: 5}
	pk, pe := kept.Chunk(1, 1).Column(2, 2), evicted.Chunk(1, 1).Column(2, 2)
	wait(t, s.ScheduleUpdateColumn(pk, 3))
	wait(t, s.ScheduleUpdateColumn(pe, 4))
	wait(t, s.SetRenderPriorityArea(region.TierForced, Area{MinX: 0, MinZ: 0, MaxX: 0, MaxZ: 0}))

	require.Eventually(t, func() bool {
		return s.RegionImage(kept, region.High) != nil &&
			!s.container(evicted).Flags().Has(region.RenderScheduled)
	}, 5*time.Second, time.Millisecond)

	res := wait(t, s.ScheduleRegionCleanup(false)).(CleanupResult)
	require.Equal(t, 2, res.Scanned)
	require.Equal(t, 1, res.Saved)
	require.Equal(t, 2, res.Released)
	require.Equal(t, 1, res.Destroyed)
	require.Equal(t, 1, res.Remaining)
	require.Nil(t, s.container(evicted))

	v, ok := s.Column(pk)
	require.True(t, ok)
	require.Equal(t, region.Value(3), v)

	// The evicted region was saved before release and reloads.
	v, ok, err := s.LookupColumn(context.Background(), pe)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, region.Value(4), v)
}

func TestStoreDemandRenders(t *testing.T) {
	s := openStore(t, t.TempDir(), layertest.NewClock(1), nil)
	defer s.Close()

	pos := region.RegionPos{X: 1, Z: -1}
	p := pos.Chunk(2, 3).Column(4, 5)
	wait(t, s.SetRenderPriorityArea(region.TierWorldNear, Area{MinX: 1, MinZ: -1, MaxX: 1, MaxZ: -1}))
	wait(t, s.ScheduleUpdateColumn(p, 42))

	x := int(p.X - pos.X*region.RegionColumns)
	z := int(p.Z - pos.Z*region.RegionColumns)
	require.Eventually(t, func() bool {
		im := s.RegionImage(pos, region.High)
		return im != nil && im.At(x, z) == region.DefaultColor(42) && s.RegionImage(pos, region.Low) != nil
	}, 5*time.Second, time.Millisecond)

	far := region.RegionPos{X: 20, Z: 20}
	wait(t, s.ScheduleRegionLoad(far))
	s.refreshPriorities()
	require.Less(t, s.container(pos).RenderPriority(), s.container(far).RenderPriority())
	require.Equal(t, region.TierWorldNear, s.container(pos).Tier())

	wait(t, s.SetRenderPriorityArea(region.TierWorldNear, NoArea))
	require.Equal(t, region.TierNone, s.container(pos).Tier())
	require.Equal(t, region.TierWorldNear, s.container(pos).MaxTier())

	_, err := s.SetRenderPriorityArea(region.TierNone, NoArea).Wait(context.Background())
	require.Error(t, err)
	_, err = s.SetRenderPriorityArea(region.TierMinimap, Area{MinX: -1000, MinZ: -1000, MaxX: 1000, MaxZ: 1000}).Wait(context.Background())
	require.Error(t, err)
}

func TestArea(t *testing.T) {
	require.True(t, NoArea.Empty())
	require.Zero(t, NoArea.Count())
	require.False(t, NoArea.Contains(region.RegionPos{}))

	a := AreaAround(-1, 600, 1)
	require.Equal(t, Area{MinX: -2, MinZ: 0, MaxX: 0, MaxZ: 2}, a)
	require.Equal(t, int64(9), a.Count())
	require.True(t, a.Contains(region.RegionPos{X: -1, Z: 1}))
	require.False(t, a.Contains(region.RegionPos{X: 1, Z: 1}))
	cx, cz := a.Center()
	require.Equal(t, -0.5*region.RegionColumns, cx)
	require.Equal(t, 1.5*region.RegionColumns, cz)
}

// flaky is a layer whose updates panic while the factory's fails is
// positive, and whose merges panic while mergeFails is.
type flaky struct {
	ff    *flakyFactory
	stamp int64
}

func (f *flaky) hit(uc *region.UpdateCache) bool {
	if f.ff.fails.Add(-1) >= 0 {
		panic("flaky update")
	}
	f.stamp = max(f.stamp, uc.Now)
	return true
}

func (f *flaky) UpdateChunk(uc *region.UpdateCache, _ region.ChunkPos) bool { return f.hit(uc) }

func (f *flaky) UpdateColumn(uc *region.UpdateCache, _ region.ColumnPos, _ region.Value) bool {
	return f.hit(uc)
}

func (f *flaky) Render(region.ChunkPos, *region.RenderContext) {}

func (f *flaky) MergeFrom(other region.Layer) region.MergeResult {
	if f.ff.mergeFails.Add(-1) >= 0 {
		panic("flaky merge")
	}
	take, res := region.MergeByStamp(f, other)
	if take {
		f.stamp = other.Modified()
	}
	return res
}

func (f *flaky) MarshalBinary() ([]byte, error) { return binary.AppendVarint(nil, f.stamp), nil }

func (f *flaky) Modified() int64 { return f.stamp }

func (f *flaky) MemoryBytes() int64 { return 16 }

type flakyFactory struct{ fails, mergeFails atomic.Int32 }

func (ff *flakyFactory) Name() string { return "flaky" }

func (ff *flakyFactory) New() region.Layer { return &flaky{ff: ff} }

func (ff *flakyFactory) Load(data []byte) (region.Layer, error) {
	v, n := binary.Varint(data)
	if n <= 0 {
		return nil, errors.New("flaky: stamp")
	}
	return &flaky{ff: ff, stamp: v}, nil
}

// brokenFactory decodes nothing: its Load panics.
type brokenFactory struct{ layertest.Factory }

func (*brokenFactory) Load([]byte) (region.Layer, error) { panic("tally: unreadable payload") }

func TestStoreMutationRetry(t *testing.T) {
	ff := &flakyFactory{}
	s := openStore(t, t.TempDir(), layertest.NewClock(1), func(c *Config) {
		c.Layers = []region.LayerFactory{ff}
		c.MaxAttempts = 3
	})
	defer s.Close()

	ff.fails.Store(2)
	require.Equal(t, true, wait(t, s.ScheduleUpdateColumn(col(3, 3), 8)))
	v, ok := s.Column(col(3, 3))
	require.True(t, ok)
	require.Equal(t, region.Value(8), v)

	ff.fails.Store(10)
	_, err := s.ScheduleUpdateColumn(col(4, 4), 9).Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestStoreClose(t *testing.T) {
	s := openStore(t, t.TempDir(), layertest.NewClock(1), nil)
	f := s.ScheduleUpdateColumn(col(1, 2), 3)
	require.NoError(t, s.Close())
	// Mutations queued before Close are applied and saved.
	require.Equal(t, true, wait(t, f))

	require.True(t, errors.Is(s.Close(), ErrClosed))
	ctx := context.Background()
	for _, f := range []*sched.Future{
		s.ScheduleUpdateColumn(col(1, 2), 4),
		s.ScheduleRegionLoad(region.RegionPos{}),
		s.ScheduleRegionSave(region.RegionPos{}),
		s.ScheduleRegionCleanup(false),
		s.SetRenderPriorityArea(region.TierMinimap, NoArea),
		s.SaveAll(),
	} {
		require.True(t, errors.Is(f.Err(ctx), ErrClosed))
	}
	_, _, err := s.LookupColumn(ctx, col(1, 2))
	require.True(t, errors.Is(err, ErrClosed))

	s2 := openStore(t, s.cfg.Dir, layertest.NewClock(100), nil)
	defer s2.Close()
	v, ok, err := s2.LookupColumn(ctx, col(1, 2))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, region.Value(3), v)
}

func TestStatsMetadata(t *testing.T) {
	dir := t.TempDir()
	sc := NewStatsCollector(dir)
	require.NoError(t, sc.LoadMetadata())
	sc.IncrementLoads()
	sc.IncrementSaves()
	sc.AddBytesWritten(512)
	sc.AddRenders(3)
	require.NoError(t, sc.SaveMetadata())

	again := NewStatsCollector(dir)
	require.NoError(t, again.LoadMetadata())
	st := again.Stats()
	require.Equal(t, uint64(1), st.Loads)
	require.Equal(t, uint64(1), st.Saves)
	require.Equal(t, uint64(512), st.BytesWritten)
	require.Zero(t, st.Renders)
}

func TestWritePacing(t *testing.T) {
	s := openStore(t, t.TempDir(), layertest.NewClock(1), func(c *Config) {
		c.SaveBytesPerSec = 1 << 20
	})
	defer s.Close()
	start := time.Now()
	s.pace(1 << 10)
	require.Less(t, time.Since(start), time.Second)
}

func TestStoreLoadPanicIsIOFailure(t *testing.T) {
	dir := t.TempDir()
	pos := region.RegionPos{X: 2, Z: 2}
	p := pos.Chunk(0, 0).Column(1, 1)
	s := openStore(t, dir, layertest.NewClock(1), nil)
	wait(t, s.ScheduleUpdateColumn(p, 5))
	require.NoError(t, s.Close())

	s = openStore(t, dir, layertest.NewClock(1000), func(c *Config) {
		c.Layers = []region.LayerFactory{&brokenFactory{}}
	})
	defer s.Close()

	// The mutation is applied even though the disk copy could not be read.
	require.Equal(t, true, wait(t, s.ScheduleUpdateColumn(pos.Chunk(1, 0).Column(0, 0), 6)))
	c := s.container(pos)
	require.True(t, c.Flags().Has(region.IOFailed))
	require.False(t, c.Flags().Has(region.LoadNeeded))
	require.Zero(t, c.PendingLen())
	require.Equal(t, uint64(1), s.Stats().Store.Failures)

	// The unreadable file is not overwritten by an automatic save.
	res := wait(t, s.ScheduleRegionSave(pos)).(SaveResult)
	require.True(t, res.Skipped)

	_, err := s.ScheduleRegionLoad(pos).Wait(context.Background())
	require.True(t, errors.Is(err, ErrIOFailure), "%v", err)
	require.True(t, errors.Is(err, ErrCorrupt), "%v", err)
	require.Contains(t, err.Error(), "panicked")
}

func TestStoreMutationTaskPanicRequeues(t *testing.T) {
	ff := &flakyFactory{}
	s := openStore(t, t.TempDir(), layertest.NewClock(1), func(c *Config) {
		c.Layers = []region.LayerFactory{ff}
		c.MaxAttempts = 3
		c.Budgets = evict.Budgets{BlockBytes: evict.Budget{Limit: 1}}
	})
	defer s.Close()

	pos := region.RegionPos{}
	require.Equal(t, true, wait(t, s.ScheduleUpdateColumn(col(3, 3), 8)))
	wait(t, s.ScheduleRegionSave(pos))

	// Dropping the block layer leaves the aux layer behind, so the next
	// mutation merges the file into memory.
	res := wait(t, s.ScheduleRegionCleanup(false)).(CleanupResult)
	require.Equal(t, 1, res.Released)
	require.True(t, s.container(pos).Flags().Has(region.LoadNeeded))

	ff.mergeFails.Store(1)
	require.Equal(t, true, wait(t, s.ScheduleUpdateColumn(col(5, 5), 9)))
	require.Zero(t, ff.mergeFails.Load(), "the merge hook ran")
	require.Zero(t, s.container(pos).PendingLen())

	for p, want := range map[region.ColumnPos]region.Value{col(3, 3): 8, col(5, 5): 9} {
		v, ok := s.Column(p)
		require.True(t, ok)
		require.Equal(t, want, v)
	}
}

func TestStoreCleanupKeepsEveryDemandedRender(t *testing.T) {
	clock := layertest.NewClock(1)
	s := openStore(t, t.TempDir(), clock, func(c *Config) {
		c.Budgets = evict.Budgets{
			HighRes: evict.Budget{Timeout: time.Nanosecond},
			LowRes:  evict.Budget{Timeout: time.Nanosecond},
		}
	})
	defer s.Close()

	pos := region.RegionPos{}
	wait(t, s.ScheduleUpdateColumn(pos.Chunk(0, 0).Column(1, 1), 6))
	here := Area{MinX: 0, MinZ: 0, MaxX: 0, MaxZ: 0}
	wait(t, s.SetRenderPriorityArea(region.TierMinimap, here))
	wait(t, s.SetRenderPriorityArea(region.TierWorldFar, here))
	require.Eventually(t, func() bool {
		return s.RegionImage(pos, region.High) != nil && s.RegionImage(pos, region.Low) != nil &&
			!s.container(pos).Flags().Has(region.RenderScheduled)
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, region.TierWorldFar, s.container(pos).Tier())

	clock.Advance(int64(time.Hour))
	wait(t, s.ScheduleRegionCleanup(false))
	require.NotNil(t, s.container(pos).Image(region.High), "minimap demand keeps the high-res render")
	require.NotNil(t, s.container(pos).Image(region.Low))

	// Without minimap demand only the low-res render is needed.
	wait(t, s.SetRenderPriorityArea(region.TierMinimap, NoArea))
	clock.Advance(int64(time.Hour))
	wait(t, s.ScheduleRegionCleanup(false))
	require.Nil(t, s.container(pos).Image(region.High))
	require.NotNil(t, s.container(pos).Image(region.Low))
}
