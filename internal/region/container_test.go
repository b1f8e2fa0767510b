package region_test

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freeeve/regionstore/internal/region"
)

func TestContainerFlags(t *testing.T) {
	c := region.NewContainer(region.RegionPos{X: 1})
	require.True(t, c.Flags().Has(region.LoadNeeded))
	require.True(t, math.IsInf(c.RenderPriority(), 1))

	require.True(t, c.SetFlags(region.ModifyScheduled))
	require.False(t, c.SetFlags(region.ModifyScheduled))
	require.True(t, c.ClearFlags(region.ModifyScheduled))
	require.False(t, c.ClearFlags(region.ModifyScheduled))

	c.SetFlags(region.DemandWorldNear)
	c.SetFlags(region.DemandMinimap)
	require.Equal(t, region.TierWorldNear, c.Tier())
	c.ClearFlags(region.DemandWorldNear)
	require.Equal(t, region.TierMinimap, c.Tier())
	require.Equal(t, region.TierWorldNear, c.MaxTier())
	c.ReduceMaxFlags()
	require.Equal(t, region.TierMinimap, c.MaxTier())
	require.False(t, c.MaxFlags().Has(region.ModifyScheduled))
}

func TestContainerFlagsConcurrent(t *testing.T) {
	c := region.NewContainer(region.RegionPos{})
	var wg sync.WaitGroup
	var wins [8]int
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if c.SetFlags(region.SaveScheduled) {
					wins[g]++
					c.ClearFlags(region.SaveScheduled)
				}
			}
		}(g)
	}
	wg.Wait()
	total := 0
	for _, w := range wins {
		total += w
	}
	require.Positive(t, total)
	require.False(t, c.Flags().Has(region.SaveScheduled))
}

func TestTiers(t *testing.T) {
	for tier := region.TierMinimap; tier <= region.TierForced; tier++ {
		require.Equal(t, tier, tier.Flag().Tier())
		got, ok := region.ParseTier(tier.String())
		require.True(t, ok)
		require.Equal(t, tier, got)
	}
	require.Equal(t, region.Flags(0), region.TierNone.Flag())
	_, ok := region.ParseTier("bogus")
	require.False(t, ok)
	require.Equal(t, "load-needed|io-failed", (region.LoadNeeded | region.IOFailed).String())
}

func TestContainerRenderRows(t *testing.T) {
	c := region.NewContainer(region.RegionPos{})
	require.False(t, c.NeedsRender())
	c.MarkRender(3, 5)
	c.MarkRender(4, 5)
	require.True(t, c.NeedsRender())
	require.Equal(t, uint32(0b11000), c.TakeRenderRow(5))
	require.False(t, c.NeedsRender())

	var rows [region.RegionChunks]uint32
	rows[31] = 1 << 31
	c.MarkRows(rows)
	require.Equal(t, uint32(1<<31), c.TakeRenderRow(31))

	c.MarkAllRender()
	for z := 0; z < region.RegionChunks; z++ {
		require.Equal(t, ^uint32(0), c.TakeRenderRow(z))
	}
}

func TestContainerRequeue(t *testing.T) {
	c := region.NewContainer(region.RegionPos{})
	c.Enqueue(region.Mutation{Kind: region.MutateColumn, Value: 1})
	c.Enqueue(region.Mutation{Kind: region.MutateColumn, Value: 2})
	ms := c.Drain()
	require.Len(t, ms, 2)
	require.Equal(t, 0, c.PendingLen())

	c.Enqueue(region.Mutation{Kind: region.MutateColumn, Value: 3})
	c.Requeue(ms)
	got := c.Drain()
	require.Len(t, got, 3)
	require.Equal(t, region.Value(1), got[0].Value)
	require.Equal(t, region.Value(2), got[1].Value)
	require.Equal(t, region.Value(3), got[2].Value)
}

func TestContainerReleasable(t *testing.T) {
	c := region.NewContainer(region.RegionPos{})
	require.True(t, c.Releasable())

	c.SetImage(region.Low, region.NewImage(region.Low))
	require.False(t, c.Releasable())
	require.True(t, c.DropImage(region.Low))
	require.False(t, c.DropImage(region.Low))

	c.SetFlags(region.DemandMinimap)
	require.False(t, c.Releasable())
	c.ClearFlags(region.DemandMinimap)

	c.Data = region.New(c.Pos)
	require.True(t, c.Releasable())
	c.Data.Blocks = region.NewBlockLayer(c.Pos)
	require.False(t, c.Releasable())
}
