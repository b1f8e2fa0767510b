package store

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
)

// Area is an inclusive rectangle of region coordinates.
type Area struct {
	MinX, MinZ int32
	MaxX, MaxZ int32
}

// NoArea is the empty area.
var NoArea = Area{MinX: 1, MinZ: 1}

// AreaAround returns the area of regions within radius regions of the one
// containing the world column (x, z).
func AreaAround(x, z int32, radius int32) Area {
	rp := region.ColumnPos{X: x, Z: z}.Region()
	return Area{MinX: rp.X - radius, MinZ: rp.Z - radius, MaxX: rp.X + radius, MaxZ: rp.Z + radius}
}

// Empty reports whether the area holds no region.
func (a Area) Empty() bool { return a.MaxX < a.MinX || a.MaxZ < a.MinZ }

// Contains reports whether p lies inside the area.
func (a Area) Contains(p region.RegionPos) bool {
	return !a.Empty() && p.X >= a.MinX && p.X <= a.MaxX && p.Z >= a.MinZ && p.Z <= a.MaxZ
}

// Count returns the number of regions in the area.
func (a Area) Count() int64 {
	if a.Empty() {
		return 0
	}
	return (int64(a.MaxX) - int64(a.MinX) + 1) * (int64(a.MaxZ) - int64(a.MinZ) + 1)
}

// Center returns the area's centre in world column coordinates.
func (a Area) Center() (x, z float64) {
	return float64(int64(a.MinX)+int64(a.MaxX)+1) * region.RegionColumns / 2,
		float64(int64(a.MinZ)+int64(a.MaxZ)+1) * region.RegionColumns / 2
}

const (
	// maxAreaRegions bounds the containers one demand update may create.
	maxAreaRegions = 1 << 16
	// tierBonus is subtracted from the render priority per demand tier, in
	// world columns.
	tierBonus = 1 << 20
)

// SetRenderPriorityArea replaces the demand area of tier. Containers inside
// gain the tier's demand and are loaded when needed; containers outside lose
// it. The returned future resolves once the triggered loads finished.
func (s *Store) SetRenderPriorityArea(tier region.Tier, area Area) *sched.Future {
	if s.closed.Load() {
		return sched.Completed(nil, ErrClosed)
	}
	if tier.Flag() == 0 {
		return sched.Completed(nil, errors.Newf("store: cannot set area of tier %s", tier))
	}
	if n := area.Count(); n > maxAreaRegions {
		return sched.Completed(nil, errors.Newf("store: area of %d regions exceeds %d", n, maxAreaRegions))
	}

	s.locks.Meta.Lock()
	s.areas[tier] = area
	s.locks.Meta.Unlock()

	flag := tier.Flag()
	for _, c := range s.containers() {
		if !area.Contains(c.Pos) {
			c.ClearFlags(flag)
		}
	}

	var loads []*sched.Future
	if !area.Empty() {
		for z := int64(area.MinZ); z <= int64(area.MaxZ); z++ {
			for x := int64(area.MinX); x <= int64(area.MaxX); x++ {
				var c *region.Container
				s.with(region.RegionPos{X: int32(x), Z: int32(z)}, true, func(cc *region.Container) {
					cc.SetFlags(flag)
					c = cc
				})
				f := c.Flags()
				switch {
				case f.Has(region.LoadNeeded) && !f.Has(region.IOFailed):
					loads = append(loads, s.scheduleLoad(c, false))
				case c.Image(region.High) == nil:
					c.MarkAllRender()
					s.scheduleRender(c)
				}
			}
		}
	}
	s.refreshPriorities()
	s.log.Debug().Stringer("tier", tier).Int32("minx", area.MinX).Int32("minz", area.MinZ).
		Int32("maxx", area.MaxX).Int32("maxz", area.MaxZ).Int("loads", len(loads)).
		Msg("render area updated")
	return sched.All(loads...)
}

// Areas returns the current demand area of every tier.
func (s *Store) Areas() [region.NumTiers]Area {
	s.locks.Meta.RLock()
	defer s.locks.Meta.RUnlock()
	return s.areas
}

// priorityOf returns the render priority of pos: the distance from its centre
// to the nearest demand area centre, less a bonus per tier. Lower runs first.
func (s *Store) priorityOf(pos region.RegionPos, tier region.Tier) float64 {
	px, pz := pos.Center()
	best := math.Inf(1)
	s.locks.Meta.RLock()
	for _, a := range s.areas {
		if a.Empty() {
			continue
		}
		ax, az := a.Center()
		if d := math.Hypot(px-ax, pz-az); d < best {
			best = d
		}
	}
	s.locks.Meta.RUnlock()
	return best - float64(tier)*tierBonus
}

func (s *Store) refreshPriorities() {
	for _, c := range s.containers() {
		c.SetRenderPriority(s.priorityOf(c.Pos, c.Tier()))
	}
}
