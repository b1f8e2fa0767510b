// Package evict decides which cached region resources to release.
//
// Plan is pure: it ranks candidates and walks them in order, accumulating
// four budgets, and returns what to release. The store gathers candidates,
// performs the releases and saves dirty layers first.
package evict

import (
	"sort"
	"time"

	"github.com/freeeve/regionstore/internal/region"
)

// Resource is a bitmask of releasable resource classes.
type Resource uint8

const (
	Blocks Resource = 1 << iota
	Aux
	HighRes
	LowRes

	All = Blocks | Aux | HighRes | LowRes
)

func (r Resource) String() string {
	if r == 0 {
		return "none"
	}
	s := ""
	for i, n := range [...]string{"blocks", "aux", "high", "low"} {
		if r&(1<<uint(i)) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	return s
}

// Requires returns the resources a demand tier keeps resident.
func Requires(t region.Tier) Resource {
	switch t {
	case region.TierForced:
		return All
	case region.TierWorldNear:
		return HighRes | LowRes
	case region.TierWorldFar:
		return LowRes
	case region.TierMinimap:
		return HighRes
	}
	return 0
}

// RequiresFlags returns the union of Requires over every demand tier set in
// f. Tier requirements do not nest: a minimap region keeps its high-res render
// even when it is also demanded at world-far.
func RequiresFlags(f region.Flags) Resource {
	var r Resource
	for t := region.TierMinimap; t <= region.TierForced; t++ {
		if f&t.Flag() != 0 {
			r |= Requires(t)
		}
	}
	return r
}

// Budget caps one resource class. A zero Limit is unlimited; a zero Timeout
// disables the not-read release.
type Budget struct {
	Limit   int64
	Timeout time.Duration
}

// Budgets holds one budget per resource class. Block and aux limits are in
// bytes; render limits count images.
type Budgets struct {
	BlockBytes Budget
	AuxBytes   Budget
	HighRes    Budget
	LowRes     Budget
}

// DefaultBudgets returns the built-in limits.
func DefaultBudgets() Budgets {
	return Budgets{
		BlockBytes: Budget{Limit: 256 << 20},
		AuxBytes:   Budget{Limit: 64 << 20},
		HighRes:    Budget{Limit: 64},
		LowRes:     Budget{Limit: 1024},
	}
}

// Candidate is the eviction view of one region container.
type Candidate struct {
	Pos region.RegionPos
	// Demand holds the current demand bits; MaxTier is the strongest tier
	// since the last reduction, used for ranking.
	Demand   region.Flags
	MaxTier  region.Tier
	Priority float64
	LastRead int64

	BlockBytes int64
	AuxBytes   int64
	HasHigh    bool
	HasLow     bool

	BlocksDirty bool
	AuxDirty    bool
	IOFailed    bool
}

func (c *Candidate) holds() Resource {
	var r Resource
	if c.BlockBytes > 0 {
		r |= Blocks
	}
	if c.AuxBytes > 0 {
		r |= Aux
	}
	if c.HasHigh {
		r |= HighRes
	}
	if c.HasLow {
		r |= LowRes
	}
	return r
}

// Decision is the outcome for one candidate. Release lists the resources to
// drop; Save lists the dirty layers that must be written before their release.
type Decision struct {
	Pos     region.RegionPos
	Release Resource
	Save    Resource
	// Skipped lists resources that would have been released but hold unsaved
	// data of a region whose I/O failed.
	Skipped Resource
}

// Rank orders candidates most important first: strongest tier since last
// reduction, then lowest render priority, then most recently read.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := &cands[i], &cands[j]
		if a.MaxTier != b.MaxTier {
			return a.MaxTier > b.MaxTier
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.LastRead > b.LastRead
	})
}

type meter struct {
	b    Budget
	used int64
}

// over accumulates n and reports whether the class must be released for a
// region last read at lastRead.
func (m *meter) over(n int64, lastRead, now int64) bool {
	m.used += n
	if m.b.Limit > 0 && m.used > m.b.Limit {
		return true
	}
	return m.b.Timeout > 0 && now-lastRead > int64(m.b.Timeout)
}

// Plan ranks cands in place and returns a decision for every candidate that
// has something to release. now is in unix nanos. With force, unsaved data of
// I/O-failed regions is released too.
func Plan(cands []Candidate, b Budgets, now int64, force bool) []Decision {
	Rank(cands)
	meters := [4]meter{{b: b.BlockBytes}, {b: b.AuxBytes}, {b: b.HighRes}, {b: b.LowRes}}
	var out []Decision
	for i := range cands {
		c := &cands[i]
		held := c.holds()
		sizes := [4]int64{c.BlockBytes, c.AuxBytes, boolCount(c.HasHigh), boolCount(c.HasLow)}

		var release Resource
		for k := range meters {
			r := Resource(1 << uint(k))
			if held&r == 0 {
				continue
			}
			if meters[k].over(sizes[k], c.LastRead, now) {
				release |= r
			}
		}
		release &^= RequiresFlags(c.Demand)
		if release == 0 {
			continue
		}

		d := Decision{Pos: c.Pos}
		dirty := Resource(0)
		if c.BlocksDirty {
			dirty |= Blocks
		}
		if c.AuxDirty {
			dirty |= Aux
		}
		if c.IOFailed && !force {
			d.Skipped = release & dirty
			release &^= dirty
		} else if !c.IOFailed {
			d.Save = release & dirty
		}
		d.Release = release
		if d.Release != 0 || d.Skipped != 0 {
			out = append(out, d)
		}
	}
	return out
}

func boolCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
