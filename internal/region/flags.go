package region

import "strings"

// Flags is a set of container state bits. Bits are independent; a region can
// be scheduled for modification and save while demanded at several tiers.
type Flags uint32

const (
	// LoadNeeded is set until the region's files have been read.
	LoadNeeded Flags = 1 << iota
	// ModifyScheduled gates the single outstanding mutation task.
	ModifyScheduled
	// RenderScheduled gates the single outstanding render task.
	RenderScheduled
	// SaveScheduled gates the single outstanding save task.
	SaveScheduled
	// IOFailed is sticky after an I/O failure and suppresses automatic
	// saves until a later successful I/O clears it.
	IOFailed

	// Demand tiers, weakest first.
	DemandMinimap
	DemandWorldFar
	DemandWorldNear
	DemandForced
)

// DemandMask covers every demand tier bit.
const DemandMask = DemandMinimap | DemandWorldFar | DemandWorldNear | DemandForced

// WorkMask covers the bits of in-flight scheduled work.
const WorkMask = ModifyScheduled | RenderScheduled | SaveScheduled

// Tier is a demand strength; a higher tier is stronger.
type Tier uint8

const (
	TierNone Tier = iota
	TierMinimap
	TierWorldFar
	TierWorldNear
	TierForced
)

// NumTiers is the number of tiers including TierNone.
const NumTiers = int(TierForced) + 1

var tierNames = [...]string{"none", "minimap", "world-far", "world-near", "forced"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return "unknown"
}

// ParseTier parses a tier name as printed by String.
func ParseTier(s string) (Tier, bool) {
	for i, n := range tierNames {
		if n == s {
			return Tier(i), true
		}
	}
	return TierNone, false
}

// Flag returns the demand bit of the tier, or 0 for TierNone.
func (t Tier) Flag() Flags {
	if t == TierNone || t > TierForced {
		return 0
	}
	return DemandMinimap << (t - TierMinimap)
}

// Tier returns the strongest demand tier present in f.
func (f Flags) Tier() Tier {
	for t := TierForced; t > TierNone; t-- {
		if f&t.Flag() != 0 {
			return t
		}
	}
	return TierNone
}

// Has reports whether every bit of g is set.
func (f Flags) Has(g Flags) bool { return f&g == g }

var flagNames = [...]string{
	"load-needed", "modify-scheduled", "render-scheduled", "save-scheduled",
	"io-failed", "minimap", "world-far", "world-near", "forced",
}

func (f Flags) String() string {
	var parts []string
	for i, n := range flagNames {
		if f&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
