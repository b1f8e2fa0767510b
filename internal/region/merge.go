package region

// Merged reports the outcome of Region.Merge per field group.
type Merged struct {
	Blocks MergeResult
	Aux    MergeResult
}

// Total folds both groups into one result.
func (m Merged) Total() MergeResult { return m.Blocks.Or(m.Aux) }

// Merge reconciles other, typically a copy freshly decoded from disk, into r.
// Each field group is resolved independently: the primary layer chunk by
// chunk, each auxiliary layer through its MergeFrom hook, and the recompute
// flag by the stamp of the auxiliary group. other must not be used
// afterwards. Merging a region with itself changes nothing.
func (r *Region) Merge(other *Region) Merged {
	var res Merged
	if other == nil || other == r {
		return res
	}

	switch {
	case r.Blocks == nil && other.Blocks != nil:
		r.Blocks = other.Blocks
		res.Blocks = MergeResult{UsedOther: true, NeedsRender: true}
		for i := range res.Blocks.Rows {
			res.Blocks.Rows[i] = ^uint32(0)
		}
	case r.Blocks != nil && other.Blocks != nil:
		res.Blocks = r.Blocks.MergeFrom(other.Blocks)
	case r.Blocks != nil && r.Blocks.ChunkCount() > 0:
		res.Blocks.UsedThis = true
	}

	// The recompute flag follows the side whose auxiliary group is newer;
	// on a tie it is set if either side set it.
	thisAux, otherAux := r.AuxModified(), other.AuxModified()
	switch {
	case isOlder(thisAux, otherAux):
		if r.AuxRecompute != other.AuxRecompute {
			res.Aux.UsedOther = true
		}
		r.AuxRecompute = other.AuxRecompute
		r.auxFlagModified = max(r.auxFlagModified, other.auxFlagModified)
	case isOlder(otherAux, thisAux):
		if r.AuxRecompute != other.AuxRecompute {
			res.Aux.UsedThis = true
		}
	default:
		if other.AuxRecompute && !r.AuxRecompute {
			r.AuxRecompute = true
			res.Aux.UsedOther = true
		} else if r.AuxRecompute && !other.AuxRecompute {
			res.Aux.UsedThis = true
		}
	}

	for _, nl := range other.Layers {
		mine := r.Layer(nl.Name)
		switch {
		case mine == nil:
			r.SetLayer(nl.Name, nl.Layer)
			res.Aux = res.Aux.Or(MergeResult{UsedOther: true, NeedsRender: true})
		case mine != nl.Layer:
			res.Aux = res.Aux.Or(mine.MergeFrom(nl.Layer))
		}
	}
	for _, nl := range r.Layers {
		if other.Layer(nl.Name) == nil {
			res.Aux.UsedThis = true
		}
	}
	return res
}
