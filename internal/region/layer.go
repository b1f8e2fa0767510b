package region

// ColumnSource supplies raw column values from the live feed.
type ColumnSource interface {
	// Column returns the value at a world column and whether it is known.
	Column(pos ColumnPos) (Value, bool)
}

// UpdateCache is transient per-task state handed to layer updates. Instances
// come from a bounded pool and are reused; layers may use Columns as scratch.
type UpdateCache struct {
	Source ColumnSource
	// Now is the modification stamp (unix nanos) for anything changed by
	// this update.
	Now     int64
	Columns [ChunkColumns]Value
	Known   [ChunkColumns]bool
}

// Reset clears the cache for reuse.
func (uc *UpdateCache) Reset() {
	uc.Source = nil
	uc.Now = 0
	uc.Columns = [ChunkColumns]Value{}
	uc.Known = [ChunkColumns]bool{}
}

// Layer is the hook interface implemented by collaborators for auxiliary
// per-region data. The core never interprets layer contents; it asks layers
// to update, render, merge and serialize themselves.
//
// Layer methods are called with the region lock held: updates and merges
// under the write lock, Render and MarshalBinary under the read lock.
type Layer interface {
	// UpdateChunk refreshes a whole chunk from uc.Source and reports whether
	// anything changed.
	UpdateChunk(uc *UpdateCache, pos ChunkPos) bool
	// UpdateColumn applies a single column value and reports whether
	// anything changed.
	UpdateColumn(uc *UpdateCache, pos ColumnPos, v Value) bool
	// Render paints the chunk into rc.
	Render(pos ChunkPos, rc *RenderContext)
	// MergeFrom reconciles other, a copy of the same layer loaded from
	// elsewhere, into the receiver. other must not be used afterwards.
	MergeFrom(other Layer) MergeResult
	// MarshalBinary serializes the layer.
	MarshalBinary() ([]byte, error)
	// Modified returns the newest modification stamp in the layer.
	Modified() int64
	// MemoryBytes estimates the layer's heap footprint.
	MemoryBytes() int64
}

// LayerFactory creates and decodes one kind of named auxiliary layer.
type LayerFactory interface {
	Name() string
	New() Layer
	Load(data []byte) (Layer, error)
}

// MergeResult records which side of a merge supplied winning data.
type MergeResult struct {
	// UsedThis is set when the receiver held data newer than the other side.
	UsedThis bool
	// UsedOther is set when data was taken from the other side.
	UsedOther bool
	// NeedsRender is set when the receiver's visible contents changed.
	NeedsRender bool
	// Rows holds, per chunk row, a bitmap of chunks taken from the other
	// side. It is only filled by the block layer.
	Rows [RegionChunks]uint32
}

// Or folds o into r.
func (r MergeResult) Or(o MergeResult) MergeResult {
	r.UsedThis = r.UsedThis || o.UsedThis
	r.UsedOther = r.UsedOther || o.UsedOther
	r.NeedsRender = r.NeedsRender || o.NeedsRender
	for i := range r.Rows {
		r.Rows[i] |= o.Rows[i]
	}
	return r
}

// Changed reports whether either side was used.
func (r MergeResult) Changed() bool { return r.UsedThis || r.UsedOther }

// isOlder is the merge comparator: a timestamp is older only when strictly
// smaller, so equal stamps keep the receiver's data.
func isOlder(this, other int64) bool { return this < other }

// MergeByStamp is a MergeFrom helper for layers that resolve as a whole:
// it reports whether other should replace the receiver.
func MergeByStamp(this, other Layer) (takeOther bool, res MergeResult) {
	switch {
	case isOlder(this.Modified(), other.Modified()):
		return true, MergeResult{UsedOther: true, NeedsRender: true}
	case isOlder(other.Modified(), this.Modified()):
		return false, MergeResult{UsedThis: true}
	default:
		return false, MergeResult{}
	}
}
