package region

// NamedLayer is an auxiliary layer with its registered name.
type NamedLayer struct {
	Name  string
	Layer Layer
}

// Region is the data of one 32×32-chunk region. Its fields are guarded by the
// region's striped lock.
type Region struct {
	Pos RegionPos
	// Blocks is the primary layer; nil until first written or loaded.
	Blocks *BlockLayer
	// Layers holds auxiliary layers in registration order.
	Layers []NamedLayer

	// AuxRecompute marks that auxiliary layers must be recomputed from the
	// primary layer. It belongs to the auxiliary field group.
	AuxRecompute bool
	// auxFlagModified stamps the last change of AuxRecompute.
	auxFlagModified int64

	// BlocksSaved and AuxSaved are the modification stamps captured by the
	// last successful write (or read) of each file.
	BlocksSaved int64
	AuxSaved    int64
}

// New returns an empty region.
func New(pos RegionPos) *Region {
	return &Region{Pos: pos}
}

// Layer returns the named auxiliary layer, or nil.
func (r *Region) Layer(name string) Layer {
	for _, nl := range r.Layers {
		if nl.Name == name {
			return nl.Layer
		}
	}
	return nil
}

// SetLayer installs or replaces a named layer, keeping registration order.
func (r *Region) SetLayer(name string, l Layer) {
	for i, nl := range r.Layers {
		if nl.Name == name {
			r.Layers[i].Layer = l
			return
		}
	}
	r.Layers = append(r.Layers, NamedLayer{Name: name, Layer: l})
}

// ensureLayers materialises every factory's layer that is missing.
func (r *Region) ensureLayers(factories []LayerFactory) {
	for _, f := range factories {
		if r.Layer(f.Name()) == nil {
			r.SetLayer(f.Name(), f.New())
		}
	}
}

// SetAuxRecompute changes the recompute flag.
func (r *Region) SetAuxRecompute(v bool, now int64) {
	if r.AuxRecompute == v {
		return
	}
	r.AuxRecompute = v
	if now > r.auxFlagModified {
		r.auxFlagModified = now
	}
}

// AuxFlagModified returns the stamp of the last recompute flag change.
func (r *Region) AuxFlagModified() int64 { return r.auxFlagModified }

// RestoreAuxFlag sets the recompute flag and its stamp as decoded from disk.
func (r *Region) RestoreAuxFlag(v bool, stamp int64) {
	r.AuxRecompute, r.auxFlagModified = v, stamp
}

// BlocksModified returns the primary layer's newest stamp.
func (r *Region) BlocksModified() int64 {
	if r.Blocks == nil {
		return 0
	}
	return r.Blocks.Modified()
}

// AuxModified returns the newest stamp across the auxiliary field group.
func (r *Region) AuxModified() int64 {
	m := r.auxFlagModified
	for _, nl := range r.Layers {
		if lm := nl.Layer.Modified(); lm > m {
			m = lm
		}
	}
	return m
}

// Modified returns the region's last modification stamp.
func (r *Region) Modified() int64 {
	return max(r.BlocksModified(), r.AuxModified())
}

// BlocksDirty reports whether the primary layer changed since its last save.
func (r *Region) BlocksDirty() bool { return r.BlocksModified() > r.BlocksSaved }

// AuxDirty reports whether the auxiliary group changed since its last save.
func (r *Region) AuxDirty() bool { return r.AuxModified() > r.AuxSaved }

// Dirty reports whether any group has unsaved changes.
func (r *Region) Dirty() bool { return r.BlocksDirty() || r.AuxDirty() }

// HasData reports whether any layer is materialised.
func (r *Region) HasData() bool { return r.Blocks != nil || len(r.Layers) > 0 }

// BlocksBytes estimates the primary layer footprint.
func (r *Region) BlocksBytes() int64 {
	if r.Blocks == nil {
		return 0
	}
	return r.Blocks.MemoryBytes()
}

// AuxBytes estimates the auxiliary layers' footprint.
func (r *Region) AuxBytes() int64 {
	var n int64
	for _, nl := range r.Layers {
		n += nl.Layer.MemoryBytes()
	}
	return n
}

// Column returns the primary value of a world column in the region.
func (r *Region) Column(pos ColumnPos) (Value, bool) {
	if r.Blocks == nil {
		return Absent, false
	}
	return r.Blocks.Get(pos)
}

// MutationKind distinguishes pending mutations.
type MutationKind uint8

const (
	// MutateColumn sets one column.
	MutateColumn MutationKind = iota + 1
	// MutateChunk refreshes a chunk from a source.
	MutateChunk
)

// Mutation is a pending in-memory update queued on a container.
type Mutation struct {
	Kind   MutationKind
	Column ColumnPos
	Chunk  ChunkPos
	Value  Value
	Source ColumnSource
	// Attempts counts failed applications.
	Attempts int
	// Done, if set, is called once the mutation was applied or dropped.
	Done func(changed bool, err error)
}

// ChunkPos returns the chunk the mutation touches.
func (m Mutation) ChunkPos() ChunkPos {
	if m.Kind == MutateColumn {
		return m.Column.Chunk()
	}
	return m.Chunk
}

// Apply runs the mutation against the primary layer and every auxiliary
// layer, materialising layers on first use. It reports whether anything
// changed.
func (r *Region) Apply(m Mutation, uc *UpdateCache, factories []LayerFactory) bool {
	if r.Blocks == nil {
		r.Blocks = NewBlockLayer(r.Pos)
	}
	r.ensureLayers(factories)
	if m.Source != nil {
		uc.Source = m.Source
	}
	changed := false
	switch m.Kind {
	case MutateColumn:
		changed = r.Blocks.UpdateColumn(uc, m.Column, m.Value)
		for _, nl := range r.Layers {
			if nl.Layer.UpdateColumn(uc, m.Column, m.Value) {
				changed = true
			}
		}
	case MutateChunk:
		changed = r.Blocks.UpdateChunk(uc, m.Chunk)
		for _, nl := range r.Layers {
			if nl.Layer.UpdateChunk(uc, m.Chunk) {
				changed = true
			}
		}
	}
	return changed
}

// RenderChunk asks every layer to paint the chunk, primary layer first.
func (r *Region) RenderChunk(pos ChunkPos, rc *RenderContext) {
	rc.Blocks = r.Blocks
	if r.Blocks != nil {
		r.Blocks.Render(pos, rc)
	}
	for _, nl := range r.Layers {
		nl.Layer.Render(pos, rc)
	}
}

// ReleaseBlocks drops the primary layer.
func (r *Region) ReleaseBlocks() {
	r.Blocks = nil
	r.BlocksSaved = 0
}

// ReleaseAux drops every auxiliary layer.
func (r *Region) ReleaseAux() {
	r.Layers = nil
	r.AuxRecompute = false
	r.auxFlagModified = 0
	r.AuxSaved = 0
}
