// Package region holds the in-memory data model: chunks of columns, the
// primary block layer, pluggable auxiliary layers, regions and the container
// that tracks a region's demand and scheduling state.
package region

import "fmt"

const (
	// ChunkSize is the edge length of a chunk in columns.
	ChunkSize = 16
	// ChunkColumns is the number of columns in a chunk.
	ChunkColumns = ChunkSize * ChunkSize
	// RegionChunks is the edge length of a region in chunks.
	RegionChunks = 32
	// RegionChunkCount is the number of chunk slots in a region.
	RegionChunkCount = RegionChunks * RegionChunks
	// RegionColumns is the edge length of a region in columns.
	RegionColumns = RegionChunks * ChunkSize
)

// Value is an opaque column value supplied by the live source. The zero value
// is reserved for "absent".
type Value uint32

// Absent is the value read from columns that were never written.
const Absent Value = 0

// RegionPos identifies a region.
type RegionPos struct{ X, Z int32 }

// ChunkPos is a chunk position in world chunk coordinates.
type ChunkPos struct{ X, Z int32 }

// ColumnPos is a column position in world column coordinates.
type ColumnPos struct{ X, Z int32 }

func (p RegionPos) String() string { return fmt.Sprintf("r(%d,%d)", p.X, p.Z) }

// Center returns the region centre in world column coordinates.
func (p RegionPos) Center() (float64, float64) {
	return (float64(p.X) + 0.5) * RegionColumns, (float64(p.Z) + 0.5) * RegionColumns
}

// Chunk returns the world position of the region-local chunk (cx, cz).
func (p RegionPos) Chunk(cx, cz int) ChunkPos {
	return ChunkPos{X: p.X*RegionChunks + int32(cx), Z: p.Z*RegionChunks + int32(cz)}
}

// Region returns the region containing the chunk.
func (c ChunkPos) Region() RegionPos { return RegionPos{X: c.X >> 5, Z: c.Z >> 5} }

// Local returns the chunk position within its region.
func (c ChunkPos) Local() (cx, cz int) { return int(c.X & 31), int(c.Z & 31) }

// Column returns the world position of the chunk-local column (x, z).
func (c ChunkPos) Column(x, z int) ColumnPos {
	return ColumnPos{X: c.X*ChunkSize + int32(x), Z: c.Z*ChunkSize + int32(z)}
}

// Chunk returns the chunk containing the column.
func (c ColumnPos) Chunk() ChunkPos { return ChunkPos{X: c.X >> 4, Z: c.Z >> 4} }

// Region returns the region containing the column.
func (c ColumnPos) Region() RegionPos { return c.Chunk().Region() }

// Local returns the column position within its chunk.
func (c ColumnPos) Local() (x, z int) { return int(c.X & 15), int(c.Z & 15) }

// ColumnIndex packs chunk-local column coordinates into 0..255.
func ColumnIndex(x, z int) int { return z<<4 | x }

// ChunkIndex packs region-local chunk coordinates into 0..1023.
func ChunkIndex(cx, cz int) int { return cz<<5 | cx }
