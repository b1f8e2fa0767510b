package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// Metadata holds persistent store metadata
type Metadata struct {
	TotalLoads        uint64 `json:"total_loads"`
	TotalSaves        uint64 `json:"total_saves"`
	TotalMerges       uint64 `json:"total_merges"`
	TotalMutations    uint64 `json:"total_mutations"`
	TotalFailures     uint64 `json:"total_failures"`
	TotalEvictions    uint64 `json:"total_evictions"`
	TotalBytesWritten uint64 `json:"total_bytes_written"`
}

// StatsCollector collects and tracks statistics for the store
type StatsCollector struct {
	// Atomic counters, persisted across restarts
	loads        uint64
	saves        uint64
	merges       uint64
	mutations    uint64
	failures     uint64
	evictions    uint64
	bytesWritten uint64

	// Session-only counters
	renders uint64

	// Path for metadata persistence
	dir string
}

// StoreStats is a snapshot of the collector.
type StoreStats struct {
	Loads        uint64 `json:"loads"`
	Saves        uint64 `json:"saves"`
	Merges       uint64 `json:"merges"`
	Mutations    uint64 `json:"mutations"`
	Failures     uint64 `json:"failures"`
	Evictions    uint64 `json:"evictions"`
	BytesWritten uint64 `json:"bytes_written"`
	Renders      uint64 `json:"renders"`
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(dir string) *StatsCollector {
	return &StatsCollector{dir: dir}
}

// IncrementLoads atomically increments the load counter
func (s *StatsCollector) IncrementLoads() {
	atomic.AddUint64(&s.loads, 1)
}

// IncrementSaves atomically increments the save counter
func (s *StatsCollector) IncrementSaves() {
	atomic.AddUint64(&s.saves, 1)
}

// IncrementMerges counts a disk copy merged into memory.
func (s *StatsCollector) IncrementMerges() {
	atomic.AddUint64(&s.merges, 1)
}

// IncrementFailures atomically increments the I/O failure counter
func (s *StatsCollector) IncrementFailures() {
	atomic.AddUint64(&s.failures, 1)
}

// AddMutations adds n applied mutations.
func (s *StatsCollector) AddMutations(n int) {
	atomic.AddUint64(&s.mutations, uint64(n))
}

// AddRenders adds n rendered chunks.
func (s *StatsCollector) AddRenders(n int) {
	atomic.AddUint64(&s.renders, uint64(n))
}

// AddEvictions adds n released resources.
func (s *StatsCollector) AddEvictions(n int) {
	atomic.AddUint64(&s.evictions, uint64(n))
}

// AddBytesWritten adds n compressed bytes written.
func (s *StatsCollector) AddBytesWritten(n int64) {
	atomic.AddUint64(&s.bytesWritten, uint64(n))
}

// Stats returns the current statistics
func (s *StatsCollector) Stats() StoreStats {
	return StoreStats{
		Loads:        atomic.LoadUint64(&s.loads),
		Saves:        atomic.LoadUint64(&s.saves),
		Merges:       atomic.LoadUint64(&s.merges),
		Mutations:    atomic.LoadUint64(&s.mutations),
		Failures:     atomic.LoadUint64(&s.failures),
		Evictions:    atomic.LoadUint64(&s.evictions),
		BytesWritten: atomic.LoadUint64(&s.bytesWritten),
		Renders:      atomic.LoadUint64(&s.renders),
	}
}

// metadataPath returns the path to the metadata file
func (s *StatsCollector) metadataPath() string {
	return filepath.Join(s.dir, "metadata.json")
}

// LoadMetadata loads persistent metadata from disk
func (s *StatsCollector) LoadMetadata() error {
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil
		}
		return err
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return errors.Wrapf(err, "parse %s", s.metadataPath())
	}

	atomic.StoreUint64(&s.loads, meta.TotalLoads)
	atomic.StoreUint64(&s.saves, meta.TotalSaves)
	atomic.StoreUint64(&s.merges, meta.TotalMerges)
	atomic.StoreUint64(&s.mutations, meta.TotalMutations)
	atomic.StoreUint64(&s.failures, meta.TotalFailures)
	atomic.StoreUint64(&s.evictions, meta.TotalEvictions)
	atomic.StoreUint64(&s.bytesWritten, meta.TotalBytesWritten)

	return nil
}

// SaveMetadata saves persistent metadata to disk
func (s *StatsCollector) SaveMetadata() error {
	st := s.Stats()
	meta := Metadata{
		TotalLoads:        st.Loads,
		TotalSaves:        st.Saves,
		TotalMerges:       st.Merges,
		TotalMutations:    st.Mutations,
		TotalFailures:     st.Failures,
		TotalEvictions:    st.Evictions,
		TotalBytesWritten: st.BytesWritten,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file then rename
	tempPath := s.metadataPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.metadataPath())
}
