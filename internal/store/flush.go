package store

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/tokenbucket"

	"github.com/freeeve/regionstore/internal/region"
)

// diskStamps are the modification times (unix nanos) of a region's files, 0
// for a missing file.
type diskStamps struct {
	blocks int64
	aux    int64
}

// fileStamp stats path and returns its mtime, 0 if it does not exist.
func fileStamp(path string) (int64, error) {
	fi, err := os.Stat(path)
	if oserror.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", path)
	}
	return fi.ModTime().UnixNano(), nil
}

// readFile returns the contents of path and the mtime captured before the
// read. A missing file returns nil data without error.
func readFile(path string) ([]byte, int64, error) {
	stamp, err := fileStamp(path)
	if err != nil || stamp == 0 {
		return nil, 0, err
	}
	data, err := os.ReadFile(path)
	if oserror.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read %s", path)
	}
	return data, stamp, nil
}

// readRegion decodes a region's files into a new Region. It returns nil when
// neither file exists. A panic while decoding is reported as corruption.
func (s *Store) readRegion(pos region.RegionPos) (_ *region.Region, st diskStamps, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Wrapf(ErrCorrupt, "decode %s: panicked: %v", pos, p)
		}
	}()
	r := region.New(pos)
	found := false

	data, stamp, err := readFile(s.path(pos, KindBlocks))
	if err != nil {
		return nil, st, err
	}
	if data != nil {
		if err := s.codec.DecodeBlocks(r, data); err != nil {
			return nil, st, errors.Wrapf(err, "%s", FileName(pos, KindBlocks))
		}
		st.blocks = stamp
		found = true
		s.metrics.IOBytes.WithLabelValues("read").Add(float64(len(data)))
	}

	data, stamp, err = readFile(s.path(pos, KindAux))
	if err != nil {
		return nil, st, err
	}
	if data != nil {
		if err := s.codec.DecodeAux(r, data); err != nil {
			return nil, st, errors.Wrapf(err, "%s", FileName(pos, KindAux))
		}
		st.aux = stamp
		found = true
		s.metrics.IOBytes.WithLabelValues("read").Add(float64(len(data)))
	}
	if !found {
		return nil, st, nil
	}
	return r, st, nil
}

// writeFile writes data to path through a synced temporary file and returns
// the new file's mtime. The old file stays intact unless the rename succeeds.
func (s *Store) writeFile(path string, data []byte) (int64, error) {
	s.pace(len(data))
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "write %s", tmpPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "sync %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "rename %s", path)
	}
	s.metrics.IOBytes.WithLabelValues("write").Add(float64(len(data)))
	s.stats.AddBytesWritten(int64(len(data)))
	return fileStamp(path)
}

// pace blocks until the write limiter admits n bytes. Writes larger than the
// burst take the whole burst and leave the bucket in debt for the rest.
func (s *Store) pace(n int) {
	if s.cfg.SaveBytesPerSec <= 0 {
		return
	}
	want := tokenbucket.Tokens(min(int64(n), s.cfg.SaveBytesPerSec))
	throttled := false
	for {
		s.limiterMu.Lock()
		ok, d := s.limiter.TryToFulfill(want)
		if ok && int64(n) > s.cfg.SaveBytesPerSec {
			s.limiter.Adjust(-tokenbucket.Tokens(int64(n) - s.cfg.SaveBytesPerSec))
		}
		s.limiterMu.Unlock()
		if ok {
			break
		}
		if !throttled {
			throttled = true
			s.metrics.SaveThrottle.Inc()
		}
		time.Sleep(d)
	}
}

// ioFailed flags c after a failed load or save. The caller holds the region
// lock.
func (s *Store) ioFailed(c *region.Container, op string, err error) error {
	c.SetFlags(region.IOFailed)
	s.metrics.IOFailures.WithLabelValues(op).Inc()
	s.stats.IncrementFailures()
	s.log.Error().Err(err).Str("op", op).Int32("rx", c.Pos.X).Int32("rz", c.Pos.Z).
		Msg("region I/O failed; automatic saves disabled for this region")
	return errors.Mark(err, ErrIOFailure)
}
