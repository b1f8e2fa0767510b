package store

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/regionstore/internal/region"
)

// FileKind distinguishes the two files stored per region.
type FileKind uint8

const (
	KindBlocks FileKind = 1
	KindAux    FileKind = 2
)

func (k FileKind) ext() string {
	if k == KindAux {
		return "aux"
	}
	return "blk"
}

func (k FileKind) String() string { return k.ext() }

const hexDigits = "0123456789ABCDEF"

func needsEscape(c byte, first bool) bool {
	switch c {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*', '%':
		return true
	case '.':
		return first
	}
	return c < 0x20 || c == 0x7f
}

// Escape makes an identity string safe as a single path element by
// percent-encoding characters that are illegal in file names, control bytes,
// and a leading dot. Unescape reverses it.
func Escape(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if needsEscape(c, i == 0) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&15])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unescape decodes a string produced by Escape.
func Unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Newf("store: truncated escape at %d in %q", i, s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", errors.Newf("store: bad escape %q in %q", s[i:i+3], s)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}

// WorldDir returns the directory holding a world's region files.
func WorldDir(root, sourceID, worldID string) string {
	return filepath.Join(root, Escape(sourceID), Escape(worldID))
}

// FileName returns the file name of a region file.
func FileName(pos region.RegionPos, kind FileKind) string {
	return fmt.Sprintf("r.%d.%d.%s", pos.X, pos.Z, kind.ext())
}

// ParseFileName parses a name produced by FileName.
func ParseFileName(name string) (region.RegionPos, FileKind, bool) {
	parts := strings.Split(filepath.Base(name), ".")
	if len(parts) != 4 || parts[0] != "r" {
		return region.RegionPos{}, 0, false
	}
	x, err1 := strconv.ParseInt(parts[1], 10, 32)
	z, err2 := strconv.ParseInt(parts[2], 10, 32)
	if err1 != nil || err2 != nil {
		return region.RegionPos{}, 0, false
	}
	var kind FileKind
	switch parts[3] {
	case "blk":
		kind = KindBlocks
	case "aux":
		kind = KindAux
	default:
		return region.RegionPos{}, 0, false
	}
	return region.RegionPos{X: int32(x), Z: int32(z)}, kind, true
}

func (s *Store) path(pos region.RegionPos, kind FileKind) string {
	return filepath.Join(s.dir, FileName(pos, kind))
}
