package store

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/regionstore/internal/region"
)

// Region files are framed as
//
//	magic "RGN1" | kind (1) | uvarint body length | zstd(body) | xxhash64 (8, LE)
//
// where the checksum covers every preceding byte. The block body is
//
//	version | varint modified | flags | block layer
//
// and the aux body is
//
//	version | varint aux-flag stamp | flags | uvarint n |
//	n × (name | varint modified | uvarint len | payload)
const (
	fileMagic     = "RGN1"
	bodyVersion   = 1
	maxBodyLen    = 64 << 20
	frameOverhead = len(fileMagic) + 1 + 8

	flagAuxRecompute = 1 << 0
)

// Codec encodes and decodes region files. It is safe for concurrent use.
type Codec struct {
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	layers []region.LayerFactory
}

// NewCodec returns a codec. level is "fast" or "best"; anything else selects
// the zstd default.
func NewCodec(level string, layers []region.LayerFactory) (*Codec, error) {
	speed := zstd.SpeedDefault
	switch level {
	case "fast":
		speed = zstd.SpeedFastest
	case "best":
		speed = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(speed))
	if err != nil {
		return nil, errors.Wrapf(err, "zstd encoder")
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxBodyLen))
	if err != nil {
		enc.Close()
		return nil, errors.Wrapf(err, "zstd decoder")
	}
	return &Codec{enc: enc, dec: dec, layers: layers}, nil
}

// Close releases the compressors.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *Codec) frame(kind FileKind, body []byte) []byte {
	out := make([]byte, 0, frameOverhead+binary.MaxVarintLen64+len(body)/2)
	out = append(out, fileMagic...)
	out = append(out, byte(kind))
	out = binary.AppendUvarint(out, uint64(len(body)))
	out = c.enc.EncodeAll(body, out)
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
}

func (c *Codec) unframe(kind FileKind, data []byte) ([]byte, error) {
	if len(data) < frameOverhead+1 {
		return nil, errors.Wrapf(ErrCorrupt, "file too short (%d bytes)", len(data))
	}
	if string(data[:len(fileMagic)]) != fileMagic {
		return nil, errors.Wrapf(ErrCorrupt, "bad magic %q", data[:len(fileMagic)])
	}
	if got := FileKind(data[len(fileMagic)]); got != kind {
		return nil, errors.Wrapf(ErrCorrupt, "file kind %d, want %d", got, kind)
	}
	n := len(data) - 8
	if sum := binary.LittleEndian.Uint64(data[n:]); sum != xxhash.Sum64(data[:n]) {
		return nil, errors.Wrapf(ErrCorrupt, "checksum mismatch")
	}
	rest := data[len(fileMagic)+1 : n]
	size, k := binary.Uvarint(rest)
	if k <= 0 || size > maxBodyLen {
		return nil, errors.Wrapf(ErrCorrupt, "body length")
	}
	body, err := c.dec.DecodeAll(rest[k:], make([]byte, 0, size))
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, ErrCorrupt), "decompress")
	}
	if uint64(len(body)) != size {
		return nil, errors.Wrapf(ErrCorrupt, "body is %d bytes, header says %d", len(body), size)
	}
	return body, nil
}

// EncodeBlocks serializes the primary layer of r into a framed file. The
// uncompressed body is staged in *buf, which keeps any grown capacity.
func (c *Codec) EncodeBlocks(r *region.Region, buf *[]byte) ([]byte, error) {
	if r.Blocks == nil {
		return nil, errors.AssertionFailedf("store: encode of released block layer")
	}
	payload, err := r.Blocks.MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "encode blocks")
	}
	body := append((*buf)[:0], bodyVersion)
	body = binary.AppendVarint(body, r.BlocksModified())
	body = append(body, 0)
	body = append(body, payload...)
	*buf = body[:0]
	return c.frame(KindBlocks, body), nil
}

// EncodeAux serializes every auxiliary layer of r into a framed file.
func (c *Codec) EncodeAux(r *region.Region, buf *[]byte) ([]byte, error) {
	body := append((*buf)[:0], bodyVersion)
	body = binary.AppendVarint(body, r.AuxFlagModified())
	var flags byte
	if r.AuxRecompute {
		flags |= flagAuxRecompute
	}
	body = append(body, flags)
	body = binary.AppendUvarint(body, uint64(len(r.Layers)))
	for _, nl := range r.Layers {
		payload, err := nl.Layer.MarshalBinary()
		if err != nil {
			return nil, errors.Wrapf(err, "encode layer %q", nl.Name)
		}
		body = binary.AppendUvarint(body, uint64(len(nl.Name)))
		body = append(body, nl.Name...)
		body = binary.AppendVarint(body, nl.Layer.Modified())
		body = binary.AppendUvarint(body, uint64(len(payload)))
		body = append(body, payload...)
	}
	*buf = body[:0]
	return c.frame(KindAux, body), nil
}

// DecodeBlocks parses a block file into r.
func (c *Codec) DecodeBlocks(r *region.Region, data []byte) error {
	body, err := c.unframe(KindBlocks, data)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != bodyVersion {
		return errors.Wrapf(ErrCorrupt, "block body version")
	}
	body = body[1:]
	modified, k := binary.Varint(body)
	if k <= 0 || len(body) < k+1 {
		return errors.Wrapf(ErrCorrupt, "block metadata")
	}
	body = body[k+1:]
	blocks, err := region.DecodeBlockLayer(r.Pos, body)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, ErrCorrupt), "block layer")
	}
	if blocks.Modified() != modified {
		return errors.Wrapf(ErrCorrupt, "block stamp %d, chunks say %d", modified, blocks.Modified())
	}
	r.Blocks = blocks
	r.BlocksSaved = modified
	return nil
}

// DecodeAux parses an aux file into r. Layers without a registered factory
// are kept opaque so that saving the region does not drop them.
func (c *Codec) DecodeAux(r *region.Region, data []byte) error {
	body, err := c.unframe(KindAux, data)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != bodyVersion {
		return errors.Wrapf(ErrCorrupt, "aux body version")
	}
	body = body[1:]
	flagStamp, k := binary.Varint(body)
	if k <= 0 || len(body) < k+1 {
		return errors.Wrapf(ErrCorrupt, "aux metadata")
	}
	flags := body[k]
	body = body[k+1:]
	n, k := binary.Uvarint(body)
	if k <= 0 || n > 1024 {
		return errors.Wrapf(ErrCorrupt, "aux layer count")
	}
	body = body[k:]
	for i := uint64(0); i < n; i++ {
		nameLen, k := binary.Uvarint(body)
		if k <= 0 || uint64(len(body)-k) < nameLen {
			return errors.Wrapf(ErrCorrupt, "aux layer %d name", i)
		}
		name := string(body[k : k+int(nameLen)])
		body = body[k+int(nameLen):]
		modified, k := binary.Varint(body)
		if k <= 0 {
			return errors.Wrapf(ErrCorrupt, "aux layer %q stamp", name)
		}
		body = body[k:]
		size, k := binary.Uvarint(body)
		if k <= 0 || uint64(len(body)-k) < size {
			return errors.Wrapf(ErrCorrupt, "aux layer %q payload", name)
		}
		payload := body[k : k+int(size)]
		body = body[k+int(size):]

		l, err := c.loadLayer(name, modified, payload)
		if err != nil {
			return errors.Wrapf(errors.Mark(err, ErrCorrupt), "aux layer %q", name)
		}
		r.SetLayer(name, l)
	}
	if len(body) != 0 {
		return errors.Wrapf(ErrCorrupt, "%d trailing aux bytes", len(body))
	}
	r.RestoreAuxFlag(flags&flagAuxRecompute != 0, flagStamp)
	r.AuxSaved = r.AuxModified()
	return nil
}

// loadLayer decodes one auxiliary layer. A panicking factory is reported as
// corruption.
func (c *Codec) loadLayer(name string, modified int64, payload []byte) (l region.Layer, err error) {
	for _, f := range c.layers {
		if f.Name() == name {
			defer func() {
				if p := recover(); p != nil {
					l, err = nil, errors.Wrapf(ErrCorrupt, "layer load panicked: %v", p)
				}
			}()
			return f.Load(payload)
		}
	}
	return &opaqueLayer{data: append([]byte(nil), payload...), modified: modified}, nil
}

// opaqueLayer preserves an auxiliary layer no factory understands.
type opaqueLayer struct {
	data     []byte
	modified int64
}

func (o *opaqueLayer) UpdateChunk(*region.UpdateCache, region.ChunkPos) bool { return false }

func (o *opaqueLayer) UpdateColumn(*region.UpdateCache, region.ColumnPos, region.Value) bool {
	return false
}

func (o *opaqueLayer) Render(region.ChunkPos, *region.RenderContext) {}

func (o *opaqueLayer) MergeFrom(other region.Layer) region.MergeResult {
	take, res := region.MergeByStamp(o, other)
	if p, ok := other.(*opaqueLayer); ok && take {
		o.data, o.modified = p.data, p.modified
	}
	return res
}

func (o *opaqueLayer) MarshalBinary() ([]byte, error) { return o.data, nil }

func (o *opaqueLayer) Modified() int64 { return o.modified }

func (o *opaqueLayer) MemoryBytes() int64 { return int64(len(o.data)) + 32 }
