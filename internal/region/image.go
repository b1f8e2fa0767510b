package region

// Resolution selects one of the two cached render outputs.
type Resolution uint8

const (
	// High is one pixel per column.
	High Resolution = iota
	// Low is one pixel per LowScale×LowScale columns.
	Low
)

const (
	// LowScale is the downsampling factor of the low resolution image.
	LowScale = 8
	// HighImageSize is the edge length of a high resolution image.
	HighImageSize = RegionColumns
	// LowImageSize is the edge length of a low resolution image.
	LowImageSize = RegionColumns / LowScale
)

func (r Resolution) String() string {
	if r == Low {
		return "low"
	}
	return "high"
}

// Image is a square RGBA pixel buffer, row major by z.
type Image struct {
	Size   int
	Pixels []uint32
}

// NewImage returns a transparent image for the resolution.
func NewImage(res Resolution) *Image {
	size := HighImageSize
	if res == Low {
		size = LowImageSize
	}
	return &Image{Size: size, Pixels: make([]uint32, size*size)}
}

// At returns the pixel at (x, z).
func (im *Image) At(x, z int) uint32 { return im.Pixels[z*im.Size+x] }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	return &Image{Size: im.Size, Pixels: append([]uint32(nil), im.Pixels...)}
}

// Downsample writes the low resolution rendition of the chunk (cx, cz) of a
// high resolution image into low, sampling the top-left column of each cell.
func Downsample(high, low *Image, cx, cz int) {
	const cells = ChunkSize / LowScale
	for dz := 0; dz < cells; dz++ {
		for dx := 0; dx < cells; dx++ {
			lx, lz := cx*cells+dx, cz*cells+dz
			low.Pixels[lz*low.Size+lx] = high.At(lx*LowScale, lz*LowScale)
		}
	}
}

// RenderContext is passed to layer Render hooks. Pixels is the region's high
// resolution image; layers paint columns of the chunk being rendered.
type RenderContext struct {
	Region RegionPos
	Image  *Image
	// Blocks is the region's primary layer, read only. It may be nil.
	Blocks *BlockLayer
	// Color maps a primary value to a pixel. Collaborators supply it; the
	// default packs the value as an opaque color.
	Color func(Value) uint32
}

// SetPixel paints the world column pos, which must lie in rc.Region.
func (rc *RenderContext) SetPixel(pos ColumnPos, c uint32) {
	x := int(pos.X - rc.Region.X*RegionColumns)
	z := int(pos.Z - rc.Region.Z*RegionColumns)
	rc.Image.Pixels[z*rc.Image.Size+x] = c
}

// DefaultColor packs a value into an opaque pixel.
func DefaultColor(v Value) uint32 {
	if v == Absent {
		return 0
	}
	return 0xff000000 | uint32(v)&0x00ffffff
}
