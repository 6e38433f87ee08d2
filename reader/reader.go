// Package reader decodes regions of source images. One reader per format;
// multi-resolution formats (TIFF pyramids, JPEG 2000) decode a chosen level
// only, tiled formats decode the minimum tile set covering the region.
package reader

import (
	"context"
	"fmt"
	"image"
	"io"

	"github.com/greut/melon/domain"
)

// Options carries the configuration subset the readers honor.
type Options struct {
	// LimitTo8Bits rescales deeper sources to 8 bits per sample as the
	// last step of Read.
	LimitTo8Bits bool

	// Normalize stretches each channel's observed range to full depth
	// before any bit-depth reduction.
	Normalize bool
}

// Reader decodes one source image.
type Reader interface {
	// Info reports the image layout. Cheap after the first call.
	Info() (domain.ImageInfo, error)

	// Metadata returns the source's opaque metadata blob (EXIF, XMP,
	// IPTC or native), or nil. The core never parses it.
	Metadata() ([]byte, error)

	// Read decodes the given region of a resolution level, subsampled by
	// the power-of-two factor subsample (1, 2, 4, ...). The region is in
	// level coordinates; nil means the whole level. Hints reports whether
	// the matrix is already cropped to the region.
	Read(ctx context.Context, level int, region *image.Rectangle, subsample int) (*domain.Matrix, domain.Hints, error)
}

// Factory builds a reader over a seekable byte source.
type Factory func(rs io.ReadSeeker, opts Options) (Reader, error)

// registry maps formats to reader factories. Populated at startup; no
// runtime discovery.
var registry = map[domain.Format]Factory{}

// Register installs a factory for a format.
func Register(f domain.Format, factory Factory) {
	registry[f] = factory
}

// New returns a reader for the media type.
func New(mt domain.MediaType, rs io.ReadSeeker, opts Options) (Reader, error) {
	factory, ok := registry[mt.Format]
	if !ok {
		return nil, fmt.Errorf("format %s: %w", mt.Format, domain.ErrUnsupportedSourceFormat)
	}
	return factory(rs, opts)
}

// Formats lists the registered readable formats.
func Formats() []domain.Format {
	fs := make([]domain.Format, 0, len(registry))
	for f := range registry {
		fs = append(fs, f)
	}
	return fs
}

// finish applies the bit-depth policy as the last step inside Read.
func (o Options) finish(m *domain.Matrix) *domain.Matrix {
	if o.Normalize {
		m.Normalize()
	}
	if o.LimitTo8Bits {
		m.Clamp8()
	}
	return m
}

// subsampleMatrix decimates a matrix by a power-of-two factor with
// nearest-neighbor sampling, for codecs that cannot subsample during
// decompression.
func subsampleMatrix(m *domain.Matrix, s int) *domain.Matrix {
	if s <= 1 {
		return m
	}
	w := (m.Width + s - 1) / s
	h := (m.Height + s - 1) / s
	out := domain.NewMatrix(w, h, m.Channels, m.Bits)
	out.ICCProfile = m.ICCProfile
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < m.Channels; c++ {
				out.SetSample(x, y, c, m.Sample(x*s, y*s, c))
			}
		}
	}
	return out
}

// cropMatrix copies a sub-rectangle out of a matrix.
func cropMatrix(m *domain.Matrix, r image.Rectangle) *domain.Matrix {
	r = r.Intersect(image.Rect(0, 0, m.Width, m.Height))
	out := domain.NewMatrix(r.Dx(), r.Dy(), m.Channels, m.Bits)
	out.ICCProfile = m.ICCProfile
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			for c := 0; c < m.Channels; c++ {
				out.SetSample(x, y, c, m.Sample(r.Min.X+x, r.Min.Y+y, c))
			}
		}
	}
	return out
}
