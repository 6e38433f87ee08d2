package reader

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/greut/melon/domain"
)

func init() {
	Register(domain.FormatTIFF, func(rs io.ReadSeeker, opts Options) (Reader, error) {
		return newTIFFReader(rs, opts)
	})
}

// tiffReader decodes pyramidal, tiled and striped TIFFs, BigTIFF included.
// IFDs are the resolution pyramid, ordered large to small; a level is tiled
// when TileOffsets is present.
type tiffReader struct {
	rs   io.ReadSeeker
	opts Options
	ifds []*tiffIFD

	mu sync.Mutex // guards rs seeks across parallel tile reads
}

func newTIFFReader(rs io.ReadSeeker, opts Options) (*tiffReader, error) {
	_, ifds, err := parseTIFF(rs)
	if err != nil {
		return nil, err
	}
	for _, d := range ifds {
		if d.bits != 8 && d.bits != 16 {
			return nil, fmt.Errorf("tiff with %d bits per sample: %w", d.bits, domain.ErrUnsupportedSourceFormat)
		}
		if d.planar != 1 {
			return nil, fmt.Errorf("planar tiff: %w", domain.ErrUnsupportedSourceFormat)
		}
		if d.samples > 4 {
			return nil, fmt.Errorf("tiff with %d samples: %w", d.samples, domain.ErrUnsupportedSourceFormat)
		}
		if d.photometric == 3 {
			return nil, fmt.Errorf("palette tiff: %w", domain.ErrUnsupportedSourceFormat)
		}
	}
	return &tiffReader{rs: rs, opts: opts, ifds: ifds}, nil
}

func (t *tiffReader) Info() (domain.ImageInfo, error) {
	full := t.ifds[0]
	info := domain.ImageInfo{
		MediaType:       domain.MediaTypeFor(domain.FormatTIFF),
		Width:           full.width,
		Height:          full.height,
		BitsPerSample:   full.bits,
		SamplesPerPixel: full.samples,
		HasProfile:      len(full.icc) > 0,
	}
	for _, d := range t.ifds {
		info.Levels = append(info.Levels, domain.LevelInfo{
			Width:      d.width,
			Height:     d.height,
			TileWidth:  d.tileWidth,
			TileHeight: d.tileHeight,
		})
	}
	return info, nil
}

// Metadata returns the full-resolution IFD's XMP packet, falling back to
// the IPTC IIM block.
func (t *tiffReader) Metadata() ([]byte, error) {
	full := t.ifds[0]
	if len(full.xmp) > 0 {
		return full.xmp, nil
	}
	if len(full.iptc) > 0 {
		return full.iptc, nil
	}
	return nil, nil
}

func (t *tiffReader) Read(ctx context.Context, level int, region *image.Rectangle, subsample int) (*domain.Matrix, domain.Hints, error) {
	if level < 0 || level >= len(t.ifds) {
		return nil, domain.Hints{}, fmt.Errorf("tiff level %d of %d: %w", level, len(t.ifds), domain.ErrInvalidRequest)
	}
	if subsample < 1 {
		subsample = 1
	}
	d := t.ifds[level]
	full := image.Rect(0, 0, d.width, d.height)
	r := full
	if region != nil {
		r = region.Intersect(full)
	}
	if r.Empty() {
		return nil, domain.Hints{}, fmt.Errorf("empty region: %w", domain.ErrInvalidRequest)
	}

	var (
		m   *domain.Matrix
		err error
	)
	if d.tiled() {
		m, err = t.readTiled(ctx, d, r, subsample)
	} else {
		m, err = t.readStriped(ctx, d, r, subsample)
	}
	if err != nil {
		return nil, domain.Hints{}, err
	}

	m.ICCProfile = compatibleProfile(d.icc, d.samples)

	hints := domain.Hints{AlreadyCropped: true, SubsampleLog2: log2(subsample)}
	return t.opts.finish(m), hints, nil
}

// compatibleProfile drops an embedded profile whose color space contradicts
// the sample layout instead of re-reading into a grayscale destination:
// the pixels stay color, only the profile is discarded.
func compatibleProfile(icc []byte, samples int) []byte {
	if len(icc) < 20 {
		return nil
	}
	space := string(icc[16:20])
	gray := samples <= 2
	if (space == "GRAY") != gray {
		return nil
	}
	return icc
}

// readTiled decodes the minimum tile set covering the region, each tile
// independently, and composites into the output matrix.
func (t *tiffReader) readTiled(ctx context.Context, d *tiffIFD, r image.Rectangle, s int) (*domain.Matrix, error) {
	out := domain.NewMatrix(ceilDiv(r.Dx(), s), ceilDiv(r.Dy(), s), d.samples, d.bits)
	tilesAcross := ceilDiv(d.width, d.tileWidth)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for ty := r.Min.Y / d.tileHeight; ty*d.tileHeight < r.Max.Y; ty++ {
		for tx := r.Min.X / d.tileWidth; tx*d.tileWidth < r.Max.X; tx++ {
			tx, ty := tx, ty
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("tile read: %w", domain.ErrTimeout)
				}
				idx := ty*tilesAcross + tx
				if idx >= len(d.offsets) {
					return fmt.Errorf("tile %d,%d out of table: %w", tx, ty, domain.ErrUnsupportedSourceFormat)
				}
				raw, err := t.segment(d, idx)
				if err != nil {
					return err
				}
				samples, err := d.decodeSegment(raw, d.tileWidth, d.tileHeight)
				if err != nil {
					return err
				}
				origin := image.Pt(tx*d.tileWidth, ty*d.tileHeight)
				t.composite(d, out, samples, origin, d.tileWidth, r, s)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// readStriped decodes the strips overlapping the region.
func (t *tiffReader) readStriped(ctx context.Context, d *tiffIFD, r image.Rectangle, s int) (*domain.Matrix, error) {
	out := domain.NewMatrix(ceilDiv(r.Dx(), s), ceilDiv(r.Dy(), s), d.samples, d.bits)
	for strip := r.Min.Y / d.rowsPerStrip; strip*d.rowsPerStrip < r.Max.Y; strip++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("strip read: %w", domain.ErrTimeout)
		}
		if strip >= len(d.offsets) {
			return nil, fmt.Errorf("strip %d out of table: %w", strip, domain.ErrUnsupportedSourceFormat)
		}
		rows := d.rowsPerStrip
		if (strip+1)*d.rowsPerStrip > d.height {
			rows = d.height - strip*d.rowsPerStrip
		}
		raw, err := t.segment(d, strip)
		if err != nil {
			return nil, err
		}
		samples, err := d.decodeSegment(raw, d.width, rows)
		if err != nil {
			return nil, err
		}
		t.composite(d, out, samples, image.Pt(0, strip*d.rowsPerStrip), d.width, r, s)
	}
	return out, nil
}

// segment fetches one strip or tile's compressed bytes.
func (t *tiffReader) segment(d *tiffIFD, idx int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return readAt(t.rs, d.offsets[idx], int(d.counts[idx]))
}

// composite copies the subsampled intersection of a decoded segment into
// the output matrix. Segments cover disjoint output pixels, so no locking.
func (t *tiffReader) composite(d *tiffIFD, out *domain.Matrix, samples []byte, origin image.Point, segWidth int, r image.Rectangle, s int) {
	bps := d.bits / 8
	segRect := image.Rect(origin.X, origin.Y, origin.X+segWidth, origin.Y+len(samples)/(segWidth*d.samples*bps))
	overlap := segRect.Intersect(r)
	if overlap.Empty() {
		return
	}
	maxVal := uint16(0xffff)
	for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
		if (y-r.Min.Y)%s != 0 {
			continue
		}
		oy := (y - r.Min.Y) / s
		for x := overlap.Min.X; x < overlap.Max.X; x++ {
			if (x-r.Min.X)%s != 0 {
				continue
			}
			ox := (x - r.Min.X) / s
			si := ((y-origin.Y)*segWidth + (x - origin.X)) * d.samples
			for c := 0; c < d.samples; c++ {
				var v uint16
				if d.bits == 16 {
					v = d.bo.Uint16(samples[(si+c)*2:])
				} else {
					b := samples[si+c]
					v = uint16(b)<<8 | uint16(b)
				}
				if d.photometric == 0 { // white is zero
					v = maxVal - v
				}
				out.SetSample(ox, oy, c, v)
			}
		}
	}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func log2(s int) int {
	n := 0
	for s > 1 {
		s >>= 1
		n++
	}
	return n
}
