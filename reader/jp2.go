package reader

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	jpeg2000 "github.com/mrjoshuak/go-jpeg2000"

	"github.com/greut/melon/domain"
)

func init() {
	Register(domain.FormatJP2, func(rs io.ReadSeeker, opts Options) (Reader, error) {
		return newJP2Reader(rs, opts)
	})
}

// jp2Reader decodes JPEG 2000 codestreams. The DWT level equals the
// reduction factor, and only code-blocks overlapping the requested region
// are decoded.
type jp2Reader struct {
	opts Options
	data []byte
	meta *jpeg2000.Metadata
}

func newJP2Reader(rs io.ReadSeeker, opts Options) (*jp2Reader, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rs)
	if err != nil {
		return nil, fmt.Errorf("jp2 source: %w", err)
	}
	meta, err := jpeg2000.DecodeMetadata(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jp2 metadata: %w", err)
	}
	return &jp2Reader{opts: opts, data: data, meta: meta}, nil
}

func (j *jp2Reader) Info() (domain.ImageInfo, error) {
	bits := 8
	if len(j.meta.BitsPerComponent) > 0 && j.meta.BitsPerComponent[0] > 8 {
		bits = 16
	}
	info := domain.ImageInfo{
		MediaType:       domain.MediaTypeFor(domain.FormatJP2),
		Width:           j.meta.Width,
		Height:          j.meta.Height,
		BitsPerSample:   bits,
		SamplesPerPixel: j.meta.NumComponents,
		HasProfile:      len(j.meta.ICCProfile) > 0,
	}
	w, h := j.meta.Width, j.meta.Height
	for r := 0; r < j.meta.NumResolutions; r++ {
		info.Levels = append(info.Levels, domain.LevelInfo{
			Width:      w,
			Height:     h,
			TileWidth:  j.meta.TileWidth >> r,
			TileHeight: j.meta.TileHeight >> r,
		})
		w = ceilDiv(w, 2)
		h = ceilDiv(h, 2)
	}
	return info, nil
}

// Metadata returns the embedded comment, if any; JP2 boxes beyond that are
// not carried.
func (j *jp2Reader) Metadata() ([]byte, error) {
	if j.meta.Comment == "" {
		return nil, nil
	}
	return []byte(j.meta.Comment), nil
}

func (j *jp2Reader) Read(ctx context.Context, level int, region *image.Rectangle, subsample int) (*domain.Matrix, domain.Hints, error) {
	if level < 0 || level >= j.meta.NumResolutions {
		return nil, domain.Hints{}, fmt.Errorf("jp2 level %d of %d: %w", level, j.meta.NumResolutions, domain.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Hints{}, fmt.Errorf("jp2 read: %w", domain.ErrTimeout)
	}
	if subsample < 1 {
		subsample = 1
	}

	cfg := &jpeg2000.Config{ReduceResolution: level}
	if region != nil {
		// DecodeArea is in full-resolution coordinates.
		area := image.Rect(
			region.Min.X<<level, region.Min.Y<<level,
			region.Max.X<<level, region.Max.Y<<level,
		).Intersect(image.Rect(0, 0, j.meta.Width, j.meta.Height))
		cfg.DecodeArea = &area
	}
	img, err := jpeg2000.DecodeConfig(bytes.NewReader(j.data), cfg)
	if err != nil {
		return nil, domain.Hints{}, fmt.Errorf("jp2 decode: %w", err)
	}

	m := domain.FromImage(img)
	if subsample > 1 {
		m = subsampleMatrix(m, subsample)
	}
	if len(j.meta.ICCProfile) > 0 {
		m.ICCProfile = j.meta.ICCProfile
	}
	hints := domain.Hints{AlreadyCropped: region != nil, SubsampleLog2: log2(subsample)}
	return j.opts.finish(m), hints, nil
}
