package reader

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	"io"

	"golang.org/x/image/bmp"

	"github.com/greut/melon/domain"
)

func init() {
	Register(domain.FormatPNG, wholeFactory(domain.FormatPNG, png.Decode))
	Register(domain.FormatGIF, wholeFactory(domain.FormatGIF, gif.Decode))
	Register(domain.FormatBMP, wholeFactory(domain.FormatBMP, bmp.Decode))
}

// wholeReader handles formats with no partial decoding: one resolution,
// tile size equal to the full image. The decode happens once, lazily.
type wholeReader struct {
	opts   Options
	decode func(io.Reader) (image.Image, error)
	rs     io.ReadSeeker
	format domain.Format

	img image.Image
}

func wholeFactory(f domain.Format, decode func(io.Reader) (image.Image, error)) Factory {
	return func(rs io.ReadSeeker, opts Options) (Reader, error) {
		return &wholeReader{opts: opts, decode: decode, rs: rs, format: f}, nil
	}
}

func (w *wholeReader) image() (image.Image, error) {
	if w.img != nil {
		return w.img, nil
	}
	if _, err := w.rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, err := w.decode(w.rs)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", w.format, err)
	}
	w.img = img
	return img, nil
}

func (w *wholeReader) Info() (domain.ImageInfo, error) {
	img, err := w.image()
	if err != nil {
		return domain.ImageInfo{}, err
	}
	b := img.Bounds()
	bits, samples := 8, 4
	switch img.(type) {
	case *image.Gray:
		samples = 1
	case *image.Gray16:
		bits, samples = 16, 1
	case *image.NRGBA64, *image.RGBA64:
		bits = 16
	}
	return domain.ImageInfo{
		MediaType:       domain.MediaTypeFor(w.format),
		Width:           b.Dx(),
		Height:          b.Dy(),
		Levels:          []domain.LevelInfo{{Width: b.Dx(), Height: b.Dy(), TileWidth: b.Dx(), TileHeight: b.Dy()}},
		BitsPerSample:   bits,
		SamplesPerPixel: samples,
	}, nil
}

func (w *wholeReader) Metadata() ([]byte, error) { return nil, nil }

func (w *wholeReader) Read(ctx context.Context, level int, region *image.Rectangle, subsample int) (*domain.Matrix, domain.Hints, error) {
	if level != 0 {
		return nil, domain.Hints{}, fmt.Errorf("%s level %d: %w", w.format, level, domain.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Hints{}, fmt.Errorf("%s read: %w", w.format, domain.ErrTimeout)
	}
	img, err := w.image()
	if err != nil {
		return nil, domain.Hints{}, err
	}
	if subsample < 1 {
		subsample = 1
	}
	m := domain.FromImage(img)
	hints := domain.Hints{SubsampleLog2: log2(subsample)}
	if region != nil {
		m = cropMatrix(m, *region)
		hints.AlreadyCropped = true
	}
	if subsample > 1 {
		m = subsampleMatrix(m, subsample)
	}
	return w.opts.finish(m), hints, nil
}
