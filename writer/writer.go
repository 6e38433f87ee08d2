// Package writer encodes pixel matrices into the deliverable formats.
package writer

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/greut/melon/domain"
)

// Options selects the target encoding.
type Options struct {
	Format domain.Format

	// Quality is JPEG-only, 0-100; 0 means the default of 80.
	Quality int

	// Compression is TIFF-only: none, lzw, deflate or jpeg.
	Compression string

	// Metadata is the opaque source blob to re-embed. Only honored when
	// the writer's format supports it; cross-format leftovers are
	// silently dropped.
	Metadata []byte
}

// Encode writes the matrix to w in the selected format.
func Encode(w io.Writer, m *domain.Matrix, opts Options) error {
	switch opts.Format {
	case domain.FormatJPEG:
		return encodeJPEG(w, m, opts)
	case domain.FormatPNG:
		return png.Encode(w, m.ToImage())
	case domain.FormatGIF:
		return gif.Encode(w, m.ToImage(), &gif.Options{NumColors: 256})
	case domain.FormatTIFF:
		return encodeTIFF(w, m, opts)
	}
	return fmt.Errorf("format %s: %w", opts.Format, domain.ErrUnsupportedOutputFormat)
}

func encodeJPEG(w io.Writer, m *domain.Matrix, opts Options) error {
	quality := opts.Quality
	if quality <= 0 {
		quality = 80
	}
	img := m.ToImage()
	// JPEG has no alpha; flatten NRGBA via the encoder's RGBA path.
	if len(opts.Metadata) == 0 {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	}
	return encodeJPEGWithMetadata(w, img, quality, opts.Metadata)
}

// encodeJPEGWithMetadata splices an APP1 segment carrying the preserved
// blob right after SOI.
func encodeJPEGWithMetadata(w io.Writer, img image.Image, quality int, meta []byte) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return err
	}
	data := buf.Bytes()
	if len(data) < 2 || len(meta)+2 > 0xffff {
		_, err := w.Write(data)
		return err
	}
	if _, err := w.Write(data[:2]); err != nil {
		return err
	}
	seg := []byte{0xff, 0xe1, byte((len(meta) + 2) >> 8), byte(len(meta) + 2)}
	if _, err := w.Write(seg); err != nil {
		return err
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}
	_, err := w.Write(data[2:])
	return err
}
