package reader

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/gen2brain/jpegn"

	"github.com/greut/melon/domain"
)

func init() {
	Register(domain.FormatJPEG, func(rs io.ReadSeeker, opts Options) (Reader, error) {
		return newJPEGReader(rs, opts)
	})
}

// jpegReader decodes baseline and progressive JPEGs. DCT scale factors of
// 1/1, 1/2, 1/4 and 1/8 are applied inside the IDCT; any other requested
// subsampling decodes at the nearest DCT factor and decimates the rest.
type jpegReader struct {
	opts Options
	data []byte

	width, height int
	gray          bool
}

func newJPEGReader(rs io.ReadSeeker, opts Options) (*jpegReader, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rs)
	if err != nil {
		return nil, fmt.Errorf("jpeg source: %w", err)
	}
	w, h, gray, err := jpegDimensions(data)
	if err != nil {
		return nil, err
	}
	return &jpegReader{opts: opts, data: data, width: w, height: h, gray: gray}, nil
}

func (j *jpegReader) Info() (domain.ImageInfo, error) {
	samples := 3
	if j.gray {
		samples = 1
	}
	return domain.ImageInfo{
		MediaType:       domain.MediaTypeFor(domain.FormatJPEG),
		Width:           j.width,
		Height:          j.height,
		Levels:          []domain.LevelInfo{{Width: j.width, Height: j.height}},
		BitsPerSample:   8,
		SamplesPerPixel: samples,
	}, nil
}

// Metadata returns the raw APP1 (EXIF or XMP) segment payload, if any.
func (j *jpegReader) Metadata() ([]byte, error) {
	return jpegSegment(j.data, 0xe1), nil
}

func (j *jpegReader) Read(ctx context.Context, level int, region *image.Rectangle, subsample int) (*domain.Matrix, domain.Hints, error) {
	if level != 0 {
		return nil, domain.Hints{}, fmt.Errorf("jpeg level %d: %w", level, domain.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Hints{}, fmt.Errorf("jpeg read: %w", domain.ErrTimeout)
	}
	if subsample < 1 {
		subsample = 1
	}

	// The IDCT handles 1, 2, 4 and 8; the remainder is decimated after.
	denom := subsample
	if denom > 8 {
		denom = 8
	}
	for denom > 1 && 8%denom != 0 {
		denom--
	}
	img, err := jpegn.Decode(bytes.NewReader(j.data), &jpegn.Options{ScaleDenom: denom, ToRGBA: true})
	if err != nil {
		return nil, domain.Hints{}, fmt.Errorf("jpeg decode: %w", err)
	}

	m := domain.FromImage(img)
	if rest := subsample / denom; rest > 1 {
		m = subsampleMatrix(m, rest)
	}
	hints := domain.Hints{SubsampleLog2: log2(subsample)}
	if region != nil {
		scaled := image.Rect(
			region.Min.X/subsample, region.Min.Y/subsample,
			ceilDiv(region.Max.X, subsample), ceilDiv(region.Max.Y, subsample),
		)
		m = cropMatrix(m, scaled)
		hints.AlreadyCropped = true
	}
	return j.opts.finish(m), hints, nil
}

// jpegDimensions scans the marker stream for the first SOF segment.
func jpegDimensions(data []byte) (w, h int, gray bool, err error) {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return 0, 0, false, fmt.Errorf("jpeg signature: %w", domain.ErrUnsupportedSourceFormat)
	}
	for i := 2; i+9 < len(data); {
		if data[i] != 0xff {
			i++
			continue
		}
		marker := data[i+1]
		if marker == 0xd8 || (marker >= 0xd0 && marker <= 0xd7) || marker == 0x01 || marker == 0xff {
			i += 2
			continue
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if marker >= 0xc0 && marker <= 0xcf && marker != 0xc4 && marker != 0xc8 && marker != 0xcc {
			h = int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			w = int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			gray = data[i+9] == 1
			return w, h, gray, nil
		}
		i += 2 + length
	}
	return 0, 0, false, fmt.Errorf("jpeg without SOF: %w", domain.ErrUnsupportedSourceFormat)
}

// jpegSegment returns the payload of the first segment with the given
// marker.
func jpegSegment(data []byte, marker byte) []byte {
	for i := 2; i+4 < len(data); {
		if data[i] != 0xff {
			i++
			continue
		}
		m := data[i+1]
		if m == 0xd8 || (m >= 0xd0 && m <= 0xd7) || m == 0x01 || m == 0xff {
			i += 2
			continue
		}
		if m == 0xda { // start of scan: no more metadata
			return nil
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if m == marker && i+2+length <= len(data) {
			return data[i+4 : i+2+length]
		}
		i += 2 + length
	}
	return nil
}
