package writer_test

import (
	"bytes"
	"context"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greut/melon/domain"
	"github.com/greut/melon/reader"
	"github.com/greut/melon/writer"
)

func grayMatrix(w, h int) *domain.Matrix {
	m := domain.NewMatrix(w, h, 1, 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Pix[y*w+x] = byte((x*7 + y*13) % 256)
		}
	}
	return m
}

func TestEncodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(32, 24), writer.Options{Format: domain.FormatJPEG, Quality: 90})
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 24, cfg.Height)
}

func TestEncodeJPEGMetadataPreserved(t *testing.T) {
	meta := []byte("Exif\x00\x00fake-exif-payload")
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(8, 8), writer.Options{
		Format:   domain.FormatJPEG,
		Metadata: meta,
	})
	require.NoError(t, err)

	data := buf.Bytes()
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe1}, data[:4])
	assert.True(t, bytes.Contains(data, meta))

	// Still a valid JPEG.
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
}

func TestEncodePNG(t *testing.T) {
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(16, 16), writer.Options{Format: domain.FormatPNG})
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestEncodeGIF(t *testing.T) {
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(16, 16), writer.Options{Format: domain.FormatGIF})
	require.NoError(t, err)
	_, err = gif.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
}

func TestEncodeUnsupported(t *testing.T) {
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(4, 4), writer.Options{Format: domain.FormatBMP})
	assert.ErrorIs(t, err, domain.ErrUnsupportedOutputFormat)
}

// Each TIFF compression mode must round-trip through the region reader.
func TestEncodeTIFFRoundTrip(t *testing.T) {
	src := grayMatrix(40, 30)
	for _, compression := range []string{"none", "lzw", "deflate"} {
		t.Run(compression, func(t *testing.T) {
			var buf bytes.Buffer
			err := writer.Encode(&buf, src, writer.Options{
				Format:      domain.FormatTIFF,
				Compression: compression,
			})
			require.NoError(t, err)

			rdr, err := reader.New(domain.MediaTypeFor(domain.FormatTIFF), bytes.NewReader(buf.Bytes()), reader.Options{})
			require.NoError(t, err)
			m, _, err := rdr.Read(context.Background(), 0, nil, 1)
			require.NoError(t, err)
			require.Equal(t, src.Width, m.Width)
			require.Equal(t, src.Height, m.Height)
			for y := 0; y < src.Height; y++ {
				for x := 0; x < src.Width; x++ {
					require.Equal(t, src.Pix[y*src.Width+x], byte(m.Sample(x, y, 0)>>8),
						"pixel %d,%d with %s", x, y, compression)
				}
			}
		})
	}
}

func TestEncodeTIFFJPEGCompression(t *testing.T) {
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(32, 32), writer.Options{
		Format:      domain.FormatTIFF,
		Compression: "jpeg",
		Quality:     90,
	})
	require.NoError(t, err)

	rdr, err := reader.New(domain.MediaTypeFor(domain.FormatTIFF), bytes.NewReader(buf.Bytes()), reader.Options{})
	require.NoError(t, err)
	m, _, err := rdr.Read(context.Background(), 0, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 32, m.Width)
}

func TestEncodeTIFF16BitRoundTrip(t *testing.T) {
	src := domain.NewMatrix(8, 8, 1, 16)
	for i := range src.Pix16 {
		src.Pix16[i] = uint16(i * 997)
	}
	var buf bytes.Buffer
	err := writer.Encode(&buf, src, writer.Options{Format: domain.FormatTIFF})
	require.NoError(t, err)

	rdr, err := reader.New(domain.MediaTypeFor(domain.FormatTIFF), bytes.NewReader(buf.Bytes()), reader.Options{})
	require.NoError(t, err)
	m, _, err := rdr.Read(context.Background(), 0, nil, 1)
	require.NoError(t, err)
	require.Equal(t, 16, m.Bits)
	for i := range src.Pix16 {
		require.Equal(t, src.Pix16[i], m.Pix16[i])
	}
}

func TestEncodeTIFFMetadata(t *testing.T) {
	xmp := []byte("<x:xmpmeta>preserved</x:xmpmeta>")
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(8, 8), writer.Options{
		Format:   domain.FormatTIFF,
		Metadata: xmp,
	})
	require.NoError(t, err)

	rdr, err := reader.New(domain.MediaTypeFor(domain.FormatTIFF), bytes.NewReader(buf.Bytes()), reader.Options{})
	require.NoError(t, err)
	got, err := rdr.Metadata()
	require.NoError(t, err)
	assert.Equal(t, xmp, got)
}

func TestEncodeTIFFBadCompression(t *testing.T) {
	var buf bytes.Buffer
	err := writer.Encode(&buf, grayMatrix(4, 4), writer.Options{
		Format:      domain.FormatTIFF,
		Compression: "zstd",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
