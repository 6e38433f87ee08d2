package pipeline_test

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
	"github.com/greut/melon/pipeline"
	"github.com/greut/melon/reader"
	"github.com/greut/melon/writer"
)

// fakeReader is a scripted pyramid that records what the executor asked
// for.
type fakeReader struct {
	info domain.ImageInfo

	gotLevel     int
	gotRegion    *image.Rectangle
	gotSubsample int
}

func (f *fakeReader) Info() (domain.ImageInfo, error) { return f.info, nil }
func (f *fakeReader) Metadata() ([]byte, error)       { return nil, nil }

func (f *fakeReader) Read(ctx context.Context, level int, region *image.Rectangle, subsample int) (*domain.Matrix, domain.Hints, error) {
	f.gotLevel = level
	f.gotRegion = region
	f.gotSubsample = subsample

	w := region.Dx() / subsample
	h := region.Dy() / subsample
	m := domain.NewMatrix(w, h, 1, 8)
	for i := range m.Pix {
		m.Pix[i] = 128
	}
	return m, domain.Hints{AlreadyCropped: true, SubsampleLog2: log2(subsample)}, nil
}

func log2(s int) int {
	n := 0
	for s > 1 {
		s >>= 1
		n++
	}
	return n
}

func pyramid(full int, levels int, tile int) domain.ImageInfo {
	info := domain.ImageInfo{
		Width: full, Height: full,
		BitsPerSample: 8, SamplesPerPixel: 1,
	}
	w := full
	for i := 0; i < levels; i++ {
		info.Levels = append(info.Levels, domain.LevelInfo{
			Width: w, Height: w, TileWidth: tile, TileHeight: tile,
		})
		w /= 2
	}
	return info
}

func mustList(t *testing.T, operations ...ops.Operation) ops.List {
	t.Helper()
	list, err := ops.NewList(operations...)
	require.NoError(t, err)
	return list
}

// Deep zoom into a pyramidal source: crop 512 square at full resolution,
// fit to 256. The executor must pick level 1 (half scale), translate the
// crop into level coordinates and apply no residual resampling beyond the
// exact target.
func TestExecuteDeepZoom(t *testing.T) {
	f := &fakeReader{info: pyramid(10000, 4, 256)}
	list := mustList(t,
		ops.Crop{Kind: ops.CropPixels, X: 2048, Y: 2048, W: 512, H: 512},
		ops.Scale{Kind: ops.ScaleFitWidth, W: 256},
		ops.Encode{Format: domain.FormatPNG},
	)

	var out bytes.Buffer
	require.NoError(t, pipeline.Execute(context.Background(), f, f.info, list, nil, &out))

	assert.Equal(t, 1, f.gotLevel)
	assert.Equal(t, 1, f.gotSubsample)
	require.NotNil(t, f.gotRegion)
	assert.Equal(t, image.Rect(1024, 1024, 1280, 1280), *f.gotRegion)

	img, err := png.Decode(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
}

// A non-pyramidal source at 25%: one level, software subsample 4.
func TestExecuteSubsampledStripedSource(t *testing.T) {
	f := &fakeReader{info: pyramid(8000, 1, 0)}
	list := mustList(t,
		ops.Scale{Kind: ops.ScalePercent, Percent: 0.25},
		ops.Encode{Format: domain.FormatPNG},
	)

	var out bytes.Buffer
	require.NoError(t, pipeline.Execute(context.Background(), f, f.info, list, nil, &out))

	assert.Equal(t, 0, f.gotLevel)
	assert.Equal(t, 4, f.gotSubsample)

	img, err := png.Decode(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2000, img.Bounds().Dx())
}

// percent=1.0 on a pyramid whose level 0 equals the full size must still
// select level 0.
func TestExecuteFullSizeForcesLevelZero(t *testing.T) {
	f := &fakeReader{info: pyramid(64, 3, 0)}
	list := mustList(t,
		ops.Scale{Kind: ops.ScalePercent, Percent: 1.0},
		ops.Encode{Format: domain.FormatPNG},
	)
	var out bytes.Buffer
	require.NoError(t, pipeline.Execute(context.Background(), f, f.info, list, nil, &out))
	assert.Equal(t, 0, f.gotLevel)
	assert.Equal(t, 1, f.gotSubsample)
}

// The region handed to the reader, scaled back up by 2^r, stays within the
// requested crop give or take one pixel.
func TestRegionContainment(t *testing.T) {
	f := &fakeReader{info: pyramid(4096, 4, 256)}
	for _, crop := range []ops.Crop{
		{Kind: ops.CropPixels, X: 100, Y: 200, W: 1000, H: 900},
		{Kind: ops.CropPixels, X: 0, Y: 0, W: 333, H: 333},
		{Kind: ops.CropPercent, X: 0.1, Y: 0.1, W: 0.5, H: 0.5},
	} {
		list := mustList(t, crop,
			ops.Scale{Kind: ops.ScalePercent, Percent: 0.25},
			ops.Encode{Format: domain.FormatPNG},
		)
		var out bytes.Buffer
		require.NoError(t, pipeline.Execute(context.Background(), f, f.info, list, nil, &out))

		rect := crop.Resolve(4096, 4096)
		scale := 1 << f.gotLevel
		back := image.Rect(
			f.gotRegion.Min.X*scale, f.gotRegion.Min.Y*scale,
			f.gotRegion.Max.X*scale, f.gotRegion.Max.Y*scale,
		)
		slack := rect.Inset(-scale)
		assert.True(t, back.In(slack), "region %v scaled back %v outside crop %v", f.gotRegion, back, rect)
	}
}

// End to end against a real striped TIFF: idempotence, bit-equal output
// for a lossless encoder.
func TestExecuteIdempotent(t *testing.T) {
	src := domain.NewMatrix(80, 80, 1, 8)
	for i := range src.Pix {
		src.Pix[i] = byte(i % 251)
	}
	var tiffBuf bytes.Buffer
	require.NoError(t, writer.Encode(&tiffBuf, src, writer.Options{Format: domain.FormatTIFF}))

	run := func() []byte {
		rdr, err := reader.New(domain.MediaTypeFor(domain.FormatTIFF), bytes.NewReader(tiffBuf.Bytes()), reader.Options{})
		require.NoError(t, err)
		info, err := rdr.Info()
		require.NoError(t, err)
		list := mustList(t,
			ops.Crop{Kind: ops.CropPixels, X: 8, Y: 8, W: 40, H: 40},
			ops.Scale{Kind: ops.ScalePercent, Percent: 0.5},
			ops.Rotate{Degrees: 90},
			ops.Encode{Format: domain.FormatPNG},
		)
		var out bytes.Buffer
		require.NoError(t, pipeline.Execute(context.Background(), rdr, info, list, nil, &out))
		return out.Bytes()
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)

	img, err := png.Decode(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 20, img.Bounds().Dy())
}

// Rotation by an arbitrary angle grows the canvas to the rotated bounding
// box and keeps the background transparent.
func TestExecuteRotateArbitrary(t *testing.T) {
	f := &fakeReader{info: pyramid(100, 1, 0)}
	list := mustList(t,
		ops.Rotate{Degrees: 45},
		ops.Encode{Format: domain.FormatPNG},
	)
	var out bytes.Buffer
	require.NoError(t, pipeline.Execute(context.Background(), f, f.info, list, nil, &out))

	img, err := png.Decode(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	// 100x100 at 45 degrees needs ceil(100*sqrt(2)) = 142.
	assert.InDelta(t, 142, img.Bounds().Dx(), 1)

	// A corner stays transparent.
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Zero(t, a)
}

func TestExecuteColorTransforms(t *testing.T) {
	f := &fakeReader{info: pyramid(10, 1, 0)}

	list := mustList(t,
		ops.ColorTransform{Mode: ops.ColorBitonal},
		ops.Encode{Format: domain.FormatPNG},
	)
	var out bytes.Buffer
	require.NoError(t, pipeline.Execute(context.Background(), f, f.info, list, nil, &out))

	img, err := png.Decode(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	// The fake reader's flat 128 gray is below the 50% linear-luminance
	// threshold (128/255 gamma-encoded is ~0.22 linear), so bitonal goes
	// black.
	r, _, _, _ := img.At(5, 5).RGBA()
	assert.Zero(t, r)
}
