// Package pipeline applies a normalized operation list to a source image:
// level selection, minimal region decode, residual scale, rotation, color
// transform and the terminal encode. All work happens on a single in-memory
// matrix; the full source is never materialized.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
	"github.com/greut/melon/reader"
	"github.com/greut/melon/writer"
)

// Execute runs the operation list against the reader and streams the
// encoded derivative to out. metadata is the opaque source blob to preserve
// (nil to drop).
func Execute(ctx context.Context, rdr reader.Reader, info domain.ImageInfo, list ops.List, metadata []byte, out io.Writer) error {
	crop := list.Crop()
	scale := list.Scale()

	rect := crop.Resolve(info.Width, info.Height)
	if rect.Empty() {
		return fmt.Errorf("crop outside image: %w", domain.ErrInvalidRequest)
	}

	t := scale.Factor(rect.Dx(), rect.Dy())
	levelT := math.Min(t, 1)
	rf := ops.ReductionFor(levelT, info.NumResolutions())

	// Translate the crop into level coordinates, rounding half away from
	// zero.
	levelRegion := image.Rect(
		roundHalfAway(float64(rect.Min.X)/float64(int(1)<<rf.Level)),
		roundHalfAway(float64(rect.Min.Y)/float64(int(1)<<rf.Level)),
		roundHalfAway(float64(rect.Max.X)/float64(int(1)<<rf.Level)),
		roundHalfAway(float64(rect.Max.Y)/float64(int(1)<<rf.Level)),
	)

	subsample := 1 << rf.SubsampleLog2
	m, hints, err := rdr.Read(ctx, rf.Level, &levelRegion, subsample)
	if err != nil {
		return err
	}

	if !hints.AlreadyCropped {
		sub := 1 << hints.SubsampleLog2
		m = crops(m, image.Rect(
			levelRegion.Min.X/sub, levelRegion.Min.Y/sub,
			ceilDiv(levelRegion.Max.X, sub), ceilDiv(levelRegion.Max.Y, sub),
		))
	}

	// Residual scale: requested over what the reader already delivered.
	if !scale.IsIdentity() || m.Width != rect.Dx() || m.Height != rect.Dy() {
		tw, th := scale.Target(rect.Dx(), rect.Dy())
		if tw != m.Width || th != m.Height {
			m = resize(m, tw, th)
		}
	}

	for _, op := range list.Operations() {
		switch v := op.(type) {
		case ops.Transpose:
			m = transpose(m, v.Axis)
		case ops.Rotate:
			if !v.IsIdentity() {
				m = rotate(m, v.Degrees)
			}
		case ops.ColorTransform:
			m = colorTransform(m, v.Mode)
		case ops.Sharpen:
			if v.Amount > 0 {
				m = sharpen(m, v.Amount)
			}
		case ops.Overlay:
			if v.Image != nil {
				m = overlay(m, v)
			}
		}
	}

	enc := list.Encode()
	return writer.Encode(out, m, writer.Options{
		Format:      enc.Format,
		Quality:     enc.Quality,
		Compression: enc.Compression,
		Metadata:    metadata,
	})
}

func roundHalfAway(v float64) int {
	if v < 0 {
		return -int(math.Floor(-v + 0.5))
	}
	return int(math.Floor(v + 0.5))
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
