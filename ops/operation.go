// Package ops models the normalized operation list applied to a source
// image: crop, scale, rotate, transpose, color transform, sharpen, overlay
// and the terminal encode.
package ops

import (
	"fmt"
	"image"
	"math"

	"github.com/greut/melon/domain"
)

// Operation is one step of an operation list.
type Operation interface {
	// key is the canonical fingerprint encoding of the operation.
	key() string
}

// CropKind discriminates the crop variants.
type CropKind int

const (
	CropFull CropKind = iota
	CropPixels
	CropPercent
	CropSquare
)

// Crop selects a region of the full image.
type Crop struct {
	Kind CropKind

	// X, Y, W, H are pixels for CropPixels and fractions of the full
	// extent in [0,1] for CropPercent.
	X, Y, W, H float64
}

// Resolve maps the crop onto a concrete pixel rectangle, clipped to the full
// image extent.
func (c Crop) Resolve(width, height int) image.Rectangle {
	var r image.Rectangle
	switch c.Kind {
	case CropFull:
		r = image.Rect(0, 0, width, height)
	case CropSquare:
		side := width
		if height < side {
			side = height
		}
		x := (width - side) / 2
		y := (height - side) / 2
		r = image.Rect(x, y, x+side, y+side)
	case CropPercent:
		r = image.Rect(
			int(math.Round(c.X*float64(width))),
			int(math.Round(c.Y*float64(height))),
			int(math.Round((c.X+c.W)*float64(width))),
			int(math.Round((c.Y+c.H)*float64(height))),
		)
	default:
		r = image.Rect(int(c.X), int(c.Y), int(c.X+c.W), int(c.Y+c.H))
	}
	return r.Intersect(image.Rect(0, 0, width, height))
}

// IsFull reports whether the crop keeps the whole image.
func (c Crop) IsFull(width, height int) bool {
	return c.Resolve(width, height) == image.Rect(0, 0, width, height)
}

func (c Crop) key() string {
	return fmt.Sprintf("crop:%d:%g,%g,%g,%g", c.Kind, c.X, c.Y, c.W, c.H)
}

// ScaleKind discriminates the scale variants.
type ScaleKind int

const (
	ScaleFull ScaleKind = iota
	ScalePercent
	ScaleFitWidth
	ScaleFitHeight
	ScaleFitInside
	ScaleFill
)

// Scale resizes the cropped region.
type Scale struct {
	Kind    ScaleKind
	Percent float64 // ScalePercent; 1.0 is full size
	W, H    int     // fit/fill targets
}

// Target computes the output dimensions for a region of the given size.
func (s Scale) Target(w, h int) (int, int) {
	switch s.Kind {
	case ScalePercent:
		return scaleRound(w, s.Percent), scaleRound(h, s.Percent)
	case ScaleFitWidth:
		return s.W, scaleRound(h, float64(s.W)/float64(w))
	case ScaleFitHeight:
		return scaleRound(w, float64(s.H)/float64(h)), s.H
	case ScaleFitInside:
		f := math.Min(float64(s.W)/float64(w), float64(s.H)/float64(h))
		return scaleRound(w, f), scaleRound(h, f)
	case ScaleFill:
		return s.W, s.H
	}
	return w, h
}

// Factor is the requested linear scale t for a region of the given size,
// used for resolution level selection. For non-aspect fills the larger axis
// wins so quality never drops below the request.
func (s Scale) Factor(w, h int) float64 {
	switch s.Kind {
	case ScalePercent:
		return s.Percent
	case ScaleFitWidth:
		return float64(s.W) / float64(w)
	case ScaleFitHeight:
		return float64(s.H) / float64(h)
	case ScaleFitInside:
		return math.Min(float64(s.W)/float64(w), float64(s.H)/float64(h))
	case ScaleFill:
		return math.Max(float64(s.W)/float64(w), float64(s.H)/float64(h))
	}
	return 1
}

// IsIdentity reports whether the scale keeps the region size.
func (s Scale) IsIdentity() bool {
	return s.Kind == ScaleFull || (s.Kind == ScalePercent && s.Percent == 1)
}

func (s Scale) key() string {
	return fmt.Sprintf("scale:%d:%g:%dx%d", s.Kind, s.Percent, s.W, s.H)
}

func scaleRound(v int, f float64) int {
	r := int(math.Round(float64(v) * f))
	if r < 1 {
		r = 1
	}
	return r
}

// Rotate turns the image clockwise by Degrees in [0, 360).
type Rotate struct {
	Degrees float64
}

// IsIdentity reports a zero rotation.
func (r Rotate) IsIdentity() bool { return math.Mod(r.Degrees, 360) == 0 }

func (r Rotate) key() string { return fmt.Sprintf("rotate:%g", r.Degrees) }

// TransposeAxis selects the mirroring axis.
type TransposeAxis int

const (
	FlipHorizontal TransposeAxis = iota
	FlipVertical
)

// Transpose mirrors the image about an axis.
type Transpose struct {
	Axis TransposeAxis
}

func (t Transpose) key() string { return fmt.Sprintf("transpose:%d", t.Axis) }

// ColorMode selects the color transform.
type ColorMode int

const (
	ColorIdentity ColorMode = iota
	ColorGray
	ColorBitonal
)

// ColorTransform converts the image's color space.
type ColorTransform struct {
	Mode ColorMode
}

func (c ColorTransform) key() string { return fmt.Sprintf("color:%d", c.Mode) }

// Sharpen applies an unsharp mask with the given amount in [0, 1].
type Sharpen struct {
	Amount float64
}

func (s Sharpen) key() string { return fmt.Sprintf("sharpen:%g", s.Amount) }

// OverlayPosition anchors an overlay on the output canvas.
type OverlayPosition int

const (
	OverlayTopLeft OverlayPosition = iota
	OverlayTopRight
	OverlayBottomLeft
	OverlayBottomRight
	OverlayCenter
)

// Overlay blends a watermark image onto the output. Name identifies the
// overlay for fingerprinting; the image itself is resolved by the caller.
type Overlay struct {
	Name     string
	Image    image.Image
	Position OverlayPosition
	Inset    int
}

func (o Overlay) key() string {
	return fmt.Sprintf("overlay:%s:%d:%d", o.Name, o.Position, o.Inset)
}

// Encode is the terminal operation selecting the output format.
type Encode struct {
	Format domain.Format

	// Quality applies to JPEG only, 0-100; 0 selects the default of 80.
	Quality int

	// Compression applies to TIFF only: none, lzw, deflate or jpeg.
	Compression string
}

func (e Encode) key() string {
	return fmt.Sprintf("encode:%s:%d:%s", e.Format, e.Quality, e.Compression)
}
