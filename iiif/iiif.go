// Package iiif parses IIIF 2.1 Image API parameters into operation lists
// and renders info.json documents.
package iiif

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
)

// error messages
var (
	regionError   = "IIIF 2.1 `region` argument is not recognized: %#v"
	sizeError     = "IIIF 2.1 `size` argument is not recognized: %#v"
	rotationError = "IIIF 2.1 `rotation` argument is not recognized: %#v"
	qualityError  = "IIIF 2.1 `quality` argument is not recognized: %#v"
	formatError   = "IIIF 2.1 `format` argument is not recognized: %#v"
)

// ParseRequest maps the five URL segments onto a normalized operation
// list.
func ParseRequest(region, size, rotation, quality, format string) (ops.List, error) {
	var operations []ops.Operation

	crop, err := parseRegion(region)
	if err != nil {
		return ops.List{}, err
	}
	if crop != nil {
		operations = append(operations, *crop)
	}

	scale, err := parseSize(size)
	if err != nil {
		return ops.List{}, err
	}
	if scale != nil {
		operations = append(operations, *scale)
	}

	flip, angle, err := parseRotation(rotation)
	if err != nil {
		return ops.List{}, err
	}
	if flip {
		operations = append(operations, ops.Transpose{Axis: ops.FlipHorizontal})
	}
	if angle != 0 {
		operations = append(operations, ops.Rotate{Degrees: angle})
	}

	color, err := parseQuality(quality)
	if err != nil {
		return ops.List{}, err
	}
	if color != nil {
		operations = append(operations, *color)
	}

	encode, err := parseFormat(format)
	if err != nil {
		return ops.List{}, err
	}
	operations = append(operations, encode)

	return ops.NewList(operations...)
}

// full
// square
// x,y,w,h (in pixels)
// pct:x,y,w,h (in percents)
func parseRegion(region string) (*ops.Crop, error) {
	switch region {
	case "full":
		return nil, nil
	case "square":
		return &ops.Crop{Kind: ops.CropSquare}, nil
	}
	arr := strings.Split(region, ":")
	switch {
	case len(arr) == 1:
		vals, err := splitFloats(arr[0], 4)
		if err != nil {
			return nil, invalid(regionError, region)
		}
		return &ops.Crop{Kind: ops.CropPixels, X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
	case arr[0] == "pct":
		vals, err := splitFloats(arr[1], 4)
		if err != nil {
			return nil, invalid(regionError, region)
		}
		return &ops.Crop{
			Kind: ops.CropPercent,
			X:    vals[0] / 100, Y: vals[1] / 100,
			W: vals[2] / 100, H: vals[3] / 100,
		}, nil
	}
	return nil, invalid(regionError, region)
}

// max, full
// w,h (deform)
// !w,h (best fit within size)
// w, (force width)
// ,h (force height)
// pct:n (resize)
func parseSize(size string) (*ops.Scale, error) {
	if size == "max" || size == "full" {
		return nil, nil
	}
	arr := strings.Split(size, ":")
	if len(arr) == 2 && arr[0] == "pct" {
		pct, err := strconv.ParseFloat(arr[1], 64)
		if err != nil || pct <= 0 {
			return nil, invalid(sizeError, size)
		}
		return &ops.Scale{Kind: ops.ScalePercent, Percent: pct / 100}, nil
	}
	if len(arr) != 1 {
		return nil, invalid(sizeError, size)
	}

	best := strings.HasPrefix(size, "!")
	parts := strings.Split(strings.TrimPrefix(size, "!"), ",")
	if len(parts) != 2 {
		return nil, invalid(sizeError, size)
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	switch {
	case errW != nil && errH != nil:
		return nil, invalid(sizeError, size)
	case errW == nil && errH == nil:
		if best {
			return &ops.Scale{Kind: ops.ScaleFitInside, W: w, H: h}, nil
		}
		return &ops.Scale{Kind: ops.ScaleFill, W: w, H: h}, nil
	case errH != nil:
		return &ops.Scale{Kind: ops.ScaleFitWidth, W: w}, nil
	default:
		return &ops.Scale{Kind: ops.ScaleFitHeight, H: h}, nil
	}
}

// n angle clockwise in degrees
// !n angle clockwise in degrees with a flip (beforehand)
func parseRotation(rotation string) (bool, float64, error) {
	flip := strings.HasPrefix(rotation, "!")
	angle, err := strconv.ParseFloat(strings.TrimPrefix(rotation, "!"), 64)
	if err != nil || angle < 0 {
		return false, 0, invalid(rotationError, rotation)
	}
	return flip, math.Mod(angle, 360), nil
}

// color
// gray
// bitonal
// default
func parseQuality(quality string) (*ops.ColorTransform, error) {
	switch quality {
	case "color", "default", "native":
		return nil, nil
	case "gray", "grey":
		return &ops.ColorTransform{Mode: ops.ColorGray}, nil
	case "bitonal":
		return &ops.ColorTransform{Mode: ops.ColorBitonal}, nil
	}
	return nil, invalid(qualityError, quality)
}

func parseFormat(f string) (ops.Encode, error) {
	switch f {
	case "jpg", "jpeg":
		return ops.Encode{Format: domain.FormatJPEG}, nil
	case "png":
		return ops.Encode{Format: domain.FormatPNG}, nil
	case "tif", "tiff":
		return ops.Encode{Format: domain.FormatTIFF}, nil
	case "gif":
		return ops.Encode{Format: domain.FormatGIF}, nil
	}
	return ops.Encode{}, fmt.Errorf(formatError+": %w", f, domain.ErrUnsupportedOutputFormat)
}

func splitFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d values", n)
	}
	vals := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("bad value %q", p)
		}
		vals[i] = v
	}
	return vals, nil
}

func invalid(msg, arg string) error {
	return fmt.Errorf(msg+": %w", arg, domain.ErrInvalidRequest)
}
