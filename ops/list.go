package ops

import (
	"fmt"
	"strings"

	"github.com/greut/melon/domain"
)

// List is a normalized operation sequence: at most one Crop, at most one
// Scale, exactly one terminal Encode; Crop precedes Scale; Transpose and
// Rotate precede ColorTransform.
type List struct {
	ops []Operation
}

// rank fixes the normalized ordering.
func rank(op Operation) int {
	switch op.(type) {
	case Crop:
		return 0
	case Scale:
		return 1
	case Transpose:
		return 2
	case Rotate:
		return 3
	case ColorTransform:
		return 4
	case Sharpen:
		return 5
	case Overlay:
		return 6
	case Encode:
		return 7
	}
	return 8
}

// NewList validates and normalizes the given operations.
func NewList(operations ...Operation) (List, error) {
	var counts [8]int
	for _, op := range operations {
		r := rank(op)
		if r == 8 {
			return List{}, fmt.Errorf("unknown operation %T: %w", op, domain.ErrInvalidRequest)
		}
		counts[r]++
		if err := validate(op); err != nil {
			return List{}, err
		}
	}
	if counts[0] > 1 || counts[1] > 1 {
		return List{}, fmt.Errorf("duplicate crop or scale: %w", domain.ErrInvalidRequest)
	}
	if counts[7] != 1 {
		return List{}, fmt.Errorf("exactly one encode required: %w", domain.ErrInvalidRequest)
	}

	// Stable bucket sort into the canonical order.
	sorted := make([]Operation, 0, len(operations))
	for r := 0; r < 8; r++ {
		for _, op := range operations {
			if rank(op) == r {
				sorted = append(sorted, op)
			}
		}
	}
	return List{ops: sorted}, nil
}

func validate(op Operation) error {
	switch v := op.(type) {
	case Crop:
		if v.W < 0 || v.H < 0 || v.X < 0 || v.Y < 0 {
			return fmt.Errorf("negative crop: %w", domain.ErrInvalidRequest)
		}
		if v.Kind == CropPixels && (v.W == 0 || v.H == 0) {
			return fmt.Errorf("empty crop: %w", domain.ErrInvalidRequest)
		}
	case Scale:
		if v.Kind == ScalePercent && v.Percent <= 0 {
			return fmt.Errorf("non-positive scale: %w", domain.ErrInvalidRequest)
		}
		if v.Kind != ScalePercent && v.Kind != ScaleFull && v.W <= 0 && v.H <= 0 {
			return fmt.Errorf("empty scale target: %w", domain.ErrInvalidRequest)
		}
	case Rotate:
		if v.Degrees < 0 || v.Degrees >= 360 {
			return fmt.Errorf("rotation %g out of [0,360): %w", v.Degrees, domain.ErrInvalidRequest)
		}
	case Encode:
		if !v.Format.Writable() {
			return fmt.Errorf("format %s: %w", v.Format, domain.ErrUnsupportedOutputFormat)
		}
		if v.Quality < 0 || v.Quality > 100 {
			return fmt.Errorf("quality %d out of [0,100]: %w", v.Quality, domain.ErrInvalidRequest)
		}
	}
	return nil
}

// Operations returns the normalized sequence.
func (l List) Operations() []Operation { return l.ops }

// Crop returns the crop operation, or a full crop.
func (l List) Crop() Crop {
	for _, op := range l.ops {
		if c, ok := op.(Crop); ok {
			return c
		}
	}
	return Crop{Kind: CropFull}
}

// Scale returns the scale operation, or the identity scale.
func (l List) Scale() Scale {
	for _, op := range l.ops {
		if s, ok := op.(Scale); ok {
			return s
		}
	}
	return Scale{Kind: ScaleFull}
}

// Encode returns the terminal encode.
func (l List) Encode() Encode {
	return l.ops[len(l.ops)-1].(Encode)
}

// String is the canonical encoding, also used for fingerprinting.
func (l List) String() string {
	keys := make([]string, len(l.ops))
	for i, op := range l.ops {
		keys[i] = op.key()
	}
	return strings.Join(keys, "/")
}
