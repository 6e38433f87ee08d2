package ops

// ReductionFactor selects a power-of-two resolution level. The logical scale
// of factor r is 2^-r.
type ReductionFactor struct {
	// Level is the pyramid level to decode (0 is full resolution).
	Level int

	// SubsampleLog2 is the extra software subsampling the reader applies
	// when the pyramid has no level small enough.
	SubsampleLog2 int
}

// Factor is the accumulated reduction, level plus subsampling.
func (r ReductionFactor) Factor() int { return r.Level + r.SubsampleLog2 }

// Scale is the logical scale 2^-r.
func (r ReductionFactor) Scale() float64 {
	return 1 / float64(int(1)<<r.Factor())
}

// ReductionFor picks the largest reduction whose scale still covers the
// requested scale t, so residual work is always a downscale. A full-size
// request always selects level 0, even when a pyramid's level 0 width equals
// the full width exactly. Levels beyond the pyramid depth are made up with
// software subsampling.
func ReductionFor(t float64, numResolutions int) ReductionFactor {
	if numResolutions < 1 {
		numResolutions = 1
	}
	if t >= 1 {
		return ReductionFactor{}
	}
	r := 0
	for scale := 0.5; scale >= t; scale /= 2 {
		r++
	}
	rf := ReductionFactor{Level: r}
	if rf.Level > numResolutions-1 {
		rf.SubsampleLog2 = rf.Level - (numResolutions - 1)
		rf.Level = numResolutions - 1
	}
	return rf
}

// Residual is the scale left to apply after decoding at reduction r.
func Residual(t float64, r ReductionFactor) float64 {
	return t * float64(int(1)<<r.Factor())
}
