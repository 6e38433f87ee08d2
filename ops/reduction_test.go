package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReductionFor(t *testing.T) {
	var tests = []struct {
		name      string
		t         float64
		levels    int
		level     int
		subsample int
	}{
		{"full size forces level 0", 1.0, 4, 0, 0},
		{"above full", 2.0, 4, 0, 0},
		{"half", 0.5, 4, 1, 0},
		{"between levels", 0.3, 4, 1, 0},
		{"quarter", 0.25, 4, 2, 0},
		{"eighth", 0.125, 4, 3, 0},
		{"beyond pyramid", 0.0625, 4, 3, 1},
		{"non-pyramidal quarter", 0.25, 1, 0, 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rf := ReductionFor(test.t, test.levels)
			assert.Equal(t, test.level, rf.Level)
			assert.Equal(t, test.subsample, rf.SubsampleLog2)
		})
	}
}

// The chosen level's scale must cover the request: residual work is always
// a downscale, and the level is never smaller than half the target.
func TestReductionSoundness(t *testing.T) {
	for _, target := range []float64{1, 0.9, 0.75, 0.5, 0.49, 0.3, 0.25, 0.1, 0.01} {
		rf := ReductionFor(target, 12)
		residual := Residual(target, rf)
		assert.LessOrEqual(t, residual, 1.0, "target %g", target)
		assert.Greater(t, residual, 0.49, "target %g", target)
	}
}

func TestResidual(t *testing.T) {
	rf := ReductionFor(0.5, 4)
	assert.Equal(t, 1.0, Residual(0.5, rf))

	rf = ReductionFor(0.25, 1)
	assert.Equal(t, 2, rf.Factor())
	assert.Equal(t, 1.0, Residual(0.25, rf))
}
