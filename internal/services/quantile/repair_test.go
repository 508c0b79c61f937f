package quantile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepair_FixesCrossingAndClamps(t *testing.T) {
	in := map[float64][]float64{
		0.1: {0.7, 0.2, -0.3},
		0.5: {0.5, 0.4, 0.5},
		0.9: {0.3, 0.6, 1.4},
	}
	res := Repair(in, Config{})

	assert.Equal(t, []float64{0.3, 0.2, 0}, res.Paths[0.1])
	assert.Equal(t, []float64{0.5, 0.4, 0.5}, res.Paths[0.5])
	assert.Equal(t, []float64{0.7, 0.6, 1}, res.Paths[0.9])
	assert.Equal(t, 1, res.CrossingSteps)
	assert.Contains(t, res.Warnings, WarnCrossingFixed)
	assert.True(t, IsMonotone(res.Paths))

	// input untouched
	assert.Equal(t, 0.7, in[0.1][0])
}

func TestRepair_NoWarningsForCleanInput(t *testing.T) {
	in := map[float64][]float64{
		0.1: {0.2, 0.25},
		0.5: {0.4, 0.45},
		0.9: {0.6, 0.65},
	}
	res := Repair(in, Config{MinIntervalWidth: 0.1, MaxIntervalWidth: 0.9})
	assert.Empty(t, res.Warnings)
	assert.Equal(t, in[0.1], res.Paths[0.1])
	assert.Equal(t, in[0.9], res.Paths[0.9])
}

func TestRepair_WidthBounds(t *testing.T) {
	tests := []struct {
		name    string
		in      map[float64][]float64
		cfg     Config
		wantLo  float64
		wantHi  float64
		warning string
	}{
		{
			name:    "widen around median",
			in:      map[float64][]float64{0.1: {0.49}, 0.5: {0.5}, 0.9: {0.51}},
			cfg:     Config{MinIntervalWidth: 0.2},
			wantLo:  0.4,
			wantHi:  0.6,
			warning: WarnMinWidth,
		},
		{
			name:    "widen clamps at zero",
			in:      map[float64][]float64{0.1: {0.01}, 0.5: {0.02}, 0.9: {0.03}},
			cfg:     Config{MinIntervalWidth: 0.2},
			wantLo:  0,
			wantHi:  0.12,
			warning: WarnMinWidth,
		},
		{
			name:    "narrow around median",
			in:      map[float64][]float64{0.1: {0.1}, 0.5: {0.5}, 0.9: {0.9}},
			cfg:     Config{MaxIntervalWidth: 0.4},
			wantLo:  0.3,
			wantHi:  0.7,
			warning: WarnMaxWidthClamped,
		},
		{
			name:    "midpoint used without median level",
			in:      map[float64][]float64{0.1: {0.3}, 0.9: {0.3}},
			cfg:     Config{MinIntervalWidth: 0.1},
			wantLo:  0.25,
			wantHi:  0.35,
			warning: WarnMinWidth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Repair(tt.in, tt.cfg)
			assert.InDelta(t, tt.wantLo, res.Paths[0.1][0], 1e-9)
			assert.InDelta(t, tt.wantHi, res.Paths[0.9][0], 1e-9)
			assert.Contains(t, res.Warnings, tt.warning)
			assert.True(t, IsMonotone(res.Paths))
		})
	}
}

func TestRepair_ReplacesNonFinite(t *testing.T) {
	in := map[float64][]float64{
		0.1: {math.NaN()},
		0.5: {0.4},
		0.9: {math.Inf(1)},
	}
	res := Repair(in, Config{})
	require.Equal(t, 2, res.InvalidValues)
	assert.Contains(t, res.Warnings, WarnInvalidReplaced)
	assert.True(t, IsMonotone(res.Paths))
	assert.Equal(t, 0.4, res.Paths[0.5][0])
}

func TestRepair_TruncatesToShortestPath(t *testing.T) {
	in := map[float64][]float64{
		0.1: {0.1, 0.1, 0.1},
		0.5: {0.5, 0.5},
		0.9: {0.9, 0.9, 0.9},
	}
	res := Repair(in, Config{})
	assert.Len(t, res.Paths[0.1], 2)
	assert.Len(t, res.Paths[0.9], 2)
}

func TestIsMonotone(t *testing.T) {
	assert.True(t, IsMonotone(nil))
	assert.False(t, IsMonotone(map[float64][]float64{0.1: {0.6}, 0.9: {0.5}}))
	assert.False(t, IsMonotone(map[float64][]float64{0.1: {0.2}, 0.9: {1.5}}))
	assert.False(t, IsMonotone(map[float64][]float64{0.1: {-0.1}, 0.9: {0.5}}))
}
