package baseline

import (
	"testing"

	"QuantServe/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBand_MethodsProduceOrderedBands(t *testing.T) {
	series := []float64{0.40, 0.42, 0.41, 0.45, 0.47, 0.44, 0.46, 0.48, 0.50, 0.49}
	f := New()
	for _, method := range []string{MethodEWMA, MethodRollingQuantile, MethodKalman, ""} {
		for _, logit := range []bool{false, true} {
			b, err := f.Band(series, 6, 300, method, logit, 1e-6)
			require.NoError(t, err, method)
			require.NotNil(t, b.Q50)
			assert.LessOrEqual(t, b.Q10, *b.Q50, method)
			assert.LessOrEqual(t, *b.Q50, b.Q90, method)
			assert.GreaterOrEqual(t, b.Q10, 0.0, method)
			assert.LessOrEqual(t, b.Q90, 1.0, method)
		}
	}
}

func TestBand_Deterministic(t *testing.T) {
	series := []float64{0.2, 0.25, 0.22, 0.3}
	f := New()
	a, err := f.Band(series, 3, 60, MethodKalman, false, 0)
	require.NoError(t, err)
	b, err := f.Band(series, 3, 60, MethodKalman, false, 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBand_WidensWithHorizon(t *testing.T) {
	series := []float64{0.40, 0.45, 0.41, 0.47, 0.43, 0.46}
	f := New()
	short, err := f.Band(series, 1, 300, MethodEWMA, false, 0)
	require.NoError(t, err)
	long, err := f.Band(series, 16, 300, MethodEWMA, false, 0)
	require.NoError(t, err)
	assert.Greater(t, long.Width(), short.Width())
}

func TestBand_SinglePointIsDegenerate(t *testing.T) {
	b, err := New().Band([]float64{0.3}, 5, 60, MethodEWMA, false, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, b.Q10, 1e-12)
	assert.InDelta(t, 0.3, b.Q90, 1e-12)
}

func TestBand_Errors(t *testing.T) {
	f := New()
	_, err := f.Band(nil, 1, 60, MethodEWMA, false, 0)
	assert.ErrorIs(t, err, ErrEmptySeries)

	_, err = f.Band([]float64{0.1}, 1, 60, "arima", false, 0)
	assert.Error(t, err)
}

func TestReplicate(t *testing.T) {
	b := models.NewBand(0.1, 0.4, 0.7)
	paths := Replicate(b, 3)
	assert.Equal(t, []float64{0.1, 0.1, 0.1}, paths[0.1])
	assert.Equal(t, []float64{0.4, 0.4, 0.4}, paths[0.5])
	assert.Equal(t, []float64{0.7, 0.7, 0.7}, paths[0.9])
}
