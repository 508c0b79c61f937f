package baseline

import (
	"errors"
	"fmt"
	"math"

	"QuantServe/internal/domain/models"
	domsvc "QuantServe/internal/domain/service"
	"QuantServe/pkg/util"
)

// Methods understood by Forecaster.Band.
const (
	MethodEWMA            = "ewma"
	MethodRollingQuantile = "rolling_quantile"
	MethodKalman          = "kalman"
)

// z-score of the 90th percentile of a standard normal.
const z90 = 1.2815515655446004

// ErrEmptySeries is returned when there is no history to work with.
var ErrEmptySeries = errors.New("baseline: empty series")

// Forecaster computes statistical bands without any I/O. The zero value is
// usable; RollingWindow defaults to 50 points.
type Forecaster struct {
	RollingWindow int
}

func New() *Forecaster { return &Forecaster{RollingWindow: 50} }

// Band returns a q10/q50/q90 band for the end of the horizon.
func (f *Forecaster) Band(series []float64, horizonSteps int, stepSeconds int64, method string, useLogit bool, eps float64) (models.Band, error) {
	if len(series) == 0 {
		return models.Band{}, ErrEmptySeries
	}
	if !util.AllFinite(series) {
		return models.Band{}, fmt.Errorf("baseline: non-finite value in series")
	}
	if horizonSteps < 1 {
		horizonSteps = 1
	}
	if eps <= 0 {
		eps = 1e-6
	}

	xs := series
	if useLogit {
		xs = make([]float64, len(series))
		for i, v := range series {
			xs[i] = util.Logit(v, eps)
		}
	}

	var lo, mid, hi float64
	switch method {
	case MethodRollingQuantile:
		lo, mid, hi = f.rollingQuantile(xs)
	case MethodKalman:
		lo, mid, hi = kalman(xs, horizonSteps)
	case MethodEWMA, "":
		lo, mid, hi = ewma(xs, horizonSteps, stepSeconds)
	default:
		return models.Band{}, fmt.Errorf("baseline: unknown method %q", method)
	}

	if useLogit {
		lo, mid, hi = util.Sigmoid(lo), util.Sigmoid(mid), util.Sigmoid(hi)
	}
	lo, mid, hi = util.Clip(lo, 0, 1), util.Clip(mid, 0, 1), util.Clip(hi, 0, 1)
	return models.NewBand(lo, mid, hi), nil
}

// Replicate copies one band across every step of the horizon.
func Replicate(b models.Band, horizonSteps int) map[float64][]float64 {
	paths := map[float64][]float64{
		models.Q10: make([]float64, horizonSteps),
		models.Q50: make([]float64, horizonSteps),
		models.Q90: make([]float64, horizonSteps),
	}
	med := b.Median()
	for t := 0; t < horizonSteps; t++ {
		paths[models.Q10][t] = b.Q10
		paths[models.Q50][t] = med
		paths[models.Q90][t] = b.Q90
	}
	return paths
}

// ewma tracks an exponentially weighted level and mean absolute deviation.
// The half-life is one hour of samples, bounded to [2, 50] steps.
func ewma(xs []float64, horizon int, stepSeconds int64) (float64, float64, float64) {
	halfLife := 12.0
	if stepSeconds > 0 {
		halfLife = util.Clip(3600/float64(stepSeconds), 2, 50)
	}
	alpha := 1 - math.Pow(0.5, 1/halfLife)

	level := xs[0]
	mad := 0.0
	for _, x := range xs[1:] {
		mad = alpha*math.Abs(x-level) + (1-alpha)*mad
		level = alpha*x + (1-alpha)*level
	}
	// mean absolute deviation -> standard deviation under normality
	sigma := mad * math.Sqrt(math.Pi/2)
	half := z90 * sigma * math.Sqrt(float64(horizon))
	return level - half, level, level + half
}

func (f *Forecaster) rollingQuantile(xs []float64) (float64, float64, float64) {
	w := f.RollingWindow
	if w <= 0 {
		w = 50
	}
	if len(xs) > w {
		xs = xs[len(xs)-w:]
	}
	return util.Quantile(xs, 0.1), util.Quantile(xs, 0.5), util.Quantile(xs, 0.9)
}

// kalman runs a local-level model. Process and observation variances are
// split evenly from the variance of first differences.
func kalman(xs []float64, horizon int) (float64, float64, float64) {
	diffs := make([]float64, 0, len(xs))
	for i := 1; i < len(xs); i++ {
		diffs = append(diffs, xs[i]-xs[i-1])
	}
	v := util.Variance(diffs)
	q, r := v/2, v/2

	level, p := xs[0], r
	for _, x := range xs[1:] {
		p += q
		denom := p + r
		if denom > 0 {
			k := p / denom
			level += k * (x - level)
			p *= 1 - k
		} else {
			level = x
		}
	}
	half := z90 * math.Sqrt(p+float64(horizon)*q+r)
	return level - half, level, level + half
}

var _ domsvc.BaselineForecaster = (*Forecaster)(nil)
