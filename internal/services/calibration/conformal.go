// Package calibration fits and applies split-conformal width adjustments to
// q10..q90 bands.
//
// The quantile level is min(1, ceil((n+1)c)/n) for n scores and target
// coverage c. On very small samples the level saturates at 1 quickly: three
// scores give level 2/3 at c=0.5 but level 1 at c=0.8, where the width scale
// becomes the largest score.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"QuantServe/internal/domain/models"
	"QuantServe/pkg/util"
)

// ErrInvalidInput is wrapped by every validation failure in this package.
var ErrInvalidInput = errors.New("calibration: invalid input")

const defaultMinHalfWidth = 1e-6

// Options tune Fit. Zero values fall back to defaults.
type Options struct {
	MinHalfWidth float64
	Bucket       string
	Now          func() time.Time
}

// EmpiricalQuantile is the type-7 sample quantile (linear interpolation
// between order statistics at rank (n-1)q).
func EmpiricalQuantile(xs []float64, q float64) (float64, error) {
	if len(xs) == 0 {
		return 0, fmt.Errorf("%w: empty sample", ErrInvalidInput)
	}
	if math.IsNaN(q) || q < 0 || q > 1 {
		return 0, fmt.Errorf("%w: quantile level %v outside [0,1]", ErrInvalidInput, q)
	}
	return util.Quantile(xs, q), nil
}

// Fit computes a split-conformal adjustment from historical bands and the
// outcomes that were realized for them.
func Fit(bands []models.Band, actuals []float64, targetCoverage float64, opts Options) (models.ConformalAdjustment, error) {
	if len(bands) == 0 {
		return models.ConformalAdjustment{}, fmt.Errorf("%w: no samples", ErrInvalidInput)
	}
	if len(bands) != len(actuals) {
		return models.ConformalAdjustment{}, fmt.Errorf("%w: %d bands but %d actuals", ErrInvalidInput, len(bands), len(actuals))
	}
	if !(targetCoverage > 0 && targetCoverage < 1) {
		return models.ConformalAdjustment{}, fmt.Errorf("%w: target coverage %v outside (0,1)", ErrInvalidInput, targetCoverage)
	}
	if !util.AllFinite(actuals) {
		return models.ConformalAdjustment{}, fmt.Errorf("%w: non-finite actual", ErrInvalidInput)
	}
	floor := opts.MinHalfWidth
	if floor <= 0 {
		floor = defaultMinHalfWidth
	}

	n := len(bands)
	centers := make([]float64, n)
	halfWidths := make([]float64, n)
	residuals := make([]float64, n)
	for i, b := range bands {
		centers[i] = b.Median()
		halfWidths[i] = math.Max((b.Q90-b.Q10)/2, floor)
		residuals[i] = actuals[i] - centers[i]
	}
	shift, err := EmpiricalQuantile(residuals, 0.5)
	if err != nil {
		return models.ConformalAdjustment{}, err
	}

	scores := make([]float64, n)
	for i := range bands {
		scores[i] = math.Abs(actuals[i]-(centers[i]+shift)) / halfWidths[i]
	}
	level := math.Min(1, math.Ceil(float64(n+1)*targetCoverage)/float64(n))
	scale, err := EmpiricalQuantile(scores, level)
	if err != nil {
		return models.ConformalAdjustment{}, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	return models.ConformalAdjustment{
		TargetCoverage: targetCoverage,
		QuantileLevel:  level,
		CenterShift:    shift,
		WidthScale:     scale,
		SampleSize:     n,
		FittedAt:       now().UTC(),
		Bucket:         opts.Bucket,
	}, nil
}

// Apply shifts and rescales one band, clips it to [lo, hi] and stamps the
// adjustment provenance on the result.
func Apply(b models.Band, adj models.ConformalAdjustment, lo, hi float64) models.Band {
	center := b.Median() + adj.CenterShift
	half := (b.Q90 - b.Q10) / 2 * adj.WidthScale

	out := models.NewBand(
		util.Clip(center-half, lo, hi),
		util.Clip(center, lo, hi),
		util.Clip(center+half, lo, hi),
	)
	tc, ql, cs, ws := adj.TargetCoverage, adj.QuantileLevel, adj.CenterShift, adj.WidthScale
	out.ConformalTargetCoverage = &tc
	out.ConformalQuantileLevel = &ql
	out.ConformalCenterShift = &cs
	out.ConformalWidthScale = &ws
	return out
}

// Report summarizes how well a set of bands covered realized outcomes.
type Report struct {
	SampleSize     int     `json:"sample_size"`
	Coverage       float64 `json:"empirical_coverage"`
	MeanWidth      float64 `json:"mean_width"`
	MedianWidth    float64 `json:"median_width"`
	BelowLowerRate float64 `json:"below_lower_rate"`
	AboveUpperRate float64 `json:"above_upper_rate"`
}

// CoverageReport computes empirical coverage and width statistics. Band
// bounds are inclusive.
func CoverageReport(bands []models.Band, actuals []float64) (Report, error) {
	if len(bands) == 0 {
		return Report{}, fmt.Errorf("%w: no samples", ErrInvalidInput)
	}
	if len(bands) != len(actuals) {
		return Report{}, fmt.Errorf("%w: %d bands but %d actuals", ErrInvalidInput, len(bands), len(actuals))
	}
	var inside, below, above int
	widths := make([]float64, len(bands))
	for i, b := range bands {
		widths[i] = b.Width()
		switch a := actuals[i]; {
		case a < b.Q10:
			below++
		case a > b.Q90:
			above++
		default:
			inside++
		}
	}
	n := float64(len(bands))
	return Report{
		SampleSize:     len(bands),
		Coverage:       float64(inside) / n,
		MeanWidth:      util.Mean(widths),
		MedianWidth:    util.Quantile(widths, 0.5),
		BelowLowerRate: float64(below) / n,
		AboveUpperRate: float64(above) / n,
	}, nil
}

// RefitPolicy decides when a deployed adjustment should be re-fit.
// BaselineWidth is the mean width recorded when the current adjustment was
// fit; zero disables the width check.
type RefitPolicy struct {
	TargetCoverage    float64
	CoverageTolerance float64
	BaselineWidth     float64
	MaxWidthRatio     float64
	MinSamples        int
}

type RefitDecision struct {
	Refit   bool     `json:"refit"`
	Reasons []string `json:"reasons"`
}

const (
	ReasonInsufficientSamples = "insufficient_samples"
	ReasonCoverageBelowTarget = "coverage_below_target"
	ReasonWidthExpanded       = "width_expanded"
)

// EvaluateRefit never recommends a refit below MinSamples.
func EvaluateRefit(recent Report, p RefitPolicy) RefitDecision {
	if recent.SampleSize < p.MinSamples {
		return RefitDecision{Reasons: []string{ReasonInsufficientSamples}}
	}
	var d RefitDecision
	if recent.Coverage < p.TargetCoverage-p.CoverageTolerance {
		d.Reasons = append(d.Reasons, ReasonCoverageBelowTarget)
	}
	if p.BaselineWidth > 0 && p.MaxWidthRatio > 0 && recent.MeanWidth > p.BaselineWidth*p.MaxWidthRatio {
		d.Reasons = append(d.Reasons, ReasonWidthExpanded)
	}
	d.Refit = len(d.Reasons) > 0
	return d
}
