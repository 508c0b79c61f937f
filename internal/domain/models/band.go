package models

import "time"

// Band is a (low, median, high) predictive interval at the 10/50/90 levels.
// Q50 may be nil for bands that only carry an interval.
type Band struct {
	Q10 float64  `json:"q10"`
	Q50 *float64 `json:"q50,omitempty"`
	Q90 float64  `json:"q90"`

	// provenance stamped by the conformal apply step
	ConformalTargetCoverage *float64 `json:"conformal_target_coverage,omitempty"`
	ConformalQuantileLevel  *float64 `json:"conformal_quantile_level,omitempty"`
	ConformalCenterShift    *float64 `json:"conformal_center_shift,omitempty"`
	ConformalWidthScale     *float64 `json:"conformal_width_scale,omitempty"`
}

// NewBand builds a band with an explicit median.
func NewBand(q10, q50, q90 float64) Band {
	m := q50
	return Band{Q10: q10, Q50: &m, Q90: q90}
}

// Median returns Q50 when set, else the midpoint of the interval.
func (b Band) Median() float64 {
	if b.Q50 != nil {
		return *b.Q50
	}
	return (b.Q10 + b.Q90) / 2
}

// Clone copies b, including the pointed-to median and provenance values.
func (b Band) Clone() Band {
	out := b
	out.Q50 = cloneFloat(b.Q50)
	out.ConformalTargetCoverage = cloneFloat(b.ConformalTargetCoverage)
	out.ConformalQuantileLevel = cloneFloat(b.ConformalQuantileLevel)
	out.ConformalCenterShift = cloneFloat(b.ConformalCenterShift)
	out.ConformalWidthScale = cloneFloat(b.ConformalWidthScale)
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Width is Q90 - Q10.
func (b Band) Width() float64 { return b.Q90 - b.Q10 }

// ConformalAdjustment is a fitted split-conformal correction. Once built it
// is never mutated; replace the whole value to publish a new fit.
type ConformalAdjustment struct {
	TargetCoverage float64   `json:"target_coverage"`
	QuantileLevel  float64   `json:"quantile_level"`
	CenterShift    float64   `json:"center_shift"`
	WidthScale     float64   `json:"width_scale"`
	SampleSize     int       `json:"sample_size"`
	FittedAt       time.Time `json:"fitted_at,omitempty"`
	Bucket         string    `json:"bucket,omitempty"`
}
