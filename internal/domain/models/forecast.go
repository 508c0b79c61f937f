package models

import (
	"strconv"
)

// Quantile levels supported by the serving layer.
const (
	Q10 = 0.1
	Q50 = 0.5
	Q90 = 0.9
)

// Runtime labels reported in Meta.Runtime.
const (
	RuntimeBackend  = "backend"
	RuntimeBaseline = "baseline"
)

// Transform spaces.
const (
	SpaceIdentity = "identity"
	SpaceLogit    = "logit"
)

// DefaultQuantiles returns a fresh copy of the default quantile set.
func DefaultQuantiles() []float64 { return []float64{Q10, Q50, Q90} }

// IsSupportedQuantile reports whether q is one of the served levels.
func IsSupportedQuantile(q float64) bool {
	return q == Q10 || q == Q50 || q == Q90
}

// QuantileKey formats a level the way it appears in yhat_q ("0.1", "0.5", "0.9").
func QuantileKey(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

type Transform struct {
	Space string  `json:"space"`
	Eps   float64 `json:"eps"`
}

type ModelSelection struct {
	ModelName    string                 `json:"model_name"`
	ModelVersion string                 `json:"model_version,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// ForecastRequest is one forecast call. Y is ordered oldest first.
type ForecastRequest struct {
	MarketID        string
	AsOfTS          string
	Freq            string
	HorizonSteps    int
	Quantiles       []float64
	Y               []float64
	Timestamps      []int64 // optional, unix seconds aligned with Y
	Covariates      map[string][]float64
	Transform       Transform
	Model           ModelSelection
	LiquidityBucket string
	RolloutStage    string
}

// Meta describes how a response was produced.
type Meta struct {
	Runtime             string   `json:"runtime"`
	LatencyMS           float64  `json:"latency_ms"`
	FallbackUsed        bool     `json:"fallback_used"`
	FallbackReason      *string  `json:"fallback_reason"`
	CacheHit            bool     `json:"cache_hit"`
	CacheStale          bool     `json:"cache_stale"`
	CircuitBreakerState string   `json:"circuit_breaker_state"`
	DegradationState    string   `json:"degradation_state"`
	Warnings            []string `json:"warnings"`
	ModelName           string   `json:"model_name,omitempty"`
	ModelVersion        string   `json:"model_version,omitempty"`
	InputLength         int      `json:"input_length"`
	TransformSpace      string   `json:"transform_space"`
}

// ForecastResponse is what the serving boundary returns for a ForecastRequest.
type ForecastResponse struct {
	MarketID          string               `json:"market_id"`
	AsOfTS            string               `json:"as_of_ts"`
	Freq              string               `json:"freq"`
	HorizonSteps      int                  `json:"horizon_steps"`
	Quantiles         []float64            `json:"quantiles"`
	YhatQ             map[string][]float64 `json:"yhat_q"`
	Meta              Meta                 `json:"meta"`
	ConformalLastStep *Band                `json:"conformal_last_step,omitempty"`
}

// Clone returns a deep copy so cached responses never alias caller data.
func (r *ForecastResponse) Clone() *ForecastResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Quantiles = append([]float64(nil), r.Quantiles...)
	if r.YhatQ != nil {
		out.YhatQ = make(map[string][]float64, len(r.YhatQ))
		for k, v := range r.YhatQ {
			out.YhatQ[k] = append([]float64(nil), v...)
		}
	}
	out.Meta.Warnings = append([]string(nil), r.Meta.Warnings...)
	if r.Meta.FallbackReason != nil {
		reason := *r.Meta.FallbackReason
		out.Meta.FallbackReason = &reason
	}
	if r.ConformalLastStep != nil {
		b := r.ConformalLastStep.Clone()
		out.ConformalLastStep = &b
	}
	return &out
}

// Path returns the quantile path for level q, or nil.
func (r *ForecastResponse) Path(q float64) []float64 {
	if r == nil || r.YhatQ == nil {
		return nil
	}
	return r.YhatQ[QuantileKey(q)]
}
