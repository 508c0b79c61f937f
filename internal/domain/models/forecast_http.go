package models

// HTTP request body for POST /forecast. Kept apart from ForecastRequest so
// transport tags do not leak into the use case.

// DefaultHorizonSteps is served when the body omits horizon_steps. An
// explicit value is validated as sent.
const DefaultHorizonSteps = 12

type TransformBody struct {
	Space string  `json:"space" default:"identity" validate:"oneof=identity logit"`
	Eps   float64 `json:"eps" default:"0.000001" validate:"gt=0,lt=0.5"`
}

type ModelBody struct {
	ModelName    string                 `json:"model_name" default:"chronos"`
	ModelVersion string                 `json:"model_version"`
	Params       map[string]interface{} `json:"params"`
}

type ForecastBody struct {
	MarketID        string               `json:"market_id" validate:"required"`
	AsOfTS          string               `json:"as_of_ts" validate:"required"`
	Freq            string               `json:"freq" default:"5m" validate:"required"`
	HorizonSteps    *int                 `json:"horizon_steps" validate:"omitnil,gte=1,lte=1000"`
	Quantiles       []float64            `json:"quantiles"`
	Y               []float64            `json:"y" validate:"required,min=1"`
	Timestamps      []int64              `json:"timestamps"`
	Covariates      map[string][]float64 `json:"x_past"`
	Transform       TransformBody        `json:"transform"`
	Model           ModelBody            `json:"model"`
	LiquidityBucket string               `json:"liquidity_bucket"`
	RolloutStage    string               `json:"rollout_stage" default:"default"`
}

// ToRequest converts the validated body into the use-case request.
func (b *ForecastBody) ToRequest() ForecastRequest {
	horizon := DefaultHorizonSteps
	if b.HorizonSteps != nil {
		horizon = *b.HorizonSteps
	}
	return ForecastRequest{
		MarketID:        b.MarketID,
		AsOfTS:          b.AsOfTS,
		Freq:            b.Freq,
		HorizonSteps:    horizon,
		Quantiles:       b.Quantiles,
		Y:               b.Y,
		Timestamps:      b.Timestamps,
		Covariates:      b.Covariates,
		Transform:       Transform{Space: b.Transform.Space, Eps: b.Transform.Eps},
		Model:           ModelSelection{ModelName: b.Model.ModelName, ModelVersion: b.Model.ModelVersion, Params: b.Model.Params},
		LiquidityBucket: b.LiquidityBucket,
		RolloutStage:    b.RolloutStage,
	}
}

// DegradationBody toggles baseline-only degraded mode.
type DegradationBody struct {
	Enabled bool `json:"enabled"`
}

// AdjustmentBody installs a conformal adjustment at runtime.
type AdjustmentBody struct {
	TargetCoverage float64 `json:"target_coverage" validate:"gt=0,lt=1"`
	QuantileLevel  float64 `json:"quantile_level" validate:"gte=0,lte=1"`
	CenterShift    float64 `json:"center_shift"`
	WidthScale     float64 `json:"width_scale" validate:"gte=0"`
	SampleSize     int     `json:"sample_size" validate:"gte=1"`
	Bucket         string  `json:"bucket"`
}

// ToAdjustment converts the validated body.
func (b *AdjustmentBody) ToAdjustment() ConformalAdjustment {
	return ConformalAdjustment{
		TargetCoverage: b.TargetCoverage,
		QuantileLevel:  b.QuantileLevel,
		CenterShift:    b.CenterShift,
		WidthScale:     b.WidthScale,
		SampleSize:     b.SampleSize,
		Bucket:         b.Bucket,
	}
}
