package service

import (
	"context"

	"QuantServe/internal/domain/models"
)

// AdapterRequest is the single synchronous call made to the forecasting backend.
type AdapterRequest struct {
	Series       []float64
	HorizonSteps int
	Freq         string
	Quantiles    []float64
	ModelName    string
	ModelVersion string
	Covariates   map[string][]float64
	Params       map[string]interface{}
}

// AdapterResult carries backend quantile paths keyed by level.
type AdapterResult struct {
	Paths        map[float64][]float64
	ModelName    string
	ModelVersion string
	LatencyMS    float64
}

// AdapterClient calls the external forecasting backend. Implementations own
// their timeout and retry policy; callers only see the final outcome.
type AdapterClient interface {
	Forecast(ctx context.Context, req AdapterRequest) (AdapterResult, error)
}

// BaselineForecaster produces a deterministic statistical band from history.
type BaselineForecaster interface {
	Band(series []float64, horizonSteps int, stepSeconds int64, method string, useLogit bool, eps float64) (models.Band, error)
}
