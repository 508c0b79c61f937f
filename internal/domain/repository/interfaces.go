package repository

import (
	"context"
	"time"

	"QuantServe/internal/domain/models"
)

// ForecastSink receives every freshly computed forecast (audit trail,
// calibration joins). Implementations must be safe for concurrent use.
type ForecastSink interface {
	Write(ctx context.Context, req models.ForecastRequest, resp *models.ForecastResponse) error
	Close() error
}

// ForecastEvent is the persisted/published shape of a served forecast.
type ForecastEvent struct {
	MarketID       string    `json:"market_id"`
	AsOfTS         string    `json:"as_of_ts"`
	Freq           string    `json:"freq"`
	HorizonSteps   int       `json:"horizon_steps"`
	Runtime        string    `json:"runtime"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	CacheStale     bool      `json:"cache_stale"`
	Q10            float64   `json:"q10"`
	Q50            float64   `json:"q50"`
	Q90            float64   `json:"q90"`
	LatencyMS      float64   `json:"latency_ms"`
	ModelName      string    `json:"model_name,omitempty"`
	ModelVersion   string    `json:"model_version,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	ServedAt       time.Time `json:"served_at"`
}

// NewForecastEvent flattens a response into its last-step event form.
func NewForecastEvent(resp *models.ForecastResponse, servedAt time.Time) ForecastEvent {
	ev := ForecastEvent{
		MarketID:     resp.MarketID,
		AsOfTS:       resp.AsOfTS,
		Freq:         resp.Freq,
		HorizonSteps: resp.HorizonSteps,
		Runtime:      resp.Meta.Runtime,
		CacheStale:   resp.Meta.CacheStale,
		LatencyMS:    resp.Meta.LatencyMS,
		ModelName:    resp.Meta.ModelName,
		ModelVersion: resp.Meta.ModelVersion,
		Warnings:     resp.Meta.Warnings,
		ServedAt:     servedAt,
	}
	if resp.Meta.FallbackReason != nil {
		ev.FallbackReason = *resp.Meta.FallbackReason
	}
	ev.Q10 = lastOf(resp.Path(models.Q10))
	ev.Q50 = lastOf(resp.Path(models.Q50))
	ev.Q90 = lastOf(resp.Path(models.Q90))
	return ev
}

func lastOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}
