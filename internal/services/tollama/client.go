package tollama

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	domsvc "QuantServe/internal/domain/service"
	"QuantServe/pkg/logger"
	"QuantServe/pkg/metrics"
)

// Config for the Tollama forecast backend.
type Config struct {
	BaseURL string
	Path    string
	Timeout time.Duration
	Retries int
}

type seriesInput struct {
	ID             string               `json:"id"`
	Freq           string               `json:"freq"`
	Target         []float64            `json:"target"`
	PastCovariates map[string][]float64 `json:"past_covariates,omitempty"`
}

type forecastRequest struct {
	Model        string                 `json:"model"`
	ModelVersion string                 `json:"model_version,omitempty"`
	Horizon      int                    `json:"horizon"`
	Quantiles    []float64              `json:"quantiles"`
	Series       []seriesInput          `json:"series"`
	Options      map[string]interface{} `json:"options,omitempty"`
}

type seriesForecast struct {
	ID        string               `json:"id"`
	Quantiles map[string][]float64 `json:"quantiles"`
	Mean      []float64            `json:"mean,omitempty"`
}

type forecastResponse struct {
	Model        string           `json:"model"`
	ModelVersion string           `json:"model_version"`
	Forecasts    []seriesForecast `json:"forecasts"`
}

const targetID = "target"

type Option func(*Client)

func WithLogger(l *logger.Logger) Option { return func(c *Client) { c.l = l } }

func WithRecorder(r *metrics.Recorder) Option { return func(c *Client) { c.rec = r } }

// Client calls a Tollama-compatible HTTP forecast service.
type Client struct {
	base    *HTTPServiceBase
	path    string
	retries int
	l       *logger.Logger
	rec     *metrics.Recorder
}

func NewClient(cfg Config, opts ...Option) *Client {
	path := cfg.Path
	if path == "" {
		path = "/v1/forecast"
	}
	c := &Client{
		base:    NewHTTPServiceBase(cfg.BaseURL, cfg.Timeout),
		path:    path,
		retries: cfg.Retries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Forecast performs one backend call including internal retries. Any
// transport error, non-2xx status or missing quantile level is an error.
func (c *Client) Forecast(ctx context.Context, req domsvc.AdapterRequest) (domsvc.AdapterResult, error) {
	body := forecastRequest{
		Model:        req.ModelName,
		ModelVersion: req.ModelVersion,
		Horizon:      req.HorizonSteps,
		Quantiles:    req.Quantiles,
		Series: []seriesInput{{
			ID:             targetID,
			Freq:           req.Freq,
			Target:         req.Series,
			PastCovariates: req.Covariates,
		}},
		Options: req.Params,
	}

	start := time.Now()
	var resp forecastResponse
	err := c.base.PostJSONWithRetry(ctx, c.path, body, &resp, c.retries+1)
	elapsed := time.Since(start)

	outcome := "ok"
	defer func() { c.rec.RecordBackendCall(req.ModelName, outcome, elapsed.Seconds()) }()
	if err != nil {
		outcome = "error"
		if c.l != nil {
			c.l.Warn("tollama call failed",
				logger.String("model", req.ModelName),
				logger.Duration("duration_ms", elapsed),
				logger.Error(err),
			)
		}
		return domsvc.AdapterResult{}, err
	}

	paths, err := extractPaths(resp, req.Quantiles)
	if err != nil {
		outcome = "invalid"
		return domsvc.AdapterResult{}, err
	}
	name := resp.Model
	if name == "" {
		name = req.ModelName
	}
	return domsvc.AdapterResult{
		Paths:        paths,
		ModelName:    name,
		ModelVersion: resp.ModelVersion,
		LatencyMS:    float64(elapsed) / float64(time.Millisecond),
	}, nil
}

func extractPaths(resp forecastResponse, levels []float64) (map[float64][]float64, error) {
	var fc *seriesForecast
	for i := range resp.Forecasts {
		if resp.Forecasts[i].ID == targetID || len(resp.Forecasts) == 1 {
			fc = &resp.Forecasts[i]
			break
		}
	}
	if fc == nil {
		return nil, fmt.Errorf("tollama: no forecast for series %q", targetID)
	}

	byLevel := make(map[float64][]float64, len(fc.Quantiles))
	for k, v := range fc.Quantiles {
		q, err := strconv.ParseFloat(k, 64)
		if err != nil {
			return nil, fmt.Errorf("tollama: bad quantile key %q", k)
		}
		byLevel[q] = v
	}
	out := make(map[float64][]float64, len(levels))
	for _, q := range levels {
		p, ok := lookupLevel(byLevel, q)
		if !ok {
			return nil, fmt.Errorf("tollama: quantile %v missing from response", q)
		}
		out[q] = append([]float64(nil), p...)
	}
	return out, nil
}

// lookupLevel tolerates keys like "0.10" or "0.1000001".
func lookupLevel(m map[float64][]float64, q float64) ([]float64, bool) {
	if p, ok := m[q]; ok {
		return p, true
	}
	for k, p := range m {
		if math.Abs(k-q) < 1e-6 {
			return p, true
		}
	}
	return nil, false
}

var _ domsvc.AdapterClient = (*Client)(nil)
