package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"QuantServe/internal/domain/models"
	domsvc "QuantServe/internal/domain/service"
	"QuantServe/internal/service/breaker"
	"QuantServe/internal/service/cache"
	"QuantServe/internal/service/metrics"
	"QuantServe/internal/services/baseline"
	"QuantServe/internal/usecase"
	pkgcache "QuantServe/pkg/cache"
	xhttp "QuantServe/pkg/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ err error }

func (a stubAdapter) Forecast(_ context.Context, req domsvc.AdapterRequest) (domsvc.AdapterResult, error) {
	if a.err != nil {
		return domsvc.AdapterResult{}, a.err
	}
	paths := make(map[float64][]float64, len(req.Quantiles))
	for _, q := range req.Quantiles {
		p := make([]float64, req.HorizonSteps)
		for i := range p {
			p[i] = q
		}
		paths[q] = p
	}
	return domsvc.AdapterResult{Paths: paths, ModelName: req.ModelName}, nil
}

type testServer struct {
	e    *echo.Echo
	orch *usecase.Orchestrator
	reg  *metrics.Registry
}

func newTestServer(t *testing.T, adapter domsvc.AdapterClient, token string) *testServer {
	t.Helper()
	reg := metrics.NewRegistry()
	br := breaker.New(breaker.Config{WindowSeconds: 60, MinRequests: 2, FailureRateToOpen: 0.5, CooldownSeconds: 30})
	fc := cache.New(pkgcache.NewMemoryCache(pkgcache.WithMemoryCleanup(0)))
	t.Cleanup(func() { _ = fc.Close() })
	orch := usecase.NewOrchestrator(usecase.ForecastConfig{
		MinPointsForBackend: 3,
		CacheTTL:            time.Minute,
	}, adapter, baseline.New(), br, fc, reg)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())

	e := echo.New()
	xhttp.Handlers{
		NewForecastEchoHandler(nil, orch, reg, promReg),
		NewAdminEchoHandler(nil, orch, token),
	}.RegisterRoutes(e)
	return &testServer{e: e, orch: orch, reg: reg}
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

const forecastBody = `{
  "market_id": "pm-1",
  "as_of_ts": "2026-01-01T00:00:00Z",
  "freq": "5m",
  "horizon_steps": 3,
  "y": [0.41, 0.43, 0.42, 0.44, 0.45],
  "model": {"model_name": "chronos"}
}`

func TestForecast_OK(t *testing.T) {
	s := newTestServer(t, stubAdapter{}, "")
	rec := s.do(http.MethodPost, "/forecast", forecastBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.ForecastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pm-1", resp.MarketID)
	assert.Equal(t, []float64{0.1, 0.5, 0.9}, resp.Quantiles)
	assert.Equal(t, models.RuntimeBackend, resp.Meta.Runtime)
	assert.Len(t, resp.YhatQ["0.5"], 3)
	assert.Equal(t, models.SpaceIdentity, resp.Meta.TransformSpace)
}

func TestForecast_BackendDownStillOK(t *testing.T) {
	s := newTestServer(t, stubAdapter{err: errors.New("down")}, "")
	rec := s.do(http.MethodPost, "/forecast", forecastBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.ForecastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Meta.FallbackUsed)
	require.NotNil(t, resp.Meta.FallbackReason)
	assert.Equal(t, "tollama_error:down", *resp.Meta.FallbackReason)
}

func TestForecast_ValidationErrors(t *testing.T) {
	s := newTestServer(t, stubAdapter{}, "")

	rec := s.do(http.MethodPost, "/forecast", `{"market_id": "m", "as_of_ts": "t"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"y"`)

	rec = s.do(http.MethodPost, "/forecast", `{"market_id": "m", "as_of_ts": "t", "y": [0.1], "transform": {"space": "log"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_ONEOF")

	rec = s.do(http.MethodPost, "/forecast", `{"market_id": "m", "as_of_ts": "t", "y": [0.1], "freq": "weekly"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_BAD_REQUEST")

	rec = s.do(http.MethodPost, "/forecast", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForecast_HorizonSteps(t *testing.T) {
	s := newTestServer(t, stubAdapter{}, "")
	body := func(horizon string) string {
		return `{"market_id": "m", "as_of_ts": "t", "y": [0.41, 0.43, 0.42, 0.44]` + horizon + `}`
	}

	for _, h := range []string{"0", "-3", "1001"} {
		rec := s.do(http.MethodPost, "/forecast", body(`, "horizon_steps": `+h))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "horizon_steps=%s", h)
		assert.Contains(t, rec.Body.String(), `"field":"horizon_steps"`)
	}

	rec := s.do(http.MethodPost, "/forecast", body(""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.ForecastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.DefaultHorizonSteps, resp.HorizonSteps)
	assert.Len(t, resp.YhatQ["0.5"], models.DefaultHorizonSteps)
}

func TestHealthAndDegradation(t *testing.T) {
	s := newTestServer(t, stubAdapter{}, "")

	rec := s.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degradation_state":"normal"`)
	assert.Contains(t, rec.Body.String(), `"state":"closed"`)

	rec = s.do(http.MethodPut, "/admin/degradation", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.orch.Degraded())

	rec = s.do(http.MethodPost, "/forecast", forecastBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.ForecastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, usecase.ReasonDegraded, *resp.Meta.FallbackReason)
	assert.Equal(t, usecase.DegradationBaselineOnly, resp.Meta.DegradationState)
}

func TestAdminConformal(t *testing.T) {
	s := newTestServer(t, stubAdapter{}, "secret")

	rec := s.do(http.MethodPut, "/admin/conformal", `{"target_coverage": 0.8, "quantile_level": 0.9, "center_shift": 0, "width_scale": 1.5, "sample_size": 50}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPut, "/admin/conformal", `{"target_coverage": 0.8, "quantile_level": 0.9, "center_shift": 0, "width_scale": 1.5, "sample_size": 50}`,
		echo.HeaderAuthorization, "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, s.orch.Adjustment())
	assert.Equal(t, 1.5, s.orch.Adjustment().WidthScale)

	rec = s.do(http.MethodPut, "/admin/conformal", `{"target_coverage": 1.2, "sample_size": 50}`,
		echo.HeaderAuthorization, "Bearer secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/admin/conformal", "", echo.HeaderAuthorization, "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, s.orch.Adjustment())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, stubAdapter{}, "")
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/forecast", forecastBody).Code)

	rec := s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, metrics.ContentType, rec.Header().Get(echo.HeaderContentType))

	body := rec.Body.String()
	assert.Contains(t, body, `quantserve_requests_total{outcome="backend",stage="default"} 1`)
	assert.Contains(t, body, "quantserve_request_latency_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}
