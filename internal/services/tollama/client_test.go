package tollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	domsvc "QuantServe/internal/domain/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adapterRequest() domsvc.AdapterRequest {
	return domsvc.AdapterRequest{
		Series:       []float64{0.4, 0.5, 0.45},
		HorizonSteps: 2,
		Freq:         "5m",
		Quantiles:    []float64{0.1, 0.5, 0.9},
		ModelName:    "chronos",
		Params:       map[string]interface{}{"num_samples": 20},
	}
}

func TestClient_Forecast(t *testing.T) {
	var got forecastRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"chronos","model_version":"v2","forecasts":[{"id":"target",
			"quantiles":{"0.1":[0.3,0.31],"0.50":[0.45,0.46],"0.9":[0.6,0.62]}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	res, err := c.Forecast(context.Background(), adapterRequest())
	require.NoError(t, err)

	assert.Equal(t, "chronos", res.ModelName)
	assert.Equal(t, "v2", res.ModelVersion)
	assert.Equal(t, []float64{0.45, 0.46}, res.Paths[0.5])
	assert.Equal(t, []float64{0.6, 0.62}, res.Paths[0.9])

	assert.Equal(t, 2, got.Horizon)
	require.Len(t, got.Series, 1)
	assert.Equal(t, []float64{0.4, 0.5, 0.45}, got.Series[0].Target)
	assert.Equal(t, float64(20), got.Options["num_samples"])
}

func TestClient_MissingQuantile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"forecasts":[{"id":"target","quantiles":{"0.5":[0.4,0.4]}}]}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Forecast(context.Background(), adapterRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"forecasts":[{"id":"target","quantiles":{"0.1":[0.1,0.1],"0.5":[0.2,0.2],"0.9":[0.3,0.3]}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 2})
	c.base.backoff = time.Millisecond
	_, err := c.Forecast(context.Background(), adapterRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3})
	c.base.backoff = time.Millisecond
	_, err := c.Forecast(context.Background(), adapterRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.Forecast(context.Background(), adapterRequest())
	assert.Error(t, err)
}
