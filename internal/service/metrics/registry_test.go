package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RenderCounterAndGauge(t *testing.T) {
	r := NewRegistry()
	r.IncRequest("default", "ok")
	r.IncRequest("default", "ok")
	r.IncFallback("too_few_points")
	r.SetIntervalWidth("high", 0.25)
	r.SetIntervalWidth("high", 0.3)

	out, err := r.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "# TYPE quantserve_requests_total counter")
	assert.Contains(t, out, `quantserve_requests_total{outcome="ok",stage="default"} 2`)
	assert.Contains(t, out, `quantserve_fallback_total{reason="too_few_points"} 1`)
	assert.Contains(t, out, `quantserve_interval_width{bucket="high"} 0.3`)
	// empty families are skipped
	assert.NotContains(t, out, "quantserve_cache_hits_total")
}

func TestRegistry_Histogram(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency(0.003)
	r.ObserveLatency(0.2)
	r.ObserveLatency(30)

	out, err := r.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `quantserve_request_latency_seconds_bucket{le="0.005"} 1`)
	assert.Contains(t, out, `quantserve_request_latency_seconds_bucket{le="0.25"} 2`)
	assert.Contains(t, out, `quantserve_request_latency_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "quantserve_request_latency_seconds_count 3")
	assert.Equal(t, 3.0, r.Value(RequestLatencySeconds, nil))
}

func TestRegistry_DeterministicOrdering(t *testing.T) {
	r := NewRegistry()
	r.IncFallback("b")
	r.IncFallback("a")
	r.IncCacheHit()

	first, err := r.Render()
	require.NoError(t, err)
	second, err := r.Render()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Less(t, strings.Index(first, "quantserve_cache_hits_total"), strings.Index(first, "quantserve_fallback_total"))
	assert.Less(t, strings.Index(first, `reason="a"`), strings.Index(first, `reason="b"`))
}

func TestRegistry_KindMismatchIgnored(t *testing.T) {
	r := NewRegistry()
	r.Set(RequestsTotal, Labels{"stage": "x", "outcome": "ok"}, 5)
	r.Add(RequestsTotal, Labels{"stage": "x", "outcome": "ok"}, -1)
	assert.Equal(t, 0.0, r.Value(RequestsTotal, Labels{"stage": "x", "outcome": "ok"}))
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncRequest("canary", "ok")
				r.ObserveCycleTime(0.01)
				if j%10 == 0 {
					_, _ = r.Render()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3200.0, r.Value(RequestsTotal, Labels{"outcome": "ok", "stage": "canary"}))
	assert.Equal(t, 3200.0, r.Value(CycleTimeSeconds, nil))
}
