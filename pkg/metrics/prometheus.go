package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder tracks outbound calls and background pipeline events with
// Prometheus collectors.
type Recorder struct {
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	sinkWrites     *prometheus.CounterVec
}

// New creates a recorder on the default Prometheus registry. Call once per
// process.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder registered on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		backendCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantserve_backend_calls_total",
				Help: "Forecast backend calls by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		backendLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantserve_backend_call_duration_seconds",
				Help:    "Forecast backend call duration in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantserve_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		sinkWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantserve_sink_writes_total",
				Help: "Served-forecast audit writes by sink and outcome",
			},
			[]string{"sink", "outcome"},
		),
	}
}

// RecordBackendCall records one backend call.
func (r *Recorder) RecordBackendCall(model, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.backendCalls.WithLabelValues(model, outcome).Inc()
	r.backendLatency.WithLabelValues(model).Observe(seconds)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	if r == nil {
		return
	}
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordSinkWrite records one audit write.
func (r *Recorder) RecordSinkWrite(sink string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.sinkWrites.WithLabelValues(sink, outcome).Inc()
}
