package metrics

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const namespace = "quantserve_"

// Series names owned by the forecast path.
const (
	RequestsTotal         = namespace + "requests_total"
	RequestLatencySeconds = namespace + "request_latency_seconds"
	CycleTimeSeconds      = namespace + "cycle_time_seconds"
	FallbackTotal         = namespace + "fallback_total"
	CacheHitsTotal        = namespace + "cache_hits_total"
	QuantileCrossingTotal = namespace + "quantile_crossing_total"
	BreakerOpenTotal      = namespace + "breaker_open_total"
	InvalidOutputTotal    = namespace + "invalid_output_total"
	IntervalWidth         = namespace + "interval_width"
	TargetCoverage        = namespace + "target_coverage"
)

// ContentType of Render output.
const ContentType = string(expfmt.FmtText)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Labels map[string]string

type kind int

const (
	counterKind kind = iota
	gaugeKind
	histogramKind
)

type series struct {
	labels  Labels
	value   float64
	buckets []uint64 // per-bucket, not cumulative
	sum     float64
	count   uint64
}

type family struct {
	name   string
	help   string
	kind   kind
	bounds []float64
	series map[string]*series
}

// Registry holds counters, gauges and histograms for one process. All
// mutation goes through a single mutex; Render formats a snapshot outside it.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
}

// NewRegistry returns a registry with the forecast series pre-declared.
func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*family)}
	r.declare(RequestsTotal, "Forecast requests by rollout stage and outcome.", counterKind, nil)
	r.declare(RequestLatencySeconds, "Forecast request latency in seconds.", histogramKind, latencyBuckets)
	r.declare(CycleTimeSeconds, "End-to-end forecast cycle time in seconds.", histogramKind, latencyBuckets)
	r.declare(FallbackTotal, "Baseline or stale fallbacks by reason.", counterKind, nil)
	r.declare(CacheHitsTotal, "Forecast cache hits.", counterKind, nil)
	r.declare(QuantileCrossingTotal, "Output steps that needed quantile reordering.", counterKind, nil)
	r.declare(BreakerOpenTotal, "Circuit breaker transitions to open.", counterKind, nil)
	r.declare(InvalidOutputTotal, "Backend outputs rejected or containing invalid values.", counterKind, nil)
	r.declare(IntervalWidth, "Last served q90-q10 width by liquidity bucket.", gaugeKind, nil)
	r.declare(TargetCoverage, "Target coverage of the active conformal adjustment by bucket.", gaugeKind, nil)
	return r
}

func (r *Registry) declare(name, help string, k kind, bounds []float64) {
	r.families[name] = &family{
		name:   name,
		help:   help,
		kind:   k,
		bounds: append([]float64(nil), bounds...),
		series: make(map[string]*series),
	}
}

// lookup must be called with r.mu held. Undeclared names are created with
// the requested kind; a kind mismatch returns nil.
func (r *Registry) lookup(name string, k kind, labels Labels) *series {
	f, ok := r.families[name]
	if !ok {
		var bounds []float64
		if k == histogramKind {
			bounds = latencyBuckets
		}
		r.declare(name, name, k, bounds)
		f = r.families[name]
	}
	if f.kind != k {
		return nil
	}
	key := labelKey(labels)
	s, ok := f.series[key]
	if !ok {
		s = &series{labels: copyLabels(labels)}
		if k == histogramKind {
			s.buckets = make([]uint64, len(f.bounds))
		}
		f.series[key] = s
	}
	return s
}

// Add increments a counter. Negative deltas are ignored.
func (r *Registry) Add(name string, labels Labels, delta float64) {
	if delta < 0 || math.IsNaN(delta) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.lookup(name, counterKind, labels); s != nil {
		s.value += delta
	}
}

func (r *Registry) Inc(name string, labels Labels) { r.Add(name, labels, 1) }

// Set stores the last value of a gauge.
func (r *Registry) Set(name string, labels Labels, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.lookup(name, gaugeKind, labels); s != nil {
		s.value = v
	}
}

// Observe records one histogram sample.
func (r *Registry) Observe(name string, labels Labels, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(name, histogramKind, labels)
	if s == nil {
		return
	}
	bounds := r.families[name].bounds
	if i := sort.SearchFloat64s(bounds, v); i < len(bounds) {
		s.buckets[i]++
	}
	s.sum += v
	s.count++
}

// Value returns the current counter or gauge value, or the sample count of a
// histogram.
func (r *Registry) Value(name string, labels Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		return 0
	}
	s, ok := f.series[labelKey(labels)]
	if !ok {
		return 0
	}
	if f.kind == histogramKind {
		return float64(s.count)
	}
	return s.value
}

// --- forecast-path helpers ---

func (r *Registry) IncRequest(stage, outcome string) {
	r.Inc(RequestsTotal, Labels{"stage": stage, "outcome": outcome})
}

func (r *Registry) ObserveLatency(seconds float64) { r.Observe(RequestLatencySeconds, nil, seconds) }

func (r *Registry) ObserveCycleTime(seconds float64) { r.Observe(CycleTimeSeconds, nil, seconds) }

func (r *Registry) IncFallback(reason string) {
	r.Inc(FallbackTotal, Labels{"reason": reason})
}

func (r *Registry) IncCacheHit() { r.Inc(CacheHitsTotal, nil) }

func (r *Registry) AddQuantileCrossing(n int) { r.Add(QuantileCrossingTotal, nil, float64(n)) }

func (r *Registry) IncBreakerOpen() { r.Inc(BreakerOpenTotal, nil) }

func (r *Registry) IncInvalidOutput() { r.Inc(InvalidOutputTotal, nil) }

func (r *Registry) SetIntervalWidth(bucket string, w float64) {
	r.Set(IntervalWidth, Labels{"bucket": bucket}, w)
}

func (r *Registry) SetTargetCoverage(bucket string, c float64) {
	r.Set(TargetCoverage, Labels{"bucket": bucket}, c)
}

// --- rendering ---

// Families converts a snapshot into client_model families sorted by name,
// series sorted by label set. Families without series are omitted.
func (r *Registry) Families() []*dto.MetricFamily {
	r.mu.Lock()
	snap := make([]family, 0, len(r.families))
	for _, f := range r.families {
		if len(f.series) == 0 {
			continue
		}
		cp := family{name: f.name, help: f.help, kind: f.kind, bounds: f.bounds, series: make(map[string]*series, len(f.series))}
		for k, s := range f.series {
			c := *s
			c.buckets = append([]uint64(nil), s.buckets...)
			cp.series[k] = &c
		}
		snap = append(snap, cp)
	}
	r.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool { return snap[i].name < snap[j].name })
	out := make([]*dto.MetricFamily, 0, len(snap))
	for _, f := range snap {
		out = append(out, f.toDTO())
	}
	return out
}

// Render returns the registry in Prometheus text exposition format.
func (r *Registry) Render() (string, error) {
	var buf bytes.Buffer
	if err := r.Write(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Write encodes every non-empty family to w.
func (r *Registry) Write(w io.Writer) error {
	for _, mf := range r.Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("render %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func (f family) toDTO() *dto.MetricFamily {
	mf := &dto.MetricFamily{Name: proto.String(f.name), Help: proto.String(f.help)}
	switch f.kind {
	case counterKind:
		mf.Type = dto.MetricType_COUNTER.Enum()
	case gaugeKind:
		mf.Type = dto.MetricType_GAUGE.Enum()
	case histogramKind:
		mf.Type = dto.MetricType_HISTOGRAM.Enum()
	}

	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s := f.series[k]
		m := &dto.Metric{Label: labelPairs(s.labels)}
		switch f.kind {
		case counterKind:
			m.Counter = &dto.Counter{Value: proto.Float64(s.value)}
		case gaugeKind:
			m.Gauge = &dto.Gauge{Value: proto.Float64(s.value)}
		case histogramKind:
			h := &dto.Histogram{SampleCount: proto.Uint64(s.count), SampleSum: proto.Float64(s.sum)}
			var cum uint64
			for i, ub := range f.bounds {
				cum += s.buckets[i]
				h.Bucket = append(h.Bucket, &dto.Bucket{CumulativeCount: proto.Uint64(cum), UpperBound: proto.Float64(ub)})
			}
			m.Histogram = h
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func labelPairs(l Labels) []*dto.LabelPair {
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]*dto.LabelPair, 0, len(names))
	for _, n := range names {
		out = append(out, &dto.LabelPair{Name: proto.String(n), Value: proto.String(l[n])})
	}
	return out
}

// labelKey is the canonical, order-independent form of a label set.
func labelKey(l Labels) string {
	if len(l) == 0 {
		return ""
	}
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", n, l[n])
	}
	return b.String()
}

func copyLabels(l Labels) Labels {
	if len(l) == 0 {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}
