package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"QuantServe/internal/domain/models"
	domrepo "QuantServe/internal/domain/repository"
	domsvc "QuantServe/internal/domain/service"
	"QuantServe/internal/service/breaker"
	"QuantServe/internal/service/cache"
	"QuantServe/internal/service/metrics"
	"QuantServe/internal/services/baseline"
	"QuantServe/internal/services/calibration"
	"QuantServe/internal/services/quantile"
	"QuantServe/pkg/logger"
	"QuantServe/pkg/util"
)

// ErrValidation marks malformed requests. They never reach the breaker or
// the cache.
var ErrValidation = errors.New("invalid forecast request")

// Fallback reasons reported in meta.fallback_reason.
const (
	ReasonTooFewPoints       = "too_few_points"
	ReasonBaselineOnlyBucket = "baseline_only_liquidity_bucket"
	ReasonMaxGapExceeded     = "max_gap_exceeded"
	ReasonBreakerOpen        = "circuit_breaker_open"
	ReasonDegraded           = "degradation_baseline_only"
	ReasonBackendErrorPrefix = "tollama_error:"
	ReasonHorizonMismatch    = "horizon_mismatch"
	ReasonStaleIfError       = "stale_if_error"
)

const (
	WarnUnsupportedQuantiles = "unsupported_quantiles_requested;using_default"
	WarnHorizonMismatch      = "horizon_mismatch"
	WarnBackendError         = "backend_error"
)

// Degradation labels reported in meta.degradation_state.
const (
	DegradationNormal       = "normal"
	DegradationBaselineOnly = "baseline_only"
)

// Request outcome labels for quantserve_requests_total.
const (
	OutcomeBackend  = "backend"
	OutcomeFallback = "fallback"
	OutcomeCacheHit = "cache_hit"
	OutcomeStale    = "stale"
	OutcomeInvalid  = "invalid"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

const defaultStage = "default"

// ForecastConfig drives the orchestrator.
type ForecastConfig struct {
	MinPointsForBackend int
	BaselineOnlyBuckets []string
	MaxGapSeconds       int64 // 0 disables the gap check
	CacheTTL            time.Duration
	BaselineMethod      string
	Repair              quantile.Config
	Degraded            bool
	SinkTimeout         time.Duration
}

type Option func(*Orchestrator)

func WithLogger(l *logger.Logger) Option { return func(o *Orchestrator) { o.l = l } }

func WithSink(s domrepo.ForecastSink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.nowFunc = now } }

func WithAdjustment(adj *models.ConformalAdjustment) Option {
	return func(o *Orchestrator) { o.SetAdjustment(adj) }
}

// Orchestrator answers one forecast request at a time; it is safe for
// concurrent use. Breaker, cache and metrics each keep their own lock.
type Orchestrator struct {
	cfg      ForecastConfig
	adapter  domsvc.AdapterClient
	baseline domsvc.BaselineForecaster
	breaker  *breaker.Breaker
	cache    *cache.ForecastCache
	metrics  *metrics.Registry
	sink     domrepo.ForecastSink

	baselineOnly map[string]struct{}
	adjustment   atomic.Pointer[models.ConformalAdjustment]
	degraded     atomic.Bool

	sinkWG  sync.WaitGroup
	nowFunc func() time.Time
	l       *logger.Logger
}

func NewOrchestrator(
	cfg ForecastConfig,
	adapter domsvc.AdapterClient,
	base domsvc.BaselineForecaster,
	br *breaker.Breaker,
	fc *cache.ForecastCache,
	reg *metrics.Registry,
	opts ...Option,
) *Orchestrator {
	if cfg.BaselineMethod == "" {
		cfg.BaselineMethod = baseline.MethodEWMA
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	o := &Orchestrator{
		cfg:          cfg,
		adapter:      adapter,
		baseline:     base,
		breaker:      br,
		cache:        fc,
		metrics:      reg,
		baselineOnly: make(map[string]struct{}, len(cfg.BaselineOnlyBuckets)),
		nowFunc:      time.Now,
	}
	for _, b := range cfg.BaselineOnlyBuckets {
		o.baselineOnly[b] = struct{}{}
	}
	o.degraded.Store(cfg.Degraded)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetDegraded toggles baseline-only mode for every subsequent request.
func (o *Orchestrator) SetDegraded(on bool) { o.degraded.Store(on) }

func (o *Orchestrator) Degraded() bool { return o.degraded.Load() }

// SetAdjustment publishes a new conformal adjustment; nil removes it. The
// value is copied, so callers may reuse adj.
func (o *Orchestrator) SetAdjustment(adj *models.ConformalAdjustment) {
	if adj == nil {
		o.adjustment.Store(nil)
		return
	}
	cp := *adj
	o.adjustment.Store(&cp)
	if o.metrics != nil {
		o.metrics.SetTargetCoverage(bucketLabel(cp.Bucket), cp.TargetCoverage)
	}
}

func (o *Orchestrator) Adjustment() *models.ConformalAdjustment {
	if adj := o.adjustment.Load(); adj != nil {
		cp := *adj
		return &cp
	}
	return nil
}

// Health is the view served on /healthz.
type Health struct {
	Breaker          breaker.Snapshot            `json:"circuit_breaker"`
	DegradationState string                      `json:"degradation_state"`
	Adjustment       *models.ConformalAdjustment `json:"conformal_adjustment,omitempty"`
}

func (o *Orchestrator) Health() Health {
	return Health{
		Breaker:          o.breaker.Snapshot(),
		DegradationState: o.degradationLabel(),
		Adjustment:       o.Adjustment(),
	}
}

// Close waits for pending sink writes.
func (o *Orchestrator) Close() {
	o.sinkWG.Wait()
}

// forecastCall carries per-request state through the pipeline.
type forecastCall struct {
	req         models.ForecastRequest
	stage       string
	stepSeconds int64
	useLogit    bool
	warnings    []string
	key         string
}

type fallbackRule struct {
	reason  string
	applies func(o *Orchestrator, c *forecastCall) bool
}

// fallbackRules are evaluated in order; the first match short-circuits the
// backend call.
var fallbackRules = []fallbackRule{
	{ReasonTooFewPoints, func(o *Orchestrator, c *forecastCall) bool {
		return len(c.req.Y) < o.cfg.MinPointsForBackend
	}},
	{ReasonBaselineOnlyBucket, func(o *Orchestrator, c *forecastCall) bool {
		_, ok := o.baselineOnly[c.req.LiquidityBucket]
		return c.req.LiquidityBucket != "" && ok
	}},
	{ReasonMaxGapExceeded, func(o *Orchestrator, c *forecastCall) bool {
		return o.cfg.MaxGapSeconds > 0 && util.MaxGap(c.req.Timestamps) > o.cfg.MaxGapSeconds
	}},
	{ReasonBreakerOpen, func(o *Orchestrator, c *forecastCall) bool {
		return o.breaker.State() == breaker.StateOpen
	}},
	{ReasonDegraded, func(o *Orchestrator, c *forecastCall) bool {
		return o.degraded.Load()
	}},
}

// Forecast serves one request. Only ErrValidation-wrapped errors and caller
// cancellation are returned; backend trouble always yields a response.
func (o *Orchestrator) Forecast(ctx context.Context, req models.ForecastRequest) (*models.ForecastResponse, error) {
	start := o.nowFunc()

	call, err := o.prepare(req)
	if err != nil {
		o.metrics.IncRequest(stageOf(req), OutcomeInvalid)
		return nil, err
	}

	if call.key != "" {
		if hit, ok := o.cache.Get(ctx, call.key); ok {
			hit.Meta.CacheHit = true
			hit.Meta.CacheStale = false
			hit.Meta.CircuitBreakerState = string(o.breaker.State())
			hit.Meta.DegradationState = o.degradationLabel()
			hit.Meta.LatencyMS = msSince(start, o.nowFunc())
			o.metrics.IncCacheHit()
			o.metrics.IncRequest(call.stage, OutcomeCacheHit)
			o.metrics.ObserveLatency(o.nowFunc().Sub(start).Seconds())
			return hit, nil
		}
	}

	reason := o.shortCircuit(call)

	var (
		paths  map[float64][]float64
		result domsvc.AdapterResult
	)
	if reason == "" {
		var failure string
		result, failure, err = o.callBackend(ctx, call)
		if err != nil {
			o.metrics.IncRequest(call.stage, OutcomeCanceled)
			return nil, err
		}
		if failure == "" {
			paths = result.Paths
		} else {
			reason = failure
			if stale := o.serveStale(ctx, call, failure, start); stale != nil {
				return stale, nil
			}
		}
	}

	runtime := models.RuntimeBackend
	if paths == nil {
		runtime = models.RuntimeBaseline
		paths, err = o.baselinePaths(call)
		if err != nil {
			o.metrics.IncRequest(call.stage, OutcomeError)
			if o.l != nil {
				o.l.Error("baseline forecast failed", logger.String("market_id", req.MarketID), logger.Error(err))
			}
			return nil, fmt.Errorf("baseline forecast: %w", err)
		}
	} else if call.useLogit {
		paths = toProbability(paths)
	}

	repaired := quantile.Repair(paths, o.cfg.Repair)
	o.metrics.AddQuantileCrossing(repaired.CrossingSteps)
	if repaired.InvalidValues > 0 {
		o.metrics.IncInvalidOutput()
	}
	call.warnings = append(call.warnings, repaired.Warnings...)

	resp := o.buildResponse(call, repaired.Paths, runtime, reason, result)
	resp.ConformalLastStep = o.conformalLastStep(repaired.Paths)

	resp.Meta.LatencyMS = msSince(start, o.nowFunc())
	o.metrics.ObserveLatency(o.nowFunc().Sub(start).Seconds())

	if call.key != "" {
		o.cache.Put(ctx, call.key, resp, o.cfg.CacheTTL)
	}
	o.emit(call, resp, reason)
	o.publish(ctx, call.req, resp)

	o.metrics.ObserveCycleTime(o.nowFunc().Sub(start).Seconds())
	return resp, nil
}

// prepare validates the request and normalizes quantiles and defaults.
func (o *Orchestrator) prepare(req models.ForecastRequest) (*forecastCall, error) {
	if req.MarketID == "" {
		return nil, fmt.Errorf("%w: market_id is required", ErrValidation)
	}
	if len(req.Y) == 0 {
		return nil, fmt.Errorf("%w: y must not be empty", ErrValidation)
	}
	if !util.AllFinite(req.Y) {
		return nil, fmt.Errorf("%w: y contains non-finite values", ErrValidation)
	}
	if req.HorizonSteps <= 0 {
		return nil, fmt.Errorf("%w: horizon_steps must be positive", ErrValidation)
	}
	if len(req.Timestamps) > 0 && len(req.Timestamps) != len(req.Y) {
		return nil, fmt.Errorf("%w: timestamps length %d does not match y length %d", ErrValidation, len(req.Timestamps), len(req.Y))
	}
	for name, xs := range req.Covariates {
		if !util.AllFinite(xs) {
			return nil, fmt.Errorf("%w: covariate %q contains non-finite values", ErrValidation, name)
		}
	}
	step, err := util.StepSeconds(req.Freq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch req.Transform.Space {
	case "":
		req.Transform.Space = models.SpaceIdentity
	case models.SpaceIdentity, models.SpaceLogit:
	default:
		return nil, fmt.Errorf("%w: unknown transform space %q", ErrValidation, req.Transform.Space)
	}
	if req.Transform.Eps <= 0 {
		req.Transform.Eps = 1e-6
	}

	c := &forecastCall{stage: stageOf(req), stepSeconds: step, useLogit: req.Transform.Space == models.SpaceLogit}
	req.Quantiles, c.warnings = normalizeQuantiles(req.Quantiles)
	c.req = req

	key, err := cache.Key(req)
	if err != nil {
		if o.l != nil {
			o.l.Warn("forecast cache key failed", logger.String("market_id", req.MarketID), logger.Error(err))
		}
	}
	c.key = key
	return c, nil
}

func (o *Orchestrator) shortCircuit(c *forecastCall) string {
	for _, rule := range fallbackRules {
		if rule.applies(o, c) {
			return rule.reason
		}
	}
	return ""
}

// callBackend runs one breaker-gated adapter call. It returns the failure
// reason on backend trouble and an error only when the caller went away.
func (o *Orchestrator) callBackend(ctx context.Context, c *forecastCall) (domsvc.AdapterResult, string, error) {
	permit, _ := o.breaker.Allow()
	if !permit.Allowed {
		return domsvc.AdapterResult{}, ReasonBreakerOpen, nil
	}

	series := c.req.Y
	if c.useLogit {
		series = make([]float64, len(c.req.Y))
		for i, v := range c.req.Y {
			series[i] = util.Logit(v, c.req.Transform.Eps)
		}
	}
	res, err := o.adapter.Forecast(ctx, domsvc.AdapterRequest{
		Series:       series,
		HorizonSteps: c.req.HorizonSteps,
		Freq:         c.req.Freq,
		Quantiles:    c.req.Quantiles,
		ModelName:    c.req.Model.ModelName,
		ModelVersion: c.req.Model.ModelVersion,
		Covariates:   c.req.Covariates,
		Params:       c.req.Model.Params,
	})
	if err != nil {
		if ctx.Err() != nil {
			o.breaker.Release(permit)
			return domsvc.AdapterResult{}, "", fmt.Errorf("forecast canceled: %w", ctx.Err())
		}
		o.breaker.Record(permit, false)
		return domsvc.AdapterResult{}, ReasonBackendErrorPrefix + err.Error(), nil
	}

	for _, q := range c.req.Quantiles {
		if len(res.Paths[q]) != c.req.HorizonSteps {
			o.breaker.Record(permit, false)
			o.metrics.IncInvalidOutput()
			c.warnings = append(c.warnings, WarnHorizonMismatch)
			return domsvc.AdapterResult{}, ReasonHorizonMismatch, nil
		}
	}
	o.breaker.Record(permit, true)
	return res, "", nil
}

// serveStale returns the last stored response for the key, marked stale, or
// nil when there is none. Stale responses are not stored again.
func (o *Orchestrator) serveStale(ctx context.Context, c *forecastCall, failure string, start time.Time) *models.ForecastResponse {
	if c.key == "" {
		return nil
	}
	stale, ok := o.cache.GetStale(ctx, c.key)
	if !ok {
		return nil
	}
	reason := ReasonStaleIfError
	stale.Meta.CacheHit = false
	stale.Meta.CacheStale = true
	stale.Meta.FallbackUsed = true
	stale.Meta.FallbackReason = &reason
	stale.Meta.CircuitBreakerState = string(o.breaker.State())
	stale.Meta.DegradationState = o.degradationLabel()
	stale.Meta.Warnings = appendUnique(stale.Meta.Warnings, c.warnings...)
	stale.Meta.Warnings = appendUnique(stale.Meta.Warnings, WarnBackendError)
	stale.Meta.LatencyMS = msSince(start, o.nowFunc())

	o.metrics.IncFallback(ReasonStaleIfError)
	o.metrics.IncRequest(c.stage, OutcomeStale)
	o.metrics.ObserveLatency(o.nowFunc().Sub(start).Seconds())
	o.metrics.ObserveCycleTime(o.nowFunc().Sub(start).Seconds())
	if o.l != nil {
		o.l.Warn("serving stale forecast",
			logger.String("market_id", c.req.MarketID),
			logger.String("backend_failure", failure),
		)
	}
	return stale
}

func (o *Orchestrator) baselinePaths(c *forecastCall) (map[float64][]float64, error) {
	band, err := o.baseline.Band(c.req.Y, c.req.HorizonSteps, c.stepSeconds, o.cfg.BaselineMethod, c.useLogit, c.req.Transform.Eps)
	if err != nil {
		return nil, err
	}
	all := baseline.Replicate(band, c.req.HorizonSteps)
	paths := make(map[float64][]float64, len(c.req.Quantiles))
	for _, q := range c.req.Quantiles {
		paths[q] = all[q]
	}
	return paths, nil
}

func (o *Orchestrator) buildResponse(c *forecastCall, paths map[float64][]float64, runtime, reason string, res domsvc.AdapterResult) *models.ForecastResponse {
	resp := &models.ForecastResponse{
		MarketID:     c.req.MarketID,
		AsOfTS:       c.req.AsOfTS,
		Freq:         c.req.Freq,
		HorizonSteps: c.req.HorizonSteps,
		Quantiles:    append([]float64(nil), c.req.Quantiles...),
		YhatQ:        make(map[string][]float64, len(paths)),
		Meta: models.Meta{
			Runtime:             runtime,
			FallbackUsed:        reason != "",
			CircuitBreakerState: string(o.breaker.State()),
			DegradationState:    o.degradationLabel(),
			Warnings:            appendUnique(nil, c.warnings...),
			InputLength:         len(c.req.Y),
			TransformSpace:      c.req.Transform.Space,
		},
	}
	if resp.Meta.Warnings == nil {
		resp.Meta.Warnings = []string{}
	}
	for q, p := range paths {
		resp.YhatQ[models.QuantileKey(q)] = p
	}
	if reason != "" {
		r := reason
		resp.Meta.FallbackReason = &r
	}
	if runtime == models.RuntimeBackend {
		resp.Meta.ModelName = res.ModelName
		resp.Meta.ModelVersion = res.ModelVersion
		if resp.Meta.ModelName == "" {
			resp.Meta.ModelName = c.req.Model.ModelName
		}
	} else {
		resp.Meta.ModelName = models.RuntimeBaseline
		resp.Meta.ModelVersion = o.cfg.BaselineMethod
	}
	return resp
}

// conformalLastStep applies the active adjustment to the final step. It
// needs both the 0.1 and 0.9 paths.
func (o *Orchestrator) conformalLastStep(paths map[float64][]float64) *models.Band {
	adj := o.adjustment.Load()
	if adj == nil {
		return nil
	}
	lo, hi := paths[models.Q10], paths[models.Q90]
	if len(lo) == 0 || len(hi) == 0 {
		return nil
	}
	last := len(lo) - 1
	band := models.Band{Q10: lo[last], Q90: hi[last]}
	if mid := paths[models.Q50]; len(mid) > 0 {
		m := mid[last]
		band.Q50 = &m
	}
	out := calibration.Apply(band, *adj, 0, 1)
	return &out
}

func (o *Orchestrator) emit(c *forecastCall, resp *models.ForecastResponse, reason string) {
	outcome := OutcomeBackend
	if reason != "" {
		outcome = OutcomeFallback
		o.metrics.IncFallback(fallbackLabel(reason))
		if o.l != nil {
			o.l.Info("forecast fallback",
				logger.String("market_id", c.req.MarketID),
				logger.String("reason", reason),
			)
		}
	}
	o.metrics.IncRequest(c.stage, outcome)

	lo, hi := resp.Path(models.Q10), resp.Path(models.Q90)
	if len(lo) > 0 && len(hi) > 0 {
		o.metrics.SetIntervalWidth(bucketLabel(c.req.LiquidityBucket), hi[len(hi)-1]-lo[len(lo)-1])
	}
}

// publish hands a copy of resp to the sink without blocking the caller.
func (o *Orchestrator) publish(ctx context.Context, req models.ForecastRequest, resp *models.ForecastResponse) {
	if o.sink == nil {
		return
	}
	cp := resp.Clone()
	o.sinkWG.Add(1)
	go func() {
		defer o.sinkWG.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SinkTimeout)
		defer cancel()
		if err := o.sink.Write(sctx, req, cp); err != nil && o.l != nil {
			o.l.Warn("forecast sink write failed", logger.String("market_id", req.MarketID), logger.Error(err))
		}
	}()
}

func (o *Orchestrator) degradationLabel() string {
	if o.degraded.Load() {
		return DegradationBaselineOnly
	}
	return DegradationNormal
}

// normalizeQuantiles returns the sorted, de-duplicated request levels, or
// the default set when any level is unsupported.
func normalizeQuantiles(qs []float64) ([]float64, []string) {
	if len(qs) == 0 {
		return models.DefaultQuantiles(), nil
	}
	seen := make(map[float64]struct{}, len(qs))
	out := make([]float64, 0, len(qs))
	for _, q := range qs {
		if !models.IsSupportedQuantile(q) {
			return models.DefaultQuantiles(), []string{WarnUnsupportedQuantiles}
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	sort.Float64s(out)
	return out, nil
}

func toProbability(paths map[float64][]float64) map[float64][]float64 {
	out := make(map[float64][]float64, len(paths))
	for q, p := range paths {
		conv := make([]float64, len(p))
		for i, v := range p {
			conv[i] = util.Sigmoid(v)
		}
		out[q] = conv
	}
	return out
}

// fallbackLabel keeps backend error details out of metric labels.
func fallbackLabel(reason string) string {
	if len(reason) > len(ReasonBackendErrorPrefix) && reason[:len(ReasonBackendErrorPrefix)] == ReasonBackendErrorPrefix {
		return "tollama_error"
	}
	return reason
}

func stageOf(req models.ForecastRequest) string {
	if req.RolloutStage == "" {
		return defaultStage
	}
	return req.RolloutStage
}

func bucketLabel(b string) string {
	if b == "" {
		return "all"
	}
	return b
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		dup := false
		for _, d := range dst {
			if d == it {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, it)
		}
	}
	return dst
}

func msSince(start, now time.Time) float64 {
	return float64(now.Sub(start)) / float64(time.Millisecond)
}
