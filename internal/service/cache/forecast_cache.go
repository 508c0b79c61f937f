package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"QuantServe/internal/domain/models"
	pkgcache "QuantServe/pkg/cache"
	"QuantServe/pkg/logger"
)

// Entry is what the store holds for one key.
type Entry struct {
	Response  *models.ForecastResponse `json:"response"`
	CreatedAt time.Time                `json:"created_at"`
	TTL       time.Duration            `json:"ttl"`
}

type Option func(*ForecastCache)

func WithClock(now func() time.Time) Option {
	return func(c *ForecastCache) { c.nowFunc = now }
}

// WithStaleRetention keeps entries in the store for ttl+d so they remain
// available to GetStale. Zero keeps them until overwritten or evicted.
func WithStaleRetention(d time.Duration) Option {
	return func(c *ForecastCache) { c.staleRetention = d }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *ForecastCache) { c.l = l }
}

// ForecastCache adds freshness and stale-if-error semantics on top of a
// pkg/cache store. Store values are encoded on write and decoded on read, so
// every returned response is a private copy.
type ForecastCache struct {
	store          pkgcache.Service
	staleRetention time.Duration
	nowFunc        func() time.Time
	l              *logger.Logger
}

func New(store pkgcache.Service, opts ...Option) *ForecastCache {
	c := &ForecastCache{store: store, nowFunc: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a response only while now - created_at < ttl.
func (c *ForecastCache) Get(ctx context.Context, key string) (*models.ForecastResponse, bool) {
	e, ok := c.load(ctx, key)
	if !ok {
		return nil, false
	}
	if c.nowFunc().Sub(e.CreatedAt) >= e.TTL {
		return nil, false
	}
	return e.Response, true
}

// GetStale returns whatever entry is stored for key, fresh or expired.
func (c *ForecastCache) GetStale(ctx context.Context, key string) (*models.ForecastResponse, bool) {
	e, ok := c.load(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Response, true
}

// Put stores a copy of resp. Store errors are logged and swallowed.
func (c *ForecastCache) Put(ctx context.Context, key string, resp *models.ForecastResponse, ttl time.Duration) {
	if resp == nil || ttl <= 0 {
		return
	}
	var expiration time.Duration
	if c.staleRetention > 0 {
		expiration = ttl + c.staleRetention
	}
	e := Entry{Response: resp, CreatedAt: c.nowFunc(), TTL: ttl}
	if err := c.store.Set(ctx, key, e, expiration); err != nil && c.l != nil {
		c.l.Warn("forecast cache put failed", logger.String("key", key), logger.Error(err))
	}
}

func (c *ForecastCache) Close() error { return c.store.Close() }

func (c *ForecastCache) load(ctx context.Context, key string) (Entry, bool) {
	var e Entry
	if err := c.store.Get(ctx, key, &e); err != nil {
		if !errors.Is(err, pkgcache.ErrCacheMiss) && c.l != nil {
			c.l.Warn("forecast cache get failed", logger.String("key", key), logger.Error(err))
		}
		return Entry{}, false
	}
	if e.Response == nil {
		return Entry{}, false
	}
	return e, true
}

type keyFields struct {
	MarketID        string                `json:"market_id"`
	AsOfTS          string                `json:"as_of_ts"`
	Freq            string                `json:"freq"`
	HorizonSteps    int                   `json:"horizon_steps"`
	Quantiles       []float64             `json:"quantiles"`
	Y               []float64             `json:"y"`
	Timestamps      []int64               `json:"timestamps,omitempty"`
	Covariates      []covariate           `json:"x_past,omitempty"`
	Transform       models.Transform      `json:"transform"`
	Model           models.ModelSelection `json:"model"`
	LiquidityBucket string                `json:"liquidity_bucket"`
}

type covariate struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Key hashes every forecast-affecting field of req. Quantiles must already
// be normalized by the caller. Rollout stage is excluded.
func Key(req models.ForecastRequest) (string, error) {
	kf := keyFields{
		MarketID:        req.MarketID,
		AsOfTS:          req.AsOfTS,
		Freq:            req.Freq,
		HorizonSteps:    req.HorizonSteps,
		Quantiles:       req.Quantiles,
		Y:               req.Y,
		Timestamps:      req.Timestamps,
		Transform:       req.Transform,
		Model:           req.Model,
		LiquidityBucket: req.LiquidityBucket,
	}
	names := make([]string, 0, len(req.Covariates))
	for name := range req.Covariates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kf.Covariates = append(kf.Covariates, covariate{Name: name, Values: req.Covariates[name]})
	}
	// encoding/json sorts map keys, so Model.Params is canonical too
	raw, err := json.Marshal(kf)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	return pkgcache.GenerateKey("forecast", pkgcache.HashKey(raw)), nil
}
