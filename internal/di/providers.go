package di

import (
    "context"
    "errors"
    "fmt"
    "os"
    "time"

    "QuantServe/internal/domain/models"
    domrepo "QuantServe/internal/domain/repository"
    domsvc "QuantServe/internal/domain/service"
    "QuantServe/internal/handler/api"
    internalrepo "QuantServe/internal/repository"
    "QuantServe/internal/service/breaker"
    "QuantServe/internal/service/cache"
    "QuantServe/internal/service/metrics"
    "QuantServe/internal/service/ratelimit"
    "QuantServe/internal/services/baseline"
    "QuantServe/internal/services/calibration"
    "QuantServe/internal/services/quantile"
    "QuantServe/internal/services/tollama"
    "QuantServe/internal/usecase"
    pkgcache "QuantServe/pkg/cache"
    pkgch "QuantServe/pkg/clickhouse"
    "QuantServe/pkg/config"
    xhttp "QuantServe/pkg/http"
    pkgkafka "QuantServe/pkg/kafka"
    applogger "QuantServe/pkg/logger"
    pkgmetrics "QuantServe/pkg/metrics"
    "QuantServe/pkg/server"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/segmentio/kafka-go"
)

// ProvideLogger builds the process logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	return applogger.New(&applogger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

// ProvideRecorder creates the Prometheus recorder for backend calls and sinks.
func ProvideRecorder() *pkgmetrics.Recorder {
	return pkgmetrics.New()
}

// ProvideRegistry creates the forecast metrics registry served on /metrics.
func ProvideRegistry() *metrics.Registry {
	return metrics.NewRegistry()
}

// ProvideCacheStore selects the response store: in-process LRU, Redis, or
// Redis fronted by a short-lived in-process tier.
func ProvideCacheStore(cfg *config.Config) (pkgcache.Service, error) {
	switch cfg.Cache.Backend {
	case "redis", "layered":
		rc := cfg.Cache.Redis
		remote, err := pkgcache.NewRedisCache(pkgcache.WithRedisConfig(pkgcache.RedisConfig{
			Host:     rc.Host,
			Port:     rc.Port,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		}))
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		if cfg.Cache.Backend == "redis" {
			return remote, nil
		}
		return pkgcache.NewLayeredCache(remote,
			pkgcache.WithLayeredMemorySize(cfg.Cache.MaxEntries),
			pkgcache.WithLayeredMemoryTTL(cfg.Cache.L1TTL),
		), nil
	default:
		return pkgcache.NewMemoryCache(
			pkgcache.WithMemoryMaxSize(cfg.Cache.MaxEntries),
			pkgcache.WithMemoryCleanup(cfg.Cache.CleanupInterval),
		), nil
	}
}

// ProvideForecastCache wraps the store with freshness and stale retention.
func ProvideForecastCache(store pkgcache.Service, cfg *config.Config, l *applogger.Logger) *cache.ForecastCache {
	return cache.New(store,
		cache.WithStaleRetention(cfg.Forecast.StaleRetention),
		cache.WithLogger(l),
	)
}

// ProvideBreaker creates the backend circuit breaker.
func ProvideBreaker(cfg *config.Config, reg *metrics.Registry, l *applogger.Logger) *breaker.Breaker {
	bc := cfg.Breaker
	return breaker.New(breaker.Config{
		WindowSeconds:            bc.WindowSeconds,
		MinRequests:              bc.MinRequests,
		FailureRateToOpen:        bc.FailureRateToOpen,
		CooldownSeconds:          bc.CooldownSeconds,
		HalfOpenProbeRequests:    bc.HalfOpenProbeRequests,
		HalfOpenSuccessesToClose: bc.HalfOpenSuccessesToClose,
	}, breaker.WithOnOpen(reg.IncBreakerOpen), breaker.WithLogger(l))
}

// ProvideAdapter creates the Tollama backend client.
func ProvideAdapter(cfg *config.Config, l *applogger.Logger, rec *pkgmetrics.Recorder) domsvc.AdapterClient {
	return tollama.NewClient(tollama.Config{
		BaseURL: cfg.Tollama.BaseURL,
		Path:    cfg.Tollama.Path,
		Timeout: cfg.Tollama.Timeout,
		Retries: cfg.Tollama.Retries,
	}, tollama.WithLogger(l), tollama.WithRecorder(rec))
}

// ProvideBaseline creates the statistical fallback forecaster.
func ProvideBaseline(cfg *config.Config) domsvc.BaselineForecaster {
	return &baseline.Forecaster{RollingWindow: cfg.Forecast.RollingWindow}
}

// ProvideClickHouseClient connects to ClickHouse when enabled. A nil client
// means the forecast log is off.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	ch := cfg.ClickHouse
	client, err := pkgch.NewClient(context.Background(),
		pkgch.WithHost(ch.Host),
		pkgch.WithPort(ch.Port),
		pkgch.WithDatabase(ch.Database),
		pkgch.WithCredentials(ch.User, ch.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(ch.UseHTTP),
		pkgch.WithAsyncInsert(ch.AsyncInsert, ch.WaitForAsync),
		pkgch.WithTimeouts(ch.DialTimeout, ch.ReadTimeout, ch.WriteTimeout),
		pkgch.WithMaxExecutionTime(ch.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideKafkaProducer creates the producer used for forecast events. Nil
// when Kafka is disabled or no forecasts topic is configured.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled || cfg.Kafka.ForecastsTopic == "" {
		return nil, nil
	}
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithBatchSize(p.BatchSize),
		pkgkafka.WithBatchTimeout(p.BatchTimeout),
		pkgkafka.WithTimeouts(p.WriteTimeout, p.WriteTimeout),
		pkgkafka.WithMaxAttempts(p.MaxAttempts),
		pkgkafka.WithAsync(p.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideForecastSink fans fresh responses out to every enabled sink. Nil
// when none is enabled.
func ProvideForecastSink(
	cfg *config.Config,
	ch *pkgch.Client,
	producer *pkgkafka.Producer,
	rec *pkgmetrics.Recorder,
	l *applogger.Logger,
) (domrepo.ForecastSink, error) {
	fan := internalrepo.NewFanoutSink(rec)
	if ch != nil {
		chLog := internalrepo.NewCHForecastLog(ch, cfg.ClickHouse.Table)
		chLog.SetLogger(l)
		if cfg.ClickHouse.InitSchema {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := ch.InitSchema(ctx, chLog.Schema())
			cancel()
			if err != nil {
				return nil, fmt.Errorf("clickhouse schema: %w", err)
			}
		}
		fan.Add("clickhouse", chLog)
	}
	if producer != nil {
		fan.Add("kafka", internalrepo.NewKafkaForecastPublisher(producer, cfg.Kafka.ForecastsTopic))
	}
	if fan.Len() == 0 {
		return nil, nil
	}
	return fan, nil
}

// ProvideInitialAdjustment loads the conformal adjustment file, if any.
func ProvideInitialAdjustment(cfg *config.Config, l *applogger.Logger) (*models.ConformalAdjustment, error) {
	path := cfg.Conformal.AdjustmentPath
	if path == "" {
		return nil, nil
	}
	adj, err := calibration.LoadAdjustment(path)
	if errors.Is(err, os.ErrNotExist) {
		l.Warn("conformal adjustment file missing, serving uncalibrated", applogger.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if adj.Bucket == "" {
		adj.Bucket = cfg.Conformal.Bucket
	}
	l.Info("conformal adjustment loaded",
		applogger.String("path", path),
		applogger.Float64("width_scale", adj.WidthScale),
		applogger.Int("sample_size", adj.SampleSize))
	return &adj, nil
}

// ProvideOrchestrator assembles the forecast use case.
func ProvideOrchestrator(
	cfg *config.Config,
	adapter domsvc.AdapterClient,
	base domsvc.BaselineForecaster,
	br *breaker.Breaker,
	fc *cache.ForecastCache,
	reg *metrics.Registry,
	sink domrepo.ForecastSink,
	adj *models.ConformalAdjustment,
	l *applogger.Logger,
) *usecase.Orchestrator {
	f := cfg.Forecast
	opts := []usecase.Option{usecase.WithLogger(l)}
	if sink != nil {
		opts = append(opts, usecase.WithSink(sink))
	}
	if adj != nil {
		opts = append(opts, usecase.WithAdjustment(adj))
	}
	return usecase.NewOrchestrator(usecase.ForecastConfig{
		MinPointsForBackend: f.MinPointsForBackend,
		BaselineOnlyBuckets: f.BaselineOnlyBuckets,
		MaxGapSeconds:       f.MaxGapSeconds,
		CacheTTL:            f.CacheTTL,
		BaselineMethod:      f.BaselineMethod,
		Repair: quantile.Config{
			MinIntervalWidth: cfg.Repair.MinIntervalWidth,
			MaxIntervalWidth: cfg.Repair.MaxIntervalWidth,
		},
		Degraded:    f.Degraded,
		SinkTimeout: f.SinkTimeout,
	}, adapter, base, br, fc, reg, opts...)
}

// ProvideKafkaConsumer subscribes the orchestrator to adjustment updates.
// Nil when Kafka is disabled.
func ProvideKafkaConsumer(
	cfg *config.Config,
	orch *usecase.Orchestrator,
	rec *pkgmetrics.Recorder,
	l *applogger.Logger,
) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || cfg.Kafka.AdjustmentsTopic == "" {
		return nil, nil
	}
	cc := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cc.GroupID),
		pkgkafka.WithConsumerWorkers(cc.Workers),
		pkgkafka.WithConsumerRetry(cc.RetryMax, cc.BackoffMin, cc.BackoffMax),
		pkgkafka.WithConsumerDLQ(cc.DLQTopic),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.HookFuncs{
		Err: func(_ context.Context, topic string, _ kafka.Message, _ []byte, _ error) {
			rec.RecordError("kafka_handle_" + topic)
		},
	})
	consumer.RegisterHandler(usecase.NewKafkaAdjustmentHandler(cfg.Kafka.AdjustmentsTopic, orch, rec, l))
	return consumer, nil
}

// ProvideRateLimiter creates the per-client limiter. Zero rps disables it.
func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
}

// ProvideHTTPServer registers the forecast and admin routes on Echo.
func ProvideHTTPServer(
	cfg *config.Config,
	orch *usecase.Orchestrator,
	reg *metrics.Registry,
	limiter *ratelimit.Limiter,
	l *applogger.Logger,
) *xhttp.Server {
	handlers := xhttp.Handlers{
		api.NewForecastEchoHandler(l, orch, reg, prometheus.DefaultGatherer),
		api.NewAdminEchoHandler(l, orch, cfg.Server.AdminToken),
	}
	return xhttp.NewServer(handlers,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithBodyLimit(cfg.Server.BodyLimit),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithRateLimiter(limiter),
		xhttp.WithRegisterer(prometheus.DefaultRegisterer),
		xhttp.WithLogger(l),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
    cfg *config.Config,
    l *applogger.Logger,
    srv *xhttp.Server,
    orch *usecase.Orchestrator,
    consumer *pkgkafka.Consumer,
    sink domrepo.ForecastSink,
    fc *cache.ForecastCache,
    ch *pkgch.Client,
) *server.App {
    app := server.New(cfg, l, srv, orch, consumer)
    // close order: sinks drain first, then the stores they write to
    if sink != nil {
        app.AddCloser("forecast sink", sink)
    }
    app.AddCloser("forecast cache", fc)
    if ch != nil {
        app.AddCloser("clickhouse", ch)
    }
    return app
}
