//go:build wireinject
// +build wireinject

package di

import (
	"QuantServe/pkg/config"
	"QuantServe/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
    wire.Build(
        // Observability
        ProvideLogger,
        ProvideRecorder,
        ProvideRegistry,

		// Infrastructure clients
		ProvideCacheStore,
		ProvideClickHouseClient,
		ProvideKafkaProducer,

		// Forecast pipeline
		ProvideForecastCache,
		ProvideBreaker,
		ProvideAdapter,
		ProvideBaseline,
		ProvideForecastSink,
		ProvideInitialAdjustment,
		ProvideOrchestrator,

        // Transport
        ProvideKafkaConsumer,
        ProvideRateLimiter,
        ProvideHTTPServer,

        // Application server
        ProvideApp,
    )
    return &server.App{}, nil
}
