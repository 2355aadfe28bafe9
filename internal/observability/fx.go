package observability

import (
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/observability/metrics"
	"github.com/coursivo/tally/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(func(cfg config.Config) metrics.Config {
		return metrics.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
		}
	}),
	fx.Provide(func(cfg metrics.Config) *metrics.LedgerMetrics {
		return metrics.LedgerWithConfig(cfg)
	}),
	fx.Provide(metrics.HTTP),
	fx.Provide(func(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*sdktrace.TracerProvider, error) {
		return tracing.NewProvider(lc, tracing.Config{
			Enabled:          cfg.TracingEnabled,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.TracingEndpoint,
			ExporterProtocol: cfg.TracingProtocol,
			SamplingRatio:    cfg.TracingSampling,
		}, log)
	}),
)
