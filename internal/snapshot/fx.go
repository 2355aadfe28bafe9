package snapshot

import (
	"context"

	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("snapshot",
	fx.Provide(NewService),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, db *gorm.DB, log *zap.Logger, service *Service, cfg config.Config, m *metrics.LedgerMetrics) {
	worker := NewWorker(db, log, service, m, cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go worker.RunForever(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
