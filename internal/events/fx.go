package events

import (
	"context"

	"github.com/coursivo/tally/internal/config"
	eventskafka "github.com/coursivo/tally/internal/events/kafka"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Invoke(runPublisher),
)

func runPublisher(lc fx.Lifecycle, cfg config.Config, db *gorm.DB, log *zap.Logger) {
	if !cfg.EventsEnabled() {
		log.Info("kafka outbox publisher disabled: no brokers configured")
		return
	}

	publisher := eventskafka.NewPublisher(db, log, eventskafka.Config{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaTopic,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go publisher.RunForever(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return publisher.Close()
		},
	})
}
