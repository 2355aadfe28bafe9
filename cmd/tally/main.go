package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/coursivo/tally/internal/account"
	"github.com/coursivo/tally/internal/attribution"
	"github.com/coursivo/tally/internal/audit"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/events"
	"github.com/coursivo/tally/internal/ledger"
	"github.com/coursivo/tally/internal/migration"
	"github.com/coursivo/tally/internal/observability"
	"github.com/coursivo/tally/internal/observability/logger"
	"github.com/coursivo/tally/internal/order"
	"github.com/coursivo/tally/internal/seed"
	"github.com/coursivo/tally/internal/server"
	"github.com/coursivo/tally/internal/snapshot"
	"github.com/coursivo/tally/internal/tax"
	"github.com/coursivo/tally/internal/txcontext"
	"github.com/coursivo/tally/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(1)
		}),
		db.Module,
		fx.Invoke(func(conn *gorm.DB, node *snowflake.Node, cfg config.Config, log *zap.Logger) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			return seed.EnsurePlatformOrg(conn, node, cfg, log)
		}),
		observability.Module,
		events.Module,
		account.Module,
		ledger.Module,
		snapshot.Module,
		tax.Module,
		attribution.Module,
		txcontext.Module,
		audit.Module,
		order.Module,
		server.Module,
	)
	app.Run()
}
