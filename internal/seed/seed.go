package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/coursivo/tally/internal/apikey/domain"
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EnsurePlatformOrg seeds the platform organization on first start and,
// outside production, registers the bootstrap API key so a fresh
// install is usable without manual SQL.
func EnsurePlatformOrg(db *gorm.DB, node *snowflake.Node, cfg config.Config, log *zap.Logger) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orgID, err := ensurePlatformOrgTx(ctx, tx, node, cfg)
		if err != nil {
			return err
		}

		key := strings.TrimSpace(cfg.BootstrapAPIKey)
		if key == "" || cfg.IsProduction() {
			return nil
		}
		if err := ensureBootstrapKeyTx(ctx, tx, node, orgID, key); err != nil {
			return err
		}
		log.Info("bootstrap api key registered",
			zap.String("api_key", logger.MaskAPIKey(key)),
			zap.Int64("org_id", int64(orgID)),
		)
		return nil
	})
}

func ensurePlatformOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, cfg config.Config) (snowflake.ID, error) {
	name := strings.TrimSpace(cfg.BootstrapOrgName)
	if name == "" {
		name = "Platform"
	}

	var existing snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM organizations WHERE name = ? LIMIT 1`, name,
	).Scan(&existing).Error
	if err != nil {
		return 0, err
	}
	if existing != 0 {
		return existing, nil
	}

	orgID := node.Generate()
	err = tx.WithContext(ctx).Exec(
		`INSERT INTO organizations (id, name, default_currency, created_at) VALUES (?, ?, 'USD', ?)`,
		orgID, name, time.Now().UTC(),
	).Error
	if err != nil {
		return 0, err
	}
	return orgID, nil
}

func ensureBootstrapKeyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID, key string) error {
	hash := apikeydomain.HashAPIKey(key)

	var existing snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM api_keys WHERE key_hash = ? LIMIT 1`, hash,
	).Scan(&existing).Error
	if err != nil {
		return err
	}
	if existing != 0 {
		return nil
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO api_keys (id, org_id, key_hash, name, is_active, created_at)
		 VALUES (?, ?, ?, 'bootstrap', TRUE, ?)`,
		node.Generate(), orgID, hash, time.Now().UTC(),
	).Error
}
