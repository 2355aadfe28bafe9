package snapshot

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/coursivo/tally/internal/account/domain"
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Worker takes scheduled snapshots for accounts whose latest snapshot
// is older than the configured interval.
type Worker struct {
	db        *gorm.DB
	log       *zap.Logger
	service   *Service
	metrics   *metrics.LedgerMetrics
	interval  time.Duration
	poll      time.Duration
	batchSize int
}

func NewWorker(db *gorm.DB, log *zap.Logger, service *Service, m *metrics.LedgerMetrics, cfg config.Config) *Worker {
	return &Worker{
		db:        db,
		log:       log.Named("snapshot.worker"),
		service:   service,
		metrics:   m,
		interval:  cfg.SnapshotInterval,
		poll:      cfg.SnapshotPollInterval,
		batchSize: cfg.SnapshotBatchSize,
	}
}

// RunForever polls until the context is canceled.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.log.Info("snapshot worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("poll", w.poll),
	)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("snapshot worker stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.log.Error("snapshot sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce snapshots one batch of overdue accounts.
func (w *Worker) RunOnce(ctx context.Context) error {
	due, backlog, err := w.findDue(ctx)
	if err != nil {
		return err
	}
	w.metrics.SetSnapshotBacklog(backlog)
	if len(due) == 0 {
		return nil
	}

	taken := 0
	for _, accountID := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.service.Take(ctx, accountID, time.Time{}, accountdomain.SnapshotReasonScheduled); err != nil {
			w.log.Warn("scheduled snapshot failed",
				zap.Int64("account_id", int64(accountID)),
				zap.Error(err),
			)
			continue
		}
		taken++
	}

	w.log.Info("snapshot sweep complete",
		zap.Int("due", len(due)),
		zap.Int("taken", taken),
	)
	return nil
}

// findDue lists active accounts with no snapshot newer than the
// interval, plus the total backlog count for the gauge.
func (w *Worker) findDue(ctx context.Context) ([]snowflake.ID, int, error) {
	cutoff := time.Now().UTC().Add(-w.interval)

	const dueFilter = `
		FROM accounts a
		WHERE a.is_active = TRUE
		  AND NOT EXISTS (
			SELECT 1 FROM account_balance_snapshots s
			WHERE s.account_id = a.id
			  AND s.reason = 'scheduled'
			  AND s.as_of > ?
		  )`

	var backlog int
	if err := w.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)`+dueFilter, cutoff,
	).Scan(&backlog).Error; err != nil {
		return nil, 0, err
	}

	var due []snowflake.ID
	if err := w.db.WithContext(ctx).Raw(
		`SELECT a.id`+dueFilter+` ORDER BY a.id LIMIT ?`, cutoff, w.batchSize,
	).Scan(&due).Error; err != nil {
		return nil, 0, err
	}
	return due, backlog, nil
}
