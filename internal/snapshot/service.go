package snapshot

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/coursivo/tally/internal/account/domain"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/events"
	"github.com/coursivo/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Accounts accountdomain.Repository
	Outbox   *events.Outbox
	Metrics  *metrics.LedgerMetrics `optional:"true"`
}

// Service writes immutable balance snapshots. Live snapshots copy the
// running balance; historical ones replay posted lines up to asOf.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	accounts accountdomain.Repository
	outbox   *events.Outbox
	metrics  *metrics.LedgerMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("snapshot.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		accounts: p.Accounts,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
	}
}

// Take records a snapshot of an account balance. A zero asOf means
// "now" and reads the live balance; a past asOf replays history and
// the row is marked historical regardless of the requested reason.
func (s *Service) Take(ctx context.Context, accountID snowflake.ID, asOf time.Time, reason accountdomain.SnapshotReason) (*accountdomain.BalanceSnapshot, error) {
	account, err := s.accounts.Find(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var balance int64
	if asOf.IsZero() || !asOf.Before(now) {
		asOf = now
		balance = account.Magnitude()
	} else {
		reason = accountdomain.SnapshotReasonHistorical
		signed, err := s.replaySigned(ctx, accountID, asOf)
		if err != nil {
			return nil, err
		}
		balance = signed
		if balance < 0 {
			balance = -balance
		}
	}

	row := accountdomain.BalanceSnapshot{
		ID:            s.genID.Generate(),
		AccountID:     account.ID,
		OrgID:         account.OrgID,
		Currency:      account.Currency,
		Balance:       balance,
		NormalBalance: account.NormalBalance,
		Reason:        reason,
		AsOf:          asOf,
		CreatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}

	s.metrics.IncSnapshot(string(reason))
	if err := s.outbox.Publish(ctx, events.Event{
		OrgID: account.OrgID,
		Type:  events.EventBalanceSnapshotTaken,
		Payload: events.SnapshotTakenPayload{
			SnapshotID: row.ID.String(),
			AccountID:  account.ID.String(),
			Reason:     string(reason),
			AsOf:       asOf.UTC().Format(time.RFC3339),
		}.ToMap(),
		DedupeKey: "snapshot:" + row.ID.String(),
	}); err != nil {
		s.log.Warn("failed to enqueue snapshot event",
			zap.Int64("snapshot_id", int64(row.ID)),
			zap.Error(err),
		)
	}
	return &row, nil
}

// Latest returns the most recent snapshot for an account, or nil when
// none has been taken yet.
func (s *Service) Latest(ctx context.Context, accountID snowflake.ID) (*accountdomain.BalanceSnapshot, error) {
	var row accountdomain.BalanceSnapshot
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, account_id, org_id, currency, balance, normal_balance, reason, as_of, created_at
		 FROM account_balance_snapshots
		 WHERE account_id = ?
		 ORDER BY as_of DESC, id DESC
		 LIMIT 1`,
		accountID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Service) replaySigned(ctx context.Context, accountID snowflake.ID, asOf time.Time) (int64, error) {
	var signed int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE l.direction WHEN 'debit' THEN l.amount ELSE -l.amount END), 0)
		 FROM account_transaction_lines l
		 JOIN account_transactions t ON t.id = l.transaction_id
		 WHERE l.account_id = ? AND t.posted_at <= ?`,
		accountID,
		asOf,
	).Scan(&signed).Error
	return signed, err
}
