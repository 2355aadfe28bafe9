package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/coursivo/tally/internal/account/domain"
	accountrepo "github.com/coursivo/tally/internal/account/repository"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/events"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var snapshotTestSchema = []string{
	`CREATE TABLE accounts (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		member_id BIGINT,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		normal_balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		current_balance BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		is_system BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE account_transactions (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		number TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		business_entity_type TEXT,
		business_entity_id BIGINT,
		currency TEXT NOT NULL,
		total_amount BIGINT NOT NULL,
		posted_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE account_transaction_lines (
		id BIGINT PRIMARY KEY,
		transaction_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL,
		direction TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE account_balance_snapshots (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		org_id BIGINT NOT NULL,
		currency TEXT NOT NULL,
		balance BIGINT NOT NULL CHECK (balance >= 0),
		normal_balance TEXT NOT NULL,
		reason TEXT NOT NULL,
		as_of TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE ledger_events (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		dedupe_key TEXT,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (org_id, dedupe_key)
	)`,
}

func setupSnapshotDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:snapshot_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range snapshotTestSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestSnapshotService(t *testing.T, db *gorm.DB, clk clock.Clock) (*Service, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	service := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Accounts: accountrepo.New(node, clk),
		Outbox:   events.NewOutbox(db, node),
	})
	return service, node
}

func seedSnapshotAccount(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, balance int64) snowflake.ID {
	t.Helper()

	id := node.Generate()
	err := db.Exec(
		`INSERT INTO accounts (id, org_id, code, name, type, normal_balance, currency, current_balance, version, is_system, is_active)
		 VALUES (?, ?, 'accounts_receivable', 'Accounts Receivable', 'asset', 'debit', 'USD', ?, 0, FALSE, TRUE)`,
		id, orgID, balance,
	).Error
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func seedPosting(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID, accountID snowflake.ID, direction string, amount int64, postedAt time.Time) {
	t.Helper()

	txID := node.Generate()
	if err := db.Exec(
		`INSERT INTO account_transactions (id, org_id, number, idempotency_key, currency, total_amount, posted_at)
		 VALUES (?, ?, ?, ?, 'USD', ?, ?)`,
		txID, orgID, fmt.Sprintf("TX-%d", txID), fmt.Sprintf("seed:%d", txID), amount, postedAt,
	).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	if err := db.Exec(
		`INSERT INTO account_transaction_lines (id, transaction_id, account_id, direction, amount, currency)
		 VALUES (?, ?, ?, ?, ?, 'USD')`,
		node.Generate(), txID, accountID, direction, amount,
	).Error; err != nil {
		t.Fatalf("seed line: %v", err)
	}
}

func TestTakeLiveSnapshot(t *testing.T) {
	db := setupSnapshotDB(t)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	service, node := newTestSnapshotService(t, db, clock.FixedClock{At: now})
	orgID := node.Generate()
	accountID := seedSnapshotAccount(t, db, node, orgID, 7500)

	row, err := service.Take(context.Background(), accountID, time.Time{}, accountdomain.SnapshotReasonOnDemand)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if row.Balance != 7500 {
		t.Fatalf("balance = %d, want 7500", row.Balance)
	}
	if row.Reason != accountdomain.SnapshotReasonOnDemand {
		t.Fatalf("reason = %s, want on_demand", row.Reason)
	}
	if !row.AsOf.Equal(now) {
		t.Fatalf("as_of = %s, want %s", row.AsOf, now)
	}

	latest, err := service.Latest(context.Background(), accountID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != row.ID {
		t.Fatalf("latest = %+v, want snapshot %d", latest, row.ID)
	}
}

func TestTakeHistoricalSnapshotReplaysLines(t *testing.T) {
	db := setupSnapshotDB(t)
	now := time.Date(2026, 6, 20, 9, 0, 0, 0, time.UTC)
	service, node := newTestSnapshotService(t, db, clock.FixedClock{At: now})
	orgID := node.Generate()
	// Live balance reflects all three postings; the replay below must
	// only see the first two.
	accountID := seedSnapshotAccount(t, db, node, orgID, 1700)

	seedPosting(t, db, node, orgID, accountID, "debit", 1000, now.AddDate(0, 0, -15))
	seedPosting(t, db, node, orgID, accountID, "debit", 1000, now.AddDate(0, 0, -10))
	seedPosting(t, db, node, orgID, accountID, "credit", 300, now.AddDate(0, 0, -2))

	asOf := now.AddDate(0, 0, -5)
	row, err := service.Take(context.Background(), accountID, asOf, accountdomain.SnapshotReasonOnDemand)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if row.Balance != 2000 {
		t.Fatalf("historical balance = %d, want 2000", row.Balance)
	}
	if row.Reason != accountdomain.SnapshotReasonHistorical {
		t.Fatalf("reason = %s, want historical", row.Reason)
	}
	if !row.AsOf.Equal(asOf) {
		t.Fatalf("as_of = %s, want %s", row.AsOf, asOf)
	}
}

func TestWorkerSnapshotsOverdueAccounts(t *testing.T) {
	db := setupSnapshotDB(t)
	service, node := newTestSnapshotService(t, db, clock.SystemClock{})
	orgID := node.Generate()
	stale := seedSnapshotAccount(t, db, node, orgID, 100)
	fresh := seedSnapshotAccount(t, db, node, orgID, 200)

	// fresh already has a recent scheduled snapshot.
	if err := db.Exec(
		`INSERT INTO account_balance_snapshots (id, account_id, org_id, currency, balance, normal_balance, reason, as_of)
		 VALUES (?, ?, ?, 'USD', 200, 'debit', 'scheduled', ?)`,
		node.Generate(), fresh, orgID, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	worker := NewWorker(db, zap.NewNop(), service, nil, config.Config{
		SnapshotInterval:     24 * time.Hour,
		SnapshotPollInterval: time.Second,
		SnapshotBatchSize:    50,
	})
	if err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var staleCount int64
	if err := db.Raw(
		`SELECT COUNT(1) FROM account_balance_snapshots WHERE account_id = ? AND reason = 'scheduled'`,
		stale,
	).Scan(&staleCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if staleCount != 1 {
		t.Fatalf("stale account snapshots = %d, want 1", staleCount)
	}

	var freshCount int64
	if err := db.Raw(
		`SELECT COUNT(1) FROM account_balance_snapshots WHERE account_id = ?`,
		fresh,
	).Scan(&freshCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if freshCount != 1 {
		t.Fatalf("fresh account snapshots = %d, want the seeded 1", freshCount)
	}
}
