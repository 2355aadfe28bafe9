package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/coursivo/tally/internal/account/domain"
	accountrepo "github.com/coursivo/tally/internal/account/repository"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/events"
	"github.com/coursivo/tally/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ledgerTestSchema = []string{
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
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (org_id, code)
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
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (org_id, idempotency_key)
	)`,
	`CREATE TABLE account_transaction_lines (
		id BIGINT PRIMARY KEY,
		transaction_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL,
		direction TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
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
	`CREATE TABLE orders (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
	)`,
	`CREATE TABLE order_payments (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		order_id BIGINT NOT NULL
	)`,
}

func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range ledgerTestSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (*Service, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.SystemClock{}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Accounts: accountrepo.New(node, clk),
		Outbox:   events.NewOutbox(db, node),
	})
	return svc.(*Service), node
}

func seedAccount(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, code string, accountType accountdomain.AccountType, normal accountdomain.NormalBalance, currency string, balance int64, active bool) snowflake.ID {
	t.Helper()

	id := node.Generate()
	err := db.Exec(
		`INSERT INTO accounts (id, org_id, code, name, type, normal_balance, currency, current_balance, version, is_system, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, FALSE, ?)`,
		id, orgID, code, code, accountType, normal, currency, balance, active,
	).Error
	if err != nil {
		t.Fatalf("seed account %s: %v", code, err)
	}
	return id
}

func TestPostBalancedTransaction(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	result, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "order:1001",
		Description:    "order settlement",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 10825},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 10825},
		},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Duplicate {
		t.Fatal("first post reported duplicate")
	}
	if result.TotalAmount != 10825 {
		t.Fatalf("total = %d, want 10825", result.TotalAmount)
	}
	if result.Number != fmt.Sprintf("TX-%d", result.TransactionID) {
		t.Fatalf("number = %q", result.Number)
	}

	arBalance, err := svc.GetBalance(context.Background(), receivable)
	if err != nil {
		t.Fatalf("get receivable balance: %v", err)
	}
	if arBalance.Balance != 10825 {
		t.Fatalf("receivable balance = %d, want 10825", arBalance.Balance)
	}
	revBalance, err := svc.GetBalance(context.Background(), revenue)
	if err != nil {
		t.Fatalf("get revenue balance: %v", err)
	}
	if revBalance.Balance != 10825 {
		t.Fatalf("revenue balance = %d, want 10825", revBalance.Balance)
	}

	var lineCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM account_transaction_lines WHERE transaction_id = ?`, result.TransactionID).Scan(&lineCount).Error; err != nil {
		t.Fatalf("count lines: %v", err)
	}
	if lineCount != 2 {
		t.Fatalf("line count = %d, want 2", lineCount)
	}

	var eventCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM ledger_events WHERE org_id = ? AND event_type = ?`, orgID, events.EventTransactionPosted).Scan(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("event count = %d, want 1", eventCount)
	}
}

func TestPostIdempotentReplay(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	req := domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "order:2002",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 5000},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 5000},
		},
	}

	first, err := svc.Post(context.Background(), req)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	second, err := svc.Post(context.Background(), req)
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("replay not reported as duplicate")
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("replay returned %d, want original %d", second.TransactionID, first.TransactionID)
	}

	balance, err := svc.GetBalance(context.Background(), receivable)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000 (applied once)", balance.Balance)
	}
}

func TestPostRejectsUnbalanced(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	_, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "order:3003",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 100},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 99},
		},
	})
	if !errors.Is(err, domain.ErrUnbalancedTransaction) {
		t.Fatalf("expected ErrUnbalancedTransaction, got %v", err)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM account_transactions WHERE org_id = ?`, orgID).Scan(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 0 {
		t.Fatalf("transaction count = %d, want 0", count)
	}
}

func TestPostRejectsCurrencyMismatch(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "EUR", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	_, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "order:4004",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 100},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 100},
		},
	})
	if !errors.Is(err, domain.ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestPostRejectsInactiveAccount(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, false)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	_, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "order:5005",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 100},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 100},
		},
	})
	if !errors.Is(err, accountdomain.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestPostRejectsSignViolation(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	// Non-system debit-normal account with a 100 balance cannot absorb a
	// 250 credit.
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 100, true)
	expense := seedAccount(t, db, node, orgID, "refund_expense", accountdomain.AccountTypeExpense, accountdomain.NormalBalanceDebit, "USD", 0, true)

	_, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "refund:6006",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: expense, Direction: domain.DirectionDebit, Amount: 250},
			{AccountID: receivable, Direction: domain.DirectionCredit, Amount: 250},
		},
	})
	if !errors.Is(err, accountdomain.ErrBalanceSignViolation) {
		t.Fatalf("expected ErrBalanceSignViolation, got %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), receivable)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Balance != 100 {
		t.Fatalf("balance = %d, want untouched 100", balance.Balance)
	}
}

func TestPostRejectsMissingBusinessEntity(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	_, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:              orgID,
		IdempotencyKey:     "order:7007",
		BusinessEntityType: domain.BusinessEntityOrder,
		BusinessEntityID:   node.Generate(),
		Currency:           "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 100},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 100},
		},
	})
	if !errors.Is(err, domain.ErrBusinessEntityNotFound) {
		t.Fatalf("expected ErrBusinessEntityNotFound, got %v", err)
	}
}

func TestBalanceAsOf(t *testing.T) {
	db := setupLedgerDB(t)
	svc, node := newTestService(t, db)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	early := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	late := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	for i, post := range []struct {
		key      string
		amount   int64
		postedAt time.Time
	}{
		{"order:8001", 1000, early},
		{"order:8002", 2500, late},
	} {
		_, err := svc.Post(context.Background(), domain.PostRequest{
			OrgID:          orgID,
			IdempotencyKey: post.key,
			Currency:       "USD",
			PostedAt:       post.postedAt,
			Lines: []domain.LineInput{
				{AccountID: receivable, Direction: domain.DirectionDebit, Amount: post.amount},
				{AccountID: revenue, Direction: domain.DirectionCredit, Amount: post.amount},
			},
		})
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	between, err := svc.BalanceAsOf(context.Background(), receivable, early.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("balance as of: %v", err)
	}
	if between.Balance != 1000 {
		t.Fatalf("historical balance = %d, want 1000", between.Balance)
	}

	after, err := svc.BalanceAsOf(context.Background(), receivable, late.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("balance as of: %v", err)
	}
	if after.Balance != 3500 {
		t.Fatalf("historical balance = %d, want 3500", after.Balance)
	}

	live, err := svc.GetBalance(context.Background(), receivable)
	if err != nil {
		t.Fatalf("live balance: %v", err)
	}
	if live.Balance != after.Balance {
		t.Fatalf("live balance %d != replayed %d", live.Balance, after.Balance)
	}
}

// contendedAccounts reports a stale-version conflict for the first
// remaining ApplyDelta calls, then delegates. It stands in for another
// writer bumping an account version mid-posting.
type contendedAccounts struct {
	accountdomain.Repository
	remaining int
	conflicts int
}

func (r *contendedAccounts) ApplyDelta(ctx context.Context, tx *gorm.DB, account *accountdomain.Account, signed int64) (int64, error) {
	if r.remaining > 0 {
		r.remaining--
		r.conflicts++
		return 0, accountdomain.ErrConcurrentModification
	}
	return r.Repository.ApplyDelta(ctx, tx, account, signed)
}

func newContendedService(t *testing.T, db *gorm.DB, remaining int) (*Service, *contendedAccounts, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.SystemClock{}
	accounts := &contendedAccounts{
		Repository: accountrepo.New(node, clk),
		remaining:  remaining,
	}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Accounts: accounts,
		Outbox:   events.NewOutbox(db, node),
	})
	return svc.(*Service), accounts, node
}

func TestPostRetriesThroughVersionConflict(t *testing.T) {
	db := setupLedgerDB(t)
	svc, accounts, node := newContendedService(t, db, 1)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	result, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "order:7001",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 2500},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 2500},
		},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Duplicate {
		t.Fatal("retried post reported duplicate")
	}
	if accounts.conflicts != 1 {
		t.Fatalf("conflicts absorbed = %d, want 1", accounts.conflicts)
	}

	balance, err := svc.GetBalance(context.Background(), receivable)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Balance != 2500 {
		t.Fatalf("balance = %d, want 2500 (applied once)", balance.Balance)
	}

	// The conflicted attempt must have rolled back whole.
	var txCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM account_transactions WHERE org_id = ?`, orgID).Scan(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 1 {
		t.Fatalf("transaction rows = %d, want 1", txCount)
	}
	var eventCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM ledger_events WHERE org_id = ?`, orgID).Scan(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("event rows = %d, want 1", eventCount)
	}
}

func TestPostSurfacesConflictAfterRetriesExhausted(t *testing.T) {
	db := setupLedgerDB(t)
	svc, accounts, node := newContendedService(t, db, maxPostAttempts)
	orgID := node.Generate()
	receivable := seedAccount(t, db, node, orgID, "accounts_receivable", accountdomain.AccountTypeAsset, accountdomain.NormalBalanceDebit, "USD", 0, true)
	revenue := seedAccount(t, db, node, orgID, "sales_revenue", accountdomain.AccountTypeRevenue, accountdomain.NormalBalanceCredit, "USD", 0, true)

	_, err := svc.Post(context.Background(), domain.PostRequest{
		OrgID:          orgID,
		IdempotencyKey: "order:7002",
		Currency:       "USD",
		Lines: []domain.LineInput{
			{AccountID: receivable, Direction: domain.DirectionDebit, Amount: 1000},
			{AccountID: revenue, Direction: domain.DirectionCredit, Amount: 1000},
		},
	})
	if !errors.Is(err, accountdomain.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if accounts.conflicts != maxPostAttempts {
		t.Fatalf("attempts = %d, want %d", accounts.conflicts, maxPostAttempts)
	}

	var txCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM account_transactions WHERE org_id = ?`, orgID).Scan(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 0 {
		t.Fatalf("transaction rows = %d, want 0", txCount)
	}

	balance, err := svc.GetBalance(context.Background(), receivable)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Balance != 0 {
		t.Fatalf("balance = %d, want 0", balance.Balance)
	}
}
