package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/coursivo/tally/internal/account/domain"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/currency"
	"github.com/coursivo/tally/internal/events"
	"github.com/coursivo/tally/internal/ledger/domain"
	"github.com/coursivo/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxPostAttempts bounds retries on optimistic-lock conflicts before
// the error is surfaced to the caller.
const maxPostAttempts = 3

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

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	accounts accountdomain.Repository
	outbox   *events.Outbox
	metrics  *metrics.LedgerMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ledger.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		accounts: p.Accounts,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
	}
}

// Post runs the whole posting as its own database transaction and
// retries when another writer bumps an account version mid-flight.
func (s *Service) Post(ctx context.Context, req domain.PostRequest) (*domain.PostResult, error) {
	started := time.Now()

	var result *domain.PostResult
	var err error
	for attempt := 1; attempt <= maxPostAttempts; attempt++ {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			posted, txErr := s.PostTx(ctx, tx, req)
			if txErr != nil {
				return txErr
			}
			result = posted
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, accountdomain.ErrConcurrentModification) {
			break
		}

		s.metrics.IncConflictRetry()
		s.log.Debug("posting conflict, retrying",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int("attempt", attempt),
		)
		if attempt < maxPostAttempts {
			backoff := time.Duration(attempt)*20*time.Millisecond +
				time.Duration(rand.Intn(20))*time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	s.metrics.ObservePostingDuration(time.Since(started))
	if err != nil {
		s.metrics.IncPosting(postingResult(err))
		return nil, err
	}

	if result.Duplicate {
		s.metrics.IncPosting("duplicate")
	} else {
		s.metrics.IncPosting("committed")
		s.log.Info("transaction posted",
			zap.Int64("transaction_id", int64(result.TransactionID)),
			zap.String("number", result.Number),
			zap.Int64("total_amount", result.TotalAmount),
		)
	}
	return result, nil
}

// PostTx posts inside the caller's transaction. Conflicts propagate as
// ErrConcurrentModification; the caller owns the retry.
func (s *Service) PostTx(ctx context.Context, tx *gorm.DB, req domain.PostRequest) (*domain.PostResult, error) {
	if err := domain.ValidateRequest(req); err != nil {
		return nil, err
	}

	code := currency.Normalize(req.Currency)
	if !currency.Valid(code) {
		return nil, domain.ErrInvalidCurrency
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	if existing, err := s.findByIdempotencyKey(ctx, tx, req.OrgID, key); err != nil {
		return nil, err
	} else if existing != nil {
		return &domain.PostResult{
			TransactionID: existing.ID,
			Number:        existing.Number,
			TotalAmount:   existing.TotalAmount,
			Duplicate:     true,
		}, nil
	}

	if err := s.checkBusinessEntity(ctx, tx, req); err != nil {
		return nil, err
	}

	// Load and apply per account. Deltas for an account are collapsed
	// so its version moves exactly once per posting.
	type accountDelta struct {
		account *accountdomain.Account
		signed  int64
	}
	deltas := make(map[snowflake.ID]*accountDelta, len(req.Lines))
	order := make([]snowflake.ID, 0, len(req.Lines))
	var totalDebits int64
	for _, line := range req.Lines {
		entry, seen := deltas[line.AccountID]
		if !seen {
			account, err := s.accounts.Find(ctx, tx, line.AccountID)
			if err != nil {
				return nil, err
			}
			if account.OrgID != req.OrgID {
				return nil, accountdomain.ErrAccountNotFound
			}
			if !account.IsActive {
				return nil, accountdomain.ErrAccountInactive
			}
			if currency.Normalize(account.Currency) != code {
				return nil, domain.ErrCurrencyMismatch
			}
			entry = &accountDelta{account: account}
			deltas[line.AccountID] = entry
			order = append(order, line.AccountID)
		}
		entry.signed += line.Direction.Signed(line.Amount)
		if line.Direction == domain.DirectionDebit {
			totalDebits += line.Amount
		}
	}

	now := s.clock.Now()
	postedAt := req.PostedAt
	if postedAt.IsZero() {
		postedAt = now
	}

	transaction := domain.Transaction{
		ID:             s.genID.Generate(),
		OrgID:          req.OrgID,
		IdempotencyKey: key,
		Description:    strings.TrimSpace(req.Description),
		Currency:       code,
		TotalAmount:    totalDebits,
		PostedAt:       postedAt,
		CreatedAt:      now,
	}
	transaction.Number = fmt.Sprintf("TX-%d", transaction.ID)
	if req.BusinessEntityType != "" {
		entityType := string(req.BusinessEntityType)
		transaction.BusinessEntityType = &entityType
	}
	if req.BusinessEntityID != 0 {
		entityID := req.BusinessEntityID
		transaction.BusinessEntityID = &entityID
	}

	if err := tx.WithContext(ctx).Create(&transaction).Error; err != nil {
		return nil, err
	}

	lines := make([]domain.TransactionLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, domain.TransactionLine{
			ID:            s.genID.Generate(),
			TransactionID: transaction.ID,
			AccountID:     line.AccountID,
			Direction:     line.Direction,
			Amount:        line.Amount,
			Currency:      code,
			Memo:          strings.TrimSpace(line.Memo),
			CreatedAt:     now,
		})
	}
	if err := tx.WithContext(ctx).Create(&lines).Error; err != nil {
		return nil, err
	}

	for _, accountID := range order {
		entry := deltas[accountID]
		if _, err := s.accounts.ApplyDelta(ctx, tx, entry.account, entry.signed); err != nil {
			return nil, err
		}
	}

	payload := events.TransactionPostedPayload{
		TransactionID: transaction.ID.String(),
		Number:        transaction.Number,
		Currency:      code,
		TotalAmount:   totalDebits,
	}
	if transaction.BusinessEntityType != nil {
		payload.BusinessEntityType = *transaction.BusinessEntityType
	}
	if transaction.BusinessEntityID != nil {
		payload.BusinessEntityID = transaction.BusinessEntityID.String()
	}
	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID:     req.OrgID,
		Type:      events.EventTransactionPosted,
		Payload:   payload.ToMap(),
		DedupeKey: "transaction:" + transaction.ID.String(),
	}); err != nil {
		return nil, err
	}

	return &domain.PostResult{
		TransactionID: transaction.ID,
		Number:        transaction.Number,
		TotalAmount:   totalDebits,
	}, nil
}

func (s *Service) GetTransaction(ctx context.Context, orgID, id snowflake.ID) (*domain.Transaction, []domain.TransactionLine, error) {
	var transaction domain.Transaction
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, org_id, number, idempotency_key, description,
		        business_entity_type, business_entity_id, currency,
		        total_amount, posted_at, created_at
		 FROM account_transactions
		 WHERE id = ? AND org_id = ?`,
		id,
		orgID,
	).Scan(&transaction).Error
	if err != nil {
		return nil, nil, err
	}
	if transaction.ID == 0 {
		return nil, nil, domain.ErrTransactionNotFound
	}

	var lines []domain.TransactionLine
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, transaction_id, account_id, direction, amount, currency, memo, created_at
		 FROM account_transaction_lines
		 WHERE transaction_id = ?
		 ORDER BY id`,
		id,
	).Scan(&lines).Error
	if err != nil {
		return nil, nil, err
	}
	return &transaction, lines, nil
}

// GetBalance reads the live running balance maintained by postings.
func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID) (*domain.Balance, error) {
	account, err := s.accounts.Find(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	return &domain.Balance{
		AccountID:     account.ID,
		Currency:      account.Currency,
		Balance:       account.Magnitude(),
		NormalBalance: string(account.NormalBalance),
		AsOf:          s.clock.Now(),
	}, nil
}

// BalanceAsOf replays posted lines up to a past instant. The replayed
// signed sum matches the live balance when asOf is now.
func (s *Service) BalanceAsOf(ctx context.Context, accountID snowflake.ID, asOf time.Time) (*domain.Balance, error) {
	account, err := s.accounts.Find(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}

	var signed int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE l.direction WHEN 'debit' THEN l.amount ELSE -l.amount END), 0)
		 FROM account_transaction_lines l
		 JOIN account_transactions t ON t.id = l.transaction_id
		 WHERE l.account_id = ? AND t.posted_at <= ?`,
		accountID,
		asOf,
	).Scan(&signed).Error
	if err != nil {
		return nil, err
	}

	balance := signed
	if balance < 0 {
		balance = -balance
	}
	return &domain.Balance{
		AccountID:     account.ID,
		Currency:      account.Currency,
		Balance:       balance,
		NormalBalance: string(account.NormalBalance),
		AsOf:          asOf,
	}, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, key string) (*domain.Transaction, error) {
	var existing domain.Transaction
	err := tx.WithContext(ctx).Raw(
		`SELECT id, org_id, number, idempotency_key, currency, total_amount, posted_at, created_at
		 FROM account_transactions
		 WHERE org_id = ? AND idempotency_key = ?`,
		orgID,
		key,
	).Scan(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID == 0 {
		return nil, nil
	}
	return &existing, nil
}

// checkBusinessEntity verifies referenced records for entity types
// backed by local tables. Payouts and adjustments reference processor
// records we do not mirror, so they pass through unchecked.
func (s *Service) checkBusinessEntity(ctx context.Context, tx *gorm.DB, req domain.PostRequest) error {
	if req.BusinessEntityType == "" {
		return nil
	}
	if req.BusinessEntityID == 0 {
		return domain.ErrInvalidBusinessEntity
	}

	var table string
	switch req.BusinessEntityType {
	case domain.BusinessEntityOrder:
		table = "orders"
	case domain.BusinessEntityRefund, domain.BusinessEntityPaymentEvent:
		table = "order_payments"
	default:
		return nil
	}

	var count int64
	err := tx.WithContext(ctx).Raw(
		"SELECT COUNT(1) FROM "+table+" WHERE id = ? AND org_id = ?",
		req.BusinessEntityID,
		req.OrgID,
	).Scan(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrBusinessEntityNotFound
	}
	return nil
}

func postingResult(err error) string {
	switch {
	case errors.Is(err, accountdomain.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, domain.ErrUnbalancedTransaction),
		errors.Is(err, domain.ErrInvalidEntryLines),
		errors.Is(err, domain.ErrInvalidLineAmount),
		errors.Is(err, domain.ErrInvalidLineDirection),
		errors.Is(err, domain.ErrInvalidCurrency),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrBusinessEntityNotFound),
		errors.Is(err, domain.ErrInvalidBusinessEntity),
		errors.Is(err, domain.ErrInvalidOrganization),
		errors.Is(err, domain.ErrInvalidIdempotencyKey),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, accountdomain.ErrAccountInactive),
		errors.Is(err, accountdomain.ErrBalanceSignViolation):
		return "rejected"
	default:
		return "failed"
	}
}
