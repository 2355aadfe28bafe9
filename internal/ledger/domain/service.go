package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrUnbalancedTransaction  = errors.New("unbalanced_transaction")
	ErrInvalidEntryLines      = errors.New("invalid_entry_lines")
	ErrInvalidLineAmount      = errors.New("invalid_line_amount")
	ErrInvalidLineDirection   = errors.New("invalid_line_direction")
	ErrInvalidCurrency        = errors.New("invalid_currency")
	ErrCurrencyMismatch       = errors.New("currency_mismatch")
	ErrBusinessEntityNotFound = errors.New("business_entity_not_found")
	ErrInvalidBusinessEntity  = errors.New("invalid_business_entity")
	ErrInvalidOrganization    = errors.New("invalid_organization")
	ErrInvalidIdempotencyKey  = errors.New("invalid_idempotency_key")
	ErrTransactionNotFound    = errors.New("transaction_not_found")
)

// LineInput is one requested entry line.
type LineInput struct {
	AccountID snowflake.ID
	Direction Direction
	Amount    int64
	Memo      string
}

// PostRequest describes a balanced multi-line posting.
type PostRequest struct {
	OrgID              snowflake.ID
	IdempotencyKey     string
	Description        string
	BusinessEntityType BusinessEntityType
	BusinessEntityID   snowflake.ID
	Currency           string
	PostedAt           time.Time
	Lines              []LineInput
}

// PostResult reports the committed transaction. Duplicate is true when
// the idempotency key matched a previously posted transaction and no
// new rows were written.
type PostResult struct {
	TransactionID snowflake.ID
	Number        string
	TotalAmount   int64
	Duplicate     bool
}

// Balance is a point-in-time account balance read.
type Balance struct {
	AccountID     snowflake.ID
	Currency      string
	Balance       int64
	NormalBalance string
	AsOf          time.Time
}

// Service is the ledger posting engine. Post owns its transaction and
// retries optimistic-lock conflicts; PostTx joins a caller transaction
// and leaves retrying to the caller.
type Service interface {
	Post(ctx context.Context, req PostRequest) (*PostResult, error)
	PostTx(ctx context.Context, tx *gorm.DB, req PostRequest) (*PostResult, error)
	GetTransaction(ctx context.Context, orgID, id snowflake.ID) (*Transaction, []TransactionLine, error)
	GetBalance(ctx context.Context, accountID snowflake.ID) (*Balance, error)
	BalanceAsOf(ctx context.Context, accountID snowflake.ID, asOf time.Time) (*Balance, error)
}
