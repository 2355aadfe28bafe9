package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound        = errors.New("account_not_found")
	ErrAccountInactive        = errors.New("account_inactive")
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrBalanceSignViolation   = errors.New("balance_sign_violation")
	ErrConcurrentModification = errors.New("concurrent_modification")
)

// EnsureSpec describes a system account to get-or-create.
type EnsureSpec struct {
	OrgID         snowflake.ID
	MemberID      *snowflake.ID
	Code          string
	Name          string
	Type          AccountType
	NormalBalance NormalBalance
	Currency      string
}

// Repository owns all access to the accounts table. Balances are
// mutated exclusively through ApplyDelta inside a posting transaction;
// everything else is read-only or metadata.
type Repository interface {
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*Account, error)

	// ApplyDelta adds a signed amount to the account balance using the
	// in-memory version as an optimistic guard. A stale version yields
	// ErrConcurrentModification so the caller can retry its whole unit
	// of work. Sign-invariant violations are rejected unless the
	// account is a system account.
	ApplyDelta(ctx context.Context, tx *gorm.DB, account *Account, signed int64) (int64, error)

	// EnsureSystemAccount gets or creates a per-org system account.
	EnsureSystemAccount(ctx context.Context, tx *gorm.DB, spec EnsureSpec) (*Account, error)

	// Deactivate retires an account. Rows are never deleted; history
	// must stay replayable.
	Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
