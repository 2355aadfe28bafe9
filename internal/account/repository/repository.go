package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/coursivo/tally/internal/account/domain"
	"github.com/coursivo/tally/internal/clock"
	"gorm.io/gorm"
)

type repository struct {
	genID *snowflake.Node
	clock clock.Clock
}

// New builds the gorm-backed account repository.
func New(genID *snowflake.Node, clk clock.Clock) domain.Repository {
	return &repository{genID: genID, clock: clk}
}

func (r *repository) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, member_id, code, name, type, normal_balance, currency,
		        current_balance, version, is_system, is_active, created_at, updated_at
		 FROM accounts
		 WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return &account, nil
}

func (r *repository) FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*domain.Account, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.ErrInvalidAccount
	}
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, member_id, code, name, type, normal_balance, currency,
		        current_balance, version, is_system, is_active, created_at, updated_at
		 FROM accounts
		 WHERE org_id = ? AND code = ?`,
		orgID,
		code,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return &account, nil
}

func (r *repository) ApplyDelta(ctx context.Context, tx *gorm.DB, account *domain.Account, signed int64) (int64, error) {
	if account == nil || account.ID == 0 {
		return 0, domain.ErrInvalidAccount
	}
	if !account.IsActive {
		return 0, domain.ErrAccountInactive
	}

	newBalance := account.CurrentBalance + signed
	if !account.IsSystem && !account.BalanceWithinNormal(newBalance) {
		return 0, domain.ErrBalanceSignViolation
	}

	now := r.clock.Now()
	result := tx.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET current_balance = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		newBalance,
		now,
		account.ID,
		account.Version,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, domain.ErrConcurrentModification
	}

	account.CurrentBalance = newBalance
	account.Version++
	account.UpdatedAt = now
	return newBalance, nil
}

func (r *repository) EnsureSystemAccount(ctx context.Context, tx *gorm.DB, spec domain.EnsureSpec) (*domain.Account, error) {
	code := strings.TrimSpace(spec.Code)
	name := strings.TrimSpace(spec.Name)
	if code == "" || name == "" || spec.OrgID == 0 {
		return nil, domain.ErrInvalidAccount
	}

	existing, err := r.FindByCode(ctx, tx, spec.OrgID, code)
	if err == nil {
		return existing, nil
	}
	if err != domain.ErrAccountNotFound {
		return nil, err
	}

	now := r.clock.Now()
	account := domain.Account{
		ID:            r.genID.Generate(),
		OrgID:         spec.OrgID,
		MemberID:      spec.MemberID,
		Code:          code,
		Name:          name,
		Type:          spec.Type,
		NormalBalance: spec.NormalBalance,
		Currency:      spec.Currency,
		IsSystem:      true,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO accounts (
			id, org_id, member_id, code, name, type, normal_balance, currency,
			current_balance, version, is_system, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)
		ON CONFLICT (org_id, code) DO NOTHING`,
		account.ID,
		account.OrgID,
		account.MemberID,
		account.Code,
		account.Name,
		account.Type,
		account.NormalBalance,
		account.Currency,
		true,
		true,
		now,
		now,
	).Error; err != nil {
		return nil, err
	}

	// Re-read: a concurrent insert may have won the conflict.
	return r.FindByCode(ctx, tx, spec.OrgID, code)
}

func (r *repository) Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET is_active = FALSE, updated_at = ?
		 WHERE id = ? AND is_active = TRUE`,
		r.clock.Now(),
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
