package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AccountType classifies a chart-of-accounts entry.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// NormalBalance is the direction an account naturally grows in.
type NormalBalance string

const (
	NormalBalanceDebit  NormalBalance = "debit"
	NormalBalanceCredit NormalBalance = "credit"
)

// Well-known system account codes. System accounts are created lazily
// per organization and may hold transitional balances mid-posting.
const (
	CodeAccountsReceivable    = "accounts_receivable"
	CodeSalesRevenue          = "sales_revenue"
	CodeTaxPayable            = "tax_payable"
	CodePlatformFeesPayable   = "platform_fees_payable"
	CodeProcessorFeesPayable  = "processor_fees_payable"
	CodeFXClearing            = "fx_clearing"
	CodeEmployeePayablePrefix = "employee_payable:"
)

// Account is a chart-of-accounts entry. CurrentBalance is signed in
// minor units: debits add, credits subtract, for every account type.
// Only the posting path mutates it, guarded by Version.
type Account struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	OrgID          snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_accounts_org_code,priority:1"`
	MemberID       *snowflake.ID `gorm:"index"`
	Code           string        `gorm:"type:text;not null;uniqueIndex:ux_accounts_org_code,priority:2"`
	Name           string        `gorm:"type:text;not null"`
	Type           AccountType   `gorm:"type:text;not null"`
	NormalBalance  NormalBalance `gorm:"type:text;not null"`
	Currency       string        `gorm:"type:text;not null"`
	CurrentBalance int64         `gorm:"not null;default:0"`
	Version        int64         `gorm:"not null;default:0"`
	IsSystem       bool          `gorm:"not null;default:false"`
	IsActive       bool          `gorm:"not null;default:true"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// BalanceWithinNormal reports whether a signed balance respects the
// account's normal-balance sign: debit-normal stays >= 0,
// credit-normal stays <= 0.
func (a *Account) BalanceWithinNormal(balance int64) bool {
	switch a.NormalBalance {
	case NormalBalanceDebit:
		return balance >= 0
	case NormalBalanceCredit:
		return balance <= 0
	default:
		return false
	}
}

// Magnitude returns the balance as a non-negative number in the
// account's natural direction.
func (a *Account) Magnitude() int64 {
	if a.CurrentBalance < 0 {
		return -a.CurrentBalance
	}
	return a.CurrentBalance
}

// SnapshotReason records why a balance snapshot was taken.
type SnapshotReason string

const (
	SnapshotReasonScheduled  SnapshotReason = "scheduled"
	SnapshotReasonOnDemand   SnapshotReason = "on_demand"
	SnapshotReasonHistorical SnapshotReason = "historical"
)

// BalanceSnapshot is an immutable point-in-time copy of an account
// balance, stored as a magnitude alongside the normal balance.
// Corrections are new rows, never updates.
type BalanceSnapshot struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	AccountID     snowflake.ID   `gorm:"not null;index:ix_balance_snapshots_account,priority:1"`
	OrgID         snowflake.ID   `gorm:"not null"`
	Currency      string         `gorm:"type:text;not null"`
	Balance       int64          `gorm:"not null"`
	NormalBalance NormalBalance  `gorm:"type:text;not null"`
	Reason        SnapshotReason `gorm:"type:text;not null"`
	AsOf          time.Time      `gorm:"not null;index:ix_balance_snapshots_account,priority:2"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BalanceSnapshot) TableName() string { return "account_balance_snapshots" }
