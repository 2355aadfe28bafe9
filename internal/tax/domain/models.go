package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrRateLookupFailed     = errors.New("tax_rate_lookup_failed")
	ErrTaxSnapshotNotFound  = errors.New("tax_snapshot_not_found")
	ErrInvalidTaxableAmount = errors.New("invalid_taxable_amount")
	ErrUnknownMethod        = errors.New("unknown_calculation_method")
	ErrUnknownJurisdiction  = errors.New("unknown_tax_jurisdiction")
)

// CalculationMethod is how tax relates to the charged amount.
type CalculationMethod string

const (
	MethodExclusive CalculationMethod = "exclusive"
	MethodInclusive CalculationMethod = "inclusive"
	MethodExempt    CalculationMethod = "exempt"
)

func (m CalculationMethod) Valid() bool {
	switch m {
	case MethodExclusive, MethodInclusive, MethodExempt:
		return true
	default:
		return false
	}
}

// RateQuote is a rate-provider answer at lookup time. Everything in it
// gets frozen into the order's tax snapshot.
type RateQuote struct {
	Rate         decimal.Decimal
	CategoryName string
	Jurisdiction string
	Method       CalculationMethod
}

// RateProvider answers current-rate lookups. Implementations may call
// an external tax service; callers bound them with a context deadline.
type RateProvider interface {
	Lookup(ctx context.Context, jurisdiction, category string) (RateQuote, error)
}

// OrderTaxCalculation freezes the tax facts used to settle an order.
// The row never changes after insert, even when jurisdiction rates do.
type OrderTaxCalculation struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	OrderID             snowflake.ID `gorm:"not null;uniqueIndex:ux_order_tax_calculations_order"`
	OrgID               snowflake.ID `gorm:"not null"`
	TaxCategoryName     string       `gorm:"type:text;not null"`
	TaxRate             string       `gorm:"type:text;not null"`
	TaxJurisdiction     string       `gorm:"type:text;not null"`
	CalculationMethod   string       `gorm:"type:text;not null"`
	TaxableAmount       int64        `gorm:"not null"`
	CalculatedTaxAmount int64        `gorm:"not null"`
	TotalAmount         int64        `gorm:"not null"`
	Currency            string       `gorm:"type:text;not null"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrderTaxCalculation) TableName() string { return "order_tax_calculations" }

// Rate parses the frozen rate back into a decimal.
func (c *OrderTaxCalculation) Rate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}
