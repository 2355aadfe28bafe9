package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPercentage           = errors.New("invalid_percentage")
	ErrShareSumExceeded            = errors.New("share_sum_exceeded")
	ErrMissingCompensationData     = errors.New("missing_compensation_data")
	ErrConflictingCompensationData = errors.New("conflicting_compensation_data")
	ErrFeesExceedRevenue           = errors.New("fees_exceed_revenue")
	ErrInvalidRevenueAmount        = errors.New("invalid_revenue_amount")
)

// RecipientType identifies who a revenue slice belongs to.
type RecipientType string

const (
	RecipientOrganization RecipientType = "organization"
	RecipientEmployee     RecipientType = "employee"
	RecipientPlatform     RecipientType = "platform"
	RecipientProcessor    RecipientType = "payment_processor"
	RecipientTaxAuthority RecipientType = "tax_authority"
)

// AttributionBasis records how a slice was derived.
type AttributionBasis string

const (
	BasisOwnership      AttributionBasis = "ownership"
	BasisJobAttribution AttributionBasis = "job_attribution"
	BasisCommission     AttributionBasis = "commission"
	BasisPlatformFee    AttributionBasis = "platform_fee"
	BasisProcessingFee  AttributionBasis = "processing_fee"
	BasisReferral       AttributionBasis = "referral"
	BasisTaxCollection  AttributionBasis = "tax_collection"
)

// CompensationType is how an employee is paid for a product.
type CompensationType string

const (
	CompensationRevenueShare CompensationType = "revenue_share"
	CompensationFlatFee      CompensationType = "flat_fee"
	CompensationHourly       CompensationType = "hourly"
	CompensationSalary       CompensationType = "salary"
	CompensationPerCourse    CompensationType = "per_course"
	CompensationNone         CompensationType = "none"
)

// FlatAmount reports whether the type pays a fixed amount per sale
// instead of a percentage of item revenue.
func (t CompensationType) FlatAmount() bool {
	switch t {
	case CompensationFlatFee, CompensationHourly, CompensationSalary, CompensationPerCourse:
		return true
	default:
		return false
	}
}

// EmployeeProductAttribution configures an employee's cut of a
// product's revenue. At most one of RevenueSharePercentage and
// CompensationAmount is set, matching CompensationType; "none"
// records involvement without a payout.
type EmployeeProductAttribution struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	OrgID                  snowflake.ID `gorm:"not null"`
	EmployeeID             snowflake.ID `gorm:"not null;uniqueIndex:ux_employee_product,priority:1"`
	ProductID              snowflake.ID `gorm:"not null;uniqueIndex:ux_employee_product,priority:2"`
	CompensationType       CompensationType
	RevenueSharePercentage *string `gorm:"type:text"`
	CompensationAmount     *int64
	SharePercentage        string    `gorm:"type:text;not null;default:'100'"`
	IsActive               bool      `gorm:"not null;default:true"`
	CreatedAt              time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (EmployeeProductAttribution) TableName() string { return "employee_product_attributions" }

// Validate enforces compensation-field exclusivity and percentage
// bounds.
func (a *EmployeeProductAttribution) Validate() error {
	share, err := parsePercent(a.SharePercentage)
	if err != nil {
		return err
	}
	if share.IsZero() {
		return ErrInvalidPercentage
	}

	switch {
	case a.CompensationType == CompensationRevenueShare:
		if a.RevenueSharePercentage == nil {
			return ErrMissingCompensationData
		}
		if a.CompensationAmount != nil {
			return ErrConflictingCompensationData
		}
		pct, err := parsePercent(*a.RevenueSharePercentage)
		if err != nil {
			return err
		}
		if pct.IsZero() {
			return ErrInvalidPercentage
		}
	case a.CompensationType.FlatAmount():
		if a.CompensationAmount == nil {
			return ErrMissingCompensationData
		}
		if a.RevenueSharePercentage != nil {
			return ErrConflictingCompensationData
		}
		if *a.CompensationAmount <= 0 {
			return ErrInvalidRevenueAmount
		}
	case a.CompensationType == CompensationNone:
		if a.RevenueSharePercentage != nil || a.CompensationAmount != nil {
			return ErrConflictingCompensationData
		}
	default:
		return ErrMissingCompensationData
	}
	return nil
}

func parsePercent(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrInvalidPercentage
	}
	if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, ErrInvalidPercentage
	}
	return value, nil
}

// SharePercent returns the parsed share weight.
func (a *EmployeeProductAttribution) SharePercent() decimal.Decimal {
	value, err := parsePercent(a.SharePercentage)
	if err != nil {
		return decimal.Zero
	}
	return value
}

// RevenueAttribution is one slice of an order item's revenue.
type RevenueAttribution struct {
	ID                snowflake.ID     `gorm:"primaryKey"`
	OrgID             snowflake.ID     `gorm:"not null"`
	OrderItemID       snowflake.ID     `gorm:"not null;index"`
	RecipientType     RecipientType    `gorm:"type:text;not null"`
	RecipientID       *snowflake.ID
	AttributionBasis  AttributionBasis `gorm:"type:text;not null"`
	RevenueAmount     int64            `gorm:"not null"`
	RevenuePercentage *string          `gorm:"type:text"`
	AccountID         *snowflake.ID
	TransactionID     *snowflake.ID
	Currency          string           `gorm:"type:text;not null"`
	CreatedAt         time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RevenueAttribution) TableName() string { return "revenue_attributions" }
