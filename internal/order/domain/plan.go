package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrPlanNotFound     = errors.New("payment_plan_not_found")
	ErrInvalidPlan      = errors.New("invalid_payment_plan")
	ErrPlanKindMismatch = errors.New("payment_plan_kind_mismatch")
	ErrPlanNotActive    = errors.New("payment_plan_not_active")
)

// PlanKind discriminates payment plan pricing shapes.
type PlanKind string

const (
	PlanOneTime      PlanKind = "one_time"
	PlanSubscription PlanKind = "subscription"
	PlanUsageBased   PlanKind = "usage_based"
)

// OneTimePlan is a single up-front charge.
type OneTimePlan struct {
	PlanID      snowflake.ID `gorm:"primaryKey"`
	PriceAmount int64        `gorm:"not null"`
}

// TableName sets the database table name.
func (OneTimePlan) TableName() string { return "payment_plan_one_time" }

// SubscriptionPlan charges on a recurring interval.
type SubscriptionPlan struct {
	PlanID        snowflake.ID `gorm:"primaryKey"`
	IntervalUnit  string       `gorm:"type:text;not null"`
	IntervalCount int          `gorm:"not null;default:1"`
	PriceAmount   int64        `gorm:"not null"`
	TrialDays     int          `gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (SubscriptionPlan) TableName() string { return "payment_plan_subscriptions" }

// UsageBasedPlan bills per consumed unit with an optional floor.
type UsageBasedPlan struct {
	PlanID        snowflake.ID `gorm:"primaryKey"`
	UnitAmount    int64        `gorm:"not null"`
	UnitLabel     string       `gorm:"type:text;not null"`
	MinimumAmount int64        `gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (UsageBasedPlan) TableName() string { return "payment_plan_usage_based" }

// PaymentPlan is the base row of the plan hierarchy. Exactly one of
// the subtype pointers is set, matching Kind.
type PaymentPlan struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrgID          snowflake.ID `gorm:"not null"`
	ProductID      snowflake.ID `gorm:"not null"`
	Kind           PlanKind     `gorm:"type:text;not null"`
	AccessTier     string       `gorm:"type:text;not null;default:'standard'"`
	Currency       string       `gorm:"type:text;not null"`
	IsTransferable bool         `gorm:"not null;default:false"`
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	OneTime      *OneTimePlan      `gorm:"-"`
	Subscription *SubscriptionPlan `gorm:"-"`
	UsageBased   *UsageBasedPlan   `gorm:"-"`
}

// TableName sets the database table name.
func (PaymentPlan) TableName() string { return "payment_plans" }

// Validate enforces that exactly one subtype is attached and that it
// matches Kind with sane amounts.
func (p *PaymentPlan) Validate() error {
	attached := 0
	if p.OneTime != nil {
		attached++
	}
	if p.Subscription != nil {
		attached++
	}
	if p.UsageBased != nil {
		attached++
	}
	if attached != 1 {
		return ErrInvalidPlan
	}

	switch p.Kind {
	case PlanOneTime:
		if p.OneTime == nil {
			return ErrPlanKindMismatch
		}
		if p.OneTime.PriceAmount <= 0 {
			return ErrInvalidPlan
		}
	case PlanSubscription:
		if p.Subscription == nil {
			return ErrPlanKindMismatch
		}
		if p.Subscription.PriceAmount <= 0 || p.Subscription.IntervalCount < 1 {
			return ErrInvalidPlan
		}
		switch p.Subscription.IntervalUnit {
		case "day", "week", "month", "year":
		default:
			return ErrInvalidPlan
		}
	case PlanUsageBased:
		if p.UsageBased == nil {
			return ErrPlanKindMismatch
		}
		if p.UsageBased.UnitAmount <= 0 || p.UsageBased.MinimumAmount < 0 {
			return ErrInvalidPlan
		}
	default:
		return ErrInvalidPlan
	}
	return nil
}

// ActiveAt reports whether the plan's validity window covers t.
func (p *PaymentPlan) ActiveAt(t time.Time) bool {
	if p.ValidFrom != nil && t.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && t.After(*p.ValidUntil) {
		return false
	}
	return true
}
