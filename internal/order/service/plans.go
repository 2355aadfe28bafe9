package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/coursivo/tally/internal/currency"
	ledgerdomain "github.com/coursivo/tally/internal/ledger/domain"
	"github.com/coursivo/tally/internal/order/domain"
	"gorm.io/gorm"
)

// CreatePlan validates and stores a payment plan with its subtype row.
func (s *Service) CreatePlan(ctx context.Context, plan domain.PaymentPlan) (*domain.PaymentPlan, error) {
	if plan.OrgID == 0 || plan.ProductID == 0 {
		return nil, domain.ErrInvalidPlan
	}
	if !currency.Valid(plan.Currency) {
		return nil, ledgerdomain.ErrInvalidCurrency
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	plan.ID = s.genID.Generate()
	plan.Currency = currency.Normalize(plan.Currency)
	plan.CreatedAt = s.clock.Now()
	if plan.AccessTier == "" {
		plan.AccessTier = "standard"
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO payment_plans (id, org_id, product_id, kind, access_tier, currency, is_transferable, valid_from, valid_until, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID, plan.OrgID, plan.ProductID, plan.Kind, plan.AccessTier,
			plan.Currency, plan.IsTransferable, plan.ValidFrom, plan.ValidUntil,
			plan.CreatedAt,
		).Error; err != nil {
			return err
		}

		switch plan.Kind {
		case domain.PlanOneTime:
			return tx.WithContext(ctx).Exec(
				`INSERT INTO payment_plan_one_time (plan_id, price_amount) VALUES (?, ?)`,
				plan.ID, plan.OneTime.PriceAmount,
			).Error
		case domain.PlanSubscription:
			return tx.WithContext(ctx).Exec(
				`INSERT INTO payment_plan_subscriptions (plan_id, interval_unit, interval_count, price_amount, trial_days)
				 VALUES (?, ?, ?, ?, ?)`,
				plan.ID, plan.Subscription.IntervalUnit, plan.Subscription.IntervalCount,
				plan.Subscription.PriceAmount, plan.Subscription.TrialDays,
			).Error
		default:
			return tx.WithContext(ctx).Exec(
				`INSERT INTO payment_plan_usage_based (plan_id, unit_amount, unit_label, minimum_amount)
				 VALUES (?, ?, ?, ?)`,
				plan.ID, plan.UsageBased.UnitAmount, plan.UsageBased.UnitLabel,
				plan.UsageBased.MinimumAmount,
			).Error
		}
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// FindPlan loads a plan and its subtype.
func (s *Service) FindPlan(ctx context.Context, orgID, planID snowflake.ID) (*domain.PaymentPlan, error) {
	return s.findPlan(ctx, s.db, orgID, planID)
}

func (s *Service) findPlan(ctx context.Context, db *gorm.DB, orgID, planID snowflake.ID) (*domain.PaymentPlan, error) {
	var plan domain.PaymentPlan
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, product_id, kind, access_tier, currency, is_transferable,
		        valid_from, valid_until, created_at
		 FROM payment_plans
		 WHERE id = ? AND org_id = ?`,
		planID,
		orgID,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, domain.ErrPlanNotFound
	}

	switch plan.Kind {
	case domain.PlanOneTime:
		var subtype domain.OneTimePlan
		err = db.WithContext(ctx).Raw(
			`SELECT plan_id, price_amount FROM payment_plan_one_time WHERE plan_id = ?`,
			planID,
		).Scan(&subtype).Error
		if err == nil && subtype.PlanID != 0 {
			plan.OneTime = &subtype
		}
	case domain.PlanSubscription:
		var subtype domain.SubscriptionPlan
		err = db.WithContext(ctx).Raw(
			`SELECT plan_id, interval_unit, interval_count, price_amount, trial_days
			 FROM payment_plan_subscriptions WHERE plan_id = ?`,
			planID,
		).Scan(&subtype).Error
		if err == nil && subtype.PlanID != 0 {
			plan.Subscription = &subtype
		}
	case domain.PlanUsageBased:
		var subtype domain.UsageBasedPlan
		err = db.WithContext(ctx).Raw(
			`SELECT plan_id, unit_amount, unit_label, minimum_amount
			 FROM payment_plan_usage_based WHERE plan_id = ?`,
			planID,
		).Scan(&subtype).Error
		if err == nil && subtype.PlanID != 0 {
			plan.UsageBased = &subtype
		}
	}
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}
