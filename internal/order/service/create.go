package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/coursivo/tally/internal/currency"
	ledgerdomain "github.com/coursivo/tally/internal/ledger/domain"
	"github.com/coursivo/tally/internal/order/domain"
	"gorm.io/gorm"
)

// CreateOrderItem is one requested line of a new order.
type CreateOrderItem struct {
	ProductID      snowflake.ID
	PaymentPlanID  *snowflake.ID
	Description    string
	Quantity       int
	UnitAmount     int64
	DiscountAmount int64
}

// CreateOrderDiscount is an order-level discount to apply.
type CreateOrderDiscount struct {
	Code   string
	Amount int64
}

// CreateOrderRequest opens a pending order.
type CreateOrderRequest struct {
	OrgID           snowflake.ID
	MemberID        snowflake.ID
	Currency        string
	TaxJurisdiction string
	TaxCategory     string
	Items           []CreateOrderItem
	Discounts       []CreateOrderDiscount
}

// CreateOrder stores a pending order with its items and discounts.
// Totals are derived here; tax stays zero until finalization freezes
// it.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	if req.OrgID == 0 || req.MemberID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if !currency.Valid(req.Currency) {
		return nil, ledgerdomain.ErrInvalidCurrency
	}
	if len(req.Items) == 0 {
		return nil, domain.ErrOrderHasNoItems
	}

	var subtotal, discount int64
	for _, item := range req.Items {
		if item.ProductID == 0 || item.Quantity < 1 || item.UnitAmount <= 0 || item.DiscountAmount < 0 {
			return nil, domain.ErrOrderTotalsMismatch
		}
		lineSubtotal := item.UnitAmount * int64(item.Quantity)
		if item.DiscountAmount > lineSubtotal {
			return nil, domain.ErrOrderTotalsMismatch
		}
		subtotal += lineSubtotal
		discount += item.DiscountAmount
	}
	for _, d := range req.Discounts {
		if d.Amount <= 0 || strings.TrimSpace(d.Code) == "" {
			return nil, domain.ErrOrderTotalsMismatch
		}
		discount += d.Amount
	}
	if discount > subtotal {
		return nil, domain.ErrOrderTotalsMismatch
	}

	now := s.clock.Now()
	order := domain.Order{
		ID:              s.genID.Generate(),
		OrgID:           req.OrgID,
		MemberID:        req.MemberID,
		Status:          domain.OrderStatusPending,
		Currency:        currency.Normalize(req.Currency),
		SubtotalAmount:  subtotal,
		DiscountAmount:  discount,
		TotalAmount:     subtotal - discount,
		TaxJurisdiction: strings.TrimSpace(req.TaxJurisdiction),
		TaxCategory:     strings.TrimSpace(req.TaxCategory),
		PlacedAt:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.Number = fmt.Sprintf("ORD-%d", order.ID)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, item := range req.Items {
			if item.PaymentPlanID != nil {
				plan, err := s.findPlan(ctx, tx, req.OrgID, *item.PaymentPlanID)
				if err != nil {
					return err
				}
				if currency.Normalize(plan.Currency) != order.Currency {
					return ledgerdomain.ErrCurrencyMismatch
				}
			}
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO orders (id, org_id, member_id, number, status, currency,
				subtotal_amount, discount_amount, tax_amount, total_amount,
				tax_jurisdiction, tax_category, placed_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.OrgID, order.MemberID, order.Number, order.Status,
			order.Currency, order.SubtotalAmount, order.DiscountAmount,
			order.TotalAmount, order.TaxJurisdiction, order.TaxCategory,
			order.PlacedAt, order.CreatedAt, order.UpdatedAt,
		).Error; err != nil {
			return err
		}

		for _, item := range req.Items {
			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO order_items (id, order_id, product_id, payment_plan_id,
					description, quantity, unit_amount, subtotal_amount, discount_amount, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.genID.Generate(), order.ID, item.ProductID, item.PaymentPlanID,
				strings.TrimSpace(item.Description), item.Quantity, item.UnitAmount,
				item.UnitAmount*int64(item.Quantity), item.DiscountAmount, now,
			).Error; err != nil {
				return err
			}
		}
		for _, d := range req.Discounts {
			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO order_discounts (id, order_id, code, amount, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				s.genID.Generate(), order.ID, strings.TrimSpace(d.Code), d.Amount, now,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// RecordPaymentRequest registers a captured processor charge.
type RecordPaymentRequest struct {
	OrgID              snowflake.ID
	OrderID            snowflake.ID
	Provider           string
	Amount             int64
	ProcessorFeeAmount int64
	Currency           string
}

// RecordPayment attaches a captured payment to a pending order so it
// can be finalized.
func (s *Service) RecordPayment(ctx context.Context, req RecordPaymentRequest) (*domain.OrderPayment, error) {
	order, err := s.findOrder(ctx, s.db, req.OrgID, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, domain.ErrOrderNotOpen
	}
	if currency.Normalize(req.Currency) != currency.Normalize(order.Currency) {
		return nil, ledgerdomain.ErrCurrencyMismatch
	}
	if req.Amount <= 0 || req.ProcessorFeeAmount < 0 {
		return nil, domain.ErrPaymentAmountMismatch
	}

	payment := domain.OrderPayment{
		ID:                 s.genID.Generate(),
		OrderID:            order.ID,
		Provider:           strings.TrimSpace(req.Provider),
		Status:             domain.PaymentStatusCaptured,
		Amount:             req.Amount,
		ProcessorFeeAmount: req.ProcessorFeeAmount,
		Currency:           currency.Normalize(req.Currency),
		CreatedAt:          s.clock.Now(),
	}
	if payment.Provider == "" {
		payment.Provider = "manual"
	}

	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO order_payments (id, order_id, provider, status, amount, processor_fee_amount, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.OrderID, payment.Provider, payment.Status,
		payment.Amount, payment.ProcessorFeeAmount, payment.Currency,
		payment.CreatedAt,
	).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}
