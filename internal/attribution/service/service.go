package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/coursivo/tally/internal/attribution/domain"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/observability/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.LedgerMetrics `optional:"true"`
}

// AttributeInput describes one order item's revenue to split.
// NetRevenue is the item subtotal minus discounts, excluding tax.
type AttributeInput struct {
	OrgID         snowflake.ID
	OrderItemID   snowflake.ID
	ProductID     snowflake.ID
	NetRevenue    int64
	PlatformFee   int64
	ProcessorFee  int64
	TaxAmount     int64
	Currency      string
	TransactionID snowflake.ID
}

// Service splits item revenue across organization, employees, platform,
// processor, and tax authority, and records each slice.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.LedgerMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("attribution.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// SetEmployeeAttribution validates and upserts an employee's cut of a
// product. The total configured share across employees of a product
// may not exceed 100 percent.
func (s *Service) SetEmployeeAttribution(ctx context.Context, attribution domain.EmployeeProductAttribution) (*domain.EmployeeProductAttribution, error) {
	if err := attribution.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.activeForProduct(ctx, s.db, attribution.OrgID, attribution.ProductID)
	if err != nil {
		return nil, err
	}
	shareSum := attribution.SharePercent()
	for _, other := range existing {
		if other.EmployeeID == attribution.EmployeeID {
			continue
		}
		shareSum = shareSum.Add(other.SharePercent())
	}
	if shareSum.GreaterThan(hundred) {
		return nil, domain.ErrShareSumExceeded
	}

	if attribution.ID == 0 {
		attribution.ID = s.genID.Generate()
	}
	attribution.IsActive = true
	attribution.CreatedAt = s.clock.Now()
	err = s.db.WithContext(ctx).Exec(
		`INSERT INTO employee_product_attributions (
			id, org_id, employee_id, product_id, compensation_type,
			revenue_share_percentage, compensation_amount, share_percentage,
			is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?)
		ON CONFLICT (employee_id, product_id) DO UPDATE SET
			compensation_type = excluded.compensation_type,
			revenue_share_percentage = excluded.revenue_share_percentage,
			compensation_amount = excluded.compensation_amount,
			share_percentage = excluded.share_percentage,
			is_active = TRUE`,
		attribution.ID, attribution.OrgID, attribution.EmployeeID,
		attribution.ProductID, attribution.CompensationType,
		attribution.RevenueSharePercentage, attribution.CompensationAmount,
		attribution.SharePercentage, attribution.CreatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return &attribution, nil
}

// AttributeTx splits an item's revenue inside the caller's transaction.
// Non-tax slices sum exactly to NetRevenue; the organization takes the
// residual after fees and employee cuts.
func (s *Service) AttributeTx(ctx context.Context, tx *gorm.DB, in AttributeInput) ([]domain.RevenueAttribution, error) {
	if in.NetRevenue < 0 || in.PlatformFee < 0 || in.ProcessorFee < 0 {
		return nil, domain.ErrInvalidRevenueAmount
	}
	pool := in.NetRevenue - in.PlatformFee - in.ProcessorFee
	if pool < 0 {
		return nil, domain.ErrFeesExceedRevenue
	}

	configured, err := s.activeForProduct(ctx, tx, in.OrgID, in.ProductID)
	if err != nil {
		return nil, err
	}

	type employeeCut struct {
		attribution domain.EmployeeProductAttribution
		amount      int64
		percentage  *string
		basis       domain.AttributionBasis
	}
	cuts := make([]employeeCut, 0, len(configured))
	var employeeTotal int64
	for _, attribution := range configured {
		if err := attribution.Validate(); err != nil {
			return nil, err
		}
		if attribution.CompensationType == domain.CompensationNone {
			continue
		}
		cut := employeeCut{attribution: attribution}
		switch {
		case attribution.CompensationType == domain.CompensationRevenueShare:
			pct := decimal.RequireFromString(*attribution.RevenueSharePercentage)
			amount := decimal.NewFromInt(in.NetRevenue).
				Mul(pct).Div(hundred).
				Mul(attribution.SharePercent()).Div(hundred).
				Round(0).IntPart()
			cut.amount = amount
			effective := pct.Mul(attribution.SharePercent()).Div(hundred).String()
			cut.percentage = &effective
			cut.basis = domain.BasisJobAttribution
		case attribution.CompensationType.FlatAmount():
			cut.amount = *attribution.CompensationAmount
			cut.basis = domain.BasisCommission
		}
		cuts = append(cuts, cut)
		employeeTotal += cut.amount
	}

	// Scale down proportionally when configured cuts overrun what is
	// left after fees.
	if employeeTotal > pool && employeeTotal > 0 {
		var scaled int64
		for i := range cuts {
			cuts[i].amount = cuts[i].amount * pool / employeeTotal
			scaled += cuts[i].amount
		}
		employeeTotal = scaled
		s.log.Warn("employee attributions scaled to fit pool",
			zap.Int64("order_item_id", int64(in.OrderItemID)),
			zap.Int64("pool", pool),
		)
	}

	now := s.clock.Now()
	rows := make([]domain.RevenueAttribution, 0, len(cuts)+4)
	newRow := func(recipient domain.RecipientType, recipientID *snowflake.ID, basis domain.AttributionBasis, amount int64, percentage *string) domain.RevenueAttribution {
		row := domain.RevenueAttribution{
			ID:                s.genID.Generate(),
			OrgID:             in.OrgID,
			OrderItemID:       in.OrderItemID,
			RecipientType:     recipient,
			RecipientID:       recipientID,
			AttributionBasis:  basis,
			RevenueAmount:     amount,
			RevenuePercentage: percentage,
			Currency:          in.Currency,
			CreatedAt:         now,
		}
		if in.TransactionID != 0 {
			txID := in.TransactionID
			row.TransactionID = &txID
		}
		return row
	}

	for _, cut := range cuts {
		if cut.amount == 0 {
			continue
		}
		employeeID := cut.attribution.EmployeeID
		rows = append(rows, newRow(domain.RecipientEmployee, &employeeID, cut.basis, cut.amount, cut.percentage))
	}
	if in.PlatformFee > 0 {
		rows = append(rows, newRow(domain.RecipientPlatform, nil, domain.BasisPlatformFee, in.PlatformFee, nil))
	}
	if in.ProcessorFee > 0 {
		rows = append(rows, newRow(domain.RecipientProcessor, nil, domain.BasisProcessingFee, in.ProcessorFee, nil))
	}

	residual := pool - employeeTotal
	orgID := in.OrgID
	rows = append(rows, newRow(domain.RecipientOrganization, &orgID, domain.BasisOwnership, residual, nil))

	if in.TaxAmount > 0 {
		rows = append(rows, newRow(domain.RecipientTaxAuthority, nil, domain.BasisTaxCollection, in.TaxAmount, nil))
	}

	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.metrics.IncAttribution(string(row.RecipientType))
	}
	return rows, nil
}

// ListForOrder returns every slice recorded for an order's items.
func (s *Service) ListForOrder(ctx context.Context, orgID, orderID snowflake.ID) ([]domain.RevenueAttribution, error) {
	var rows []domain.RevenueAttribution
	err := s.db.WithContext(ctx).Raw(
		`SELECT r.id, r.org_id, r.order_item_id, r.recipient_type, r.recipient_id,
		        r.attribution_basis, r.revenue_amount, r.revenue_percentage,
		        r.account_id, r.transaction_id, r.currency, r.created_at
		 FROM revenue_attributions r
		 JOIN order_items i ON i.id = r.order_item_id
		 WHERE r.org_id = ? AND i.order_id = ?
		 ORDER BY r.id`,
		orgID,
		orderID,
	).Scan(&rows).Error
	return rows, err
}

func (s *Service) activeForProduct(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) ([]domain.EmployeeProductAttribution, error) {
	var rows []domain.EmployeeProductAttribution
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, employee_id, product_id, compensation_type,
		        revenue_share_percentage, compensation_amount, share_percentage,
		        is_active, created_at
		 FROM employee_product_attributions
		 WHERE org_id = ? AND product_id = ? AND is_active = TRUE
		 ORDER BY employee_id`,
		orgID,
		productID,
	).Scan(&rows).Error
	return rows, err
}
