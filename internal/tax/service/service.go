package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coursivo/tally/internal/cache"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/tax/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Provider domain.RateProvider
	Config   config.Config
}

// ComputeInput describes the order amounts to tax.
type ComputeInput struct {
	OrgID         snowflake.ID
	OrderID       snowflake.ID
	TaxableAmount int64
	Currency      string
	Jurisdiction  string
	Category      string
}

// Service computes order tax and freezes the inputs into an immutable
// snapshot row. A second compute for the same order returns the frozen
// row without consulting the rate provider again.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	provider      domain.RateProvider
	quotes        *cache.TTLCache[string, domain.RateQuote]
	lookupTimeout time.Duration
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("tax.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		provider:      p.Provider,
		quotes:        cache.NewTTL[string, domain.RateQuote](p.Config.TaxRateCacheTTL),
		lookupTimeout: p.Config.TaxLookupTimeout,
	}
}

// ComputeAndSnapshot runs the computation in its own transaction.
func (s *Service) ComputeAndSnapshot(ctx context.Context, in ComputeInput) (*domain.OrderTaxCalculation, error) {
	var row *domain.OrderTaxCalculation
	err := s.db.Transaction(func(tx *gorm.DB) error {
		computed, txErr := s.ComputeAndSnapshotTx(ctx, tx, in)
		if txErr != nil {
			return txErr
		}
		row = computed
		return nil
	})
	return row, err
}

// ComputeAndSnapshotTx computes inside the caller's transaction.
func (s *Service) ComputeAndSnapshotTx(ctx context.Context, tx *gorm.DB, in ComputeInput) (*domain.OrderTaxCalculation, error) {
	if in.TaxableAmount < 0 {
		return nil, domain.ErrInvalidTaxableAmount
	}

	if existing, err := s.findByOrder(ctx, tx, in.OrderID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	quote, err := s.lookupRate(ctx, in.Jurisdiction, in.Category)
	if err != nil {
		return nil, err
	}

	taxable, tax, total, err := compute(quote.Method, quote.Rate, in.TaxableAmount)
	if err != nil {
		return nil, err
	}

	row := domain.OrderTaxCalculation{
		ID:                  s.genID.Generate(),
		OrderID:             in.OrderID,
		OrgID:               in.OrgID,
		TaxCategoryName:     quote.CategoryName,
		TaxRate:             quote.Rate.String(),
		TaxJurisdiction:     quote.Jurisdiction,
		CalculationMethod:   string(quote.Method),
		TaxableAmount:       taxable,
		CalculatedTaxAmount: tax,
		TotalAmount:         total,
		Currency:            strings.ToUpper(strings.TrimSpace(in.Currency)),
		CreatedAt:           s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO order_tax_calculations (
			id, order_id, org_id, tax_category_name, tax_rate, tax_jurisdiction,
			calculation_method, taxable_amount, calculated_tax_amount, total_amount,
			currency, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`,
		row.ID, row.OrderID, row.OrgID, row.TaxCategoryName, row.TaxRate,
		row.TaxJurisdiction, row.CalculationMethod, row.TaxableAmount,
		row.CalculatedTaxAmount, row.TotalAmount, row.Currency, row.CreatedAt,
	).Error; err != nil {
		return nil, err
	}

	// Re-read: a concurrent finalize may have frozen the snapshot first.
	frozen, err := s.findByOrder(ctx, tx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if frozen == nil {
		return nil, domain.ErrTaxSnapshotNotFound
	}
	return frozen, nil
}

// GetSnapshot returns the frozen tax calculation for an order.
func (s *Service) GetSnapshot(ctx context.Context, orgID, orderID snowflake.ID) (*domain.OrderTaxCalculation, error) {
	row, err := s.findByOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.OrgID != orgID {
		return nil, domain.ErrTaxSnapshotNotFound
	}
	return row, nil
}

func (s *Service) lookupRate(ctx context.Context, jurisdiction, category string) (domain.RateQuote, error) {
	key := strings.ToUpper(strings.TrimSpace(jurisdiction)) + "|" + strings.ToLower(strings.TrimSpace(category))
	if quote, ok := s.quotes.Get(key); ok {
		return quote, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	quote, err := s.provider.Lookup(lookupCtx, jurisdiction, category)
	if err != nil {
		s.log.Warn("tax rate lookup failed",
			zap.String("jurisdiction", jurisdiction),
			zap.String("category", category),
			zap.Error(err),
		)
		return domain.RateQuote{}, err
	}
	if !quote.Method.Valid() {
		return domain.RateQuote{}, domain.ErrUnknownMethod
	}

	s.quotes.Set(key, quote)
	return quote, nil
}

func (s *Service) findByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.OrderTaxCalculation, error) {
	var row domain.OrderTaxCalculation
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, org_id, tax_category_name, tax_rate, tax_jurisdiction,
		        calculation_method, taxable_amount, calculated_tax_amount, total_amount,
		        currency, created_at
		 FROM order_tax_calculations
		 WHERE order_id = ?`,
		orderID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

// compute applies the method to a minor-unit amount. For exclusive
// pricing the input is the pre-tax base; for inclusive pricing it is
// the gross charge to back the tax out of.
func compute(method domain.CalculationMethod, rate decimal.Decimal, amount int64) (taxable, tax, total int64, err error) {
	switch method {
	case domain.MethodExempt:
		return amount, 0, amount, nil
	case domain.MethodExclusive:
		tax = roundTax(amount, rate)
		return amount, tax, amount + tax, nil
	case domain.MethodInclusive:
		base, tax := splitInclusive(amount, rate)
		return base, tax, amount, nil
	default:
		return 0, 0, 0, domain.ErrUnknownMethod
	}
}

// roundTax is base * rate% rounded half-up to a whole minor unit.
func roundTax(base int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(rate).Div(hundred).Round(0).IntPart()
}

// splitInclusive backs a tax amount out of a gross charge so that
// base + roundTax(base) == gross holds exactly. The initial estimate
// is off by at most a couple of minor units, so a short walk settles
// it.
func splitInclusive(gross int64, rate decimal.Decimal) (int64, int64) {
	if gross == 0 || rate.IsZero() {
		return gross, 0
	}

	base := decimal.NewFromInt(gross).Mul(hundred).Div(hundred.Add(rate)).Round(0).IntPart()
	for i := 0; i < 8; i++ {
		reconstructed := base + roundTax(base, rate)
		if reconstructed == gross {
			return base, gross - base
		}
		if reconstructed > gross {
			base--
		} else {
			base++
		}
	}
	return base, gross - base
}
