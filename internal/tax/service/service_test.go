package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/tax/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTaxDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:tax_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(
		`CREATE TABLE order_tax_calculations (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL UNIQUE,
			org_id BIGINT NOT NULL,
			tax_category_name TEXT NOT NULL,
			tax_rate TEXT NOT NULL,
			tax_jurisdiction TEXT NOT NULL,
			calculation_method TEXT NOT NULL,
			taxable_amount BIGINT NOT NULL,
			calculated_tax_amount BIGINT NOT NULL,
			total_amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

type countingProvider struct {
	inner   domain.RateProvider
	lookups int
}

func (p *countingProvider) Lookup(ctx context.Context, jurisdiction, category string) (domain.RateQuote, error) {
	p.lookups++
	return p.inner.Lookup(ctx, jurisdiction, category)
}

func newTestTaxService(t *testing.T, db *gorm.DB, provider domain.RateProvider) (*Service, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.SystemClock{},
		Provider: provider,
		Config: config.Config{
			TaxLookupTimeout: time.Second,
			TaxRateCacheTTL:  time.Minute,
		},
	})
	return svc, node
}

func TestComputeExclusiveHalfUp(t *testing.T) {
	db := setupTaxDB(t)
	svc, node := newTestTaxService(t, db, NewStaticRateProvider())

	// 8.25% of $100.00 is exactly 825 minor units.
	row, err := svc.ComputeAndSnapshot(context.Background(), ComputeInput{
		OrgID:         node.Generate(),
		OrderID:       node.Generate(),
		TaxableAmount: 10000,
		Currency:      "USD",
		Jurisdiction:  "US-CA",
		Category:      "digital_goods",
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if row.CalculatedTaxAmount != 825 {
		t.Fatalf("tax = %d, want 825", row.CalculatedTaxAmount)
	}
	if row.TotalAmount != 10825 {
		t.Fatalf("total = %d, want 10825", row.TotalAmount)
	}
	if row.TaxRate != "8.25" {
		t.Fatalf("frozen rate = %q, want 8.25", row.TaxRate)
	}
	if row.CalculationMethod != string(domain.MethodExclusive) {
		t.Fatalf("method = %q", row.CalculationMethod)
	}

	// 8.25% of $0.30 is 2.475; half-up lands on 2.
	row2, err := svc.ComputeAndSnapshot(context.Background(), ComputeInput{
		OrgID:         node.Generate(),
		OrderID:       node.Generate(),
		TaxableAmount: 30,
		Currency:      "USD",
		Jurisdiction:  "US-CA",
		Category:      "digital_goods",
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if row2.CalculatedTaxAmount != 2 {
		t.Fatalf("tax = %d, want 2", row2.CalculatedTaxAmount)
	}

	// 6.25% of $0.40 is 2.5 exactly; half-up rounds to 3.
	row3, err := svc.ComputeAndSnapshot(context.Background(), ComputeInput{
		OrgID:         node.Generate(),
		OrderID:       node.Generate(),
		TaxableAmount: 40,
		Currency:      "USD",
		Jurisdiction:  "US-TX",
		Category:      "digital_goods",
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if row3.CalculatedTaxAmount != 3 {
		t.Fatalf("tax = %d, want 3 from half-up on 2.5", row3.CalculatedTaxAmount)
	}
}

func TestComputeInclusiveRoundTrips(t *testing.T) {
	db := setupTaxDB(t)
	svc, node := newTestTaxService(t, db, NewStaticRateProvider())

	for _, gross := range []int64{1, 7, 99, 120, 1999, 10000, 123457} {
		row, err := svc.ComputeAndSnapshot(context.Background(), ComputeInput{
			OrgID:         node.Generate(),
			OrderID:       node.Generate(),
			TaxableAmount: gross,
			Currency:      "GBP",
			Jurisdiction:  "GB",
			Category:      "digital_goods",
		})
		if err != nil {
			t.Fatalf("gross %d: %v", gross, err)
		}
		if row.TotalAmount != gross {
			t.Fatalf("gross %d: total = %d, inclusive pricing must keep the charge", gross, row.TotalAmount)
		}
		if row.TaxableAmount+row.CalculatedTaxAmount != gross {
			t.Fatalf("gross %d: base %d + tax %d != gross", gross, row.TaxableAmount, row.CalculatedTaxAmount)
		}
		// The frozen pair must satisfy the rounding law exactly.
		recomputed := roundTax(row.TaxableAmount, decimal.RequireFromString(row.TaxRate))
		if recomputed != row.CalculatedTaxAmount {
			t.Fatalf("gross %d: tax %d does not match round(base*rate) = %d", gross, row.CalculatedTaxAmount, recomputed)
		}
	}
}

func TestComputeExemptIsZero(t *testing.T) {
	db := setupTaxDB(t)
	svc, node := newTestTaxService(t, db, NewStaticRateProvider())

	row, err := svc.ComputeAndSnapshot(context.Background(), ComputeInput{
		OrgID:         node.Generate(),
		OrderID:       node.Generate(),
		TaxableAmount: 5000,
		Currency:      "USD",
		Jurisdiction:  "US-OR",
		Category:      "digital_goods",
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if row.CalculatedTaxAmount != 0 {
		t.Fatalf("tax = %d, want 0", row.CalculatedTaxAmount)
	}
	if row.TotalAmount != 5000 {
		t.Fatalf("total = %d, want 5000", row.TotalAmount)
	}
}

func TestSnapshotIsFrozen(t *testing.T) {
	db := setupTaxDB(t)
	counting := &countingProvider{inner: NewStaticRateProvider()}
	svc, node := newTestTaxService(t, db, counting)

	orgID := node.Generate()
	orderID := node.Generate()
	in := ComputeInput{
		OrgID:         orgID,
		OrderID:       orderID,
		TaxableAmount: 10000,
		Currency:      "USD",
		Jurisdiction:  "US-CA",
		Category:      "digital_goods",
	}

	first, err := svc.ComputeAndSnapshot(context.Background(), in)
	if err != nil {
		t.Fatalf("first compute: %v", err)
	}
	second, err := svc.ComputeAndSnapshot(context.Background(), in)
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("recompute produced a new row %d, want frozen %d", second.ID, first.ID)
	}
	if counting.lookups != 1 {
		t.Fatalf("provider lookups = %d, want 1 (frozen row short-circuits)", counting.lookups)
	}

	got, err := svc.GetSnapshot(context.Background(), orgID, orderID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("get returned %d, want %d", got.ID, first.ID)
	}
}

func TestGetSnapshotMissing(t *testing.T) {
	db := setupTaxDB(t)
	svc, node := newTestTaxService(t, db, NewStaticRateProvider())

	_, err := svc.GetSnapshot(context.Background(), node.Generate(), node.Generate())
	if !errors.Is(err, domain.ErrTaxSnapshotNotFound) {
		t.Fatalf("expected ErrTaxSnapshotNotFound, got %v", err)
	}
}

func TestUnknownJurisdiction(t *testing.T) {
	db := setupTaxDB(t)
	svc, node := newTestTaxService(t, db, NewStaticRateProvider())

	_, err := svc.ComputeAndSnapshot(context.Background(), ComputeInput{
		OrgID:         node.Generate(),
		OrderID:       node.Generate(),
		TaxableAmount: 100,
		Currency:      "USD",
		Jurisdiction:  "US-ZZ",
		Category:      "digital_goods",
	})
	if !errors.Is(err, domain.ErrUnknownJurisdiction) {
		t.Fatalf("expected ErrUnknownJurisdiction, got %v", err)
	}
}
