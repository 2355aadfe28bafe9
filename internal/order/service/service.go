package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/coursivo/tally/internal/account/domain"
	attributiondomain "github.com/coursivo/tally/internal/attribution/domain"
	attributionservice "github.com/coursivo/tally/internal/attribution/service"
	auditdomain "github.com/coursivo/tally/internal/audit/domain"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/config"
	"github.com/coursivo/tally/internal/currency"
	"github.com/coursivo/tally/internal/events"
	ledgerdomain "github.com/coursivo/tally/internal/ledger/domain"
	"github.com/coursivo/tally/internal/order/domain"
	taxservice "github.com/coursivo/tally/internal/tax/service"
	txcontextdomain "github.com/coursivo/tally/internal/txcontext/domain"
	txcontextservice "github.com/coursivo/tally/internal/txcontext/service"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxFinalizeAttempts = 3

var hundred = decimal.NewFromInt(100)

// errAlreadyFinalized aborts a finalize transaction when another
// request settled the same payment first.
var errAlreadyFinalized = errors.New("order_already_finalized")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Accounts    accountdomain.Repository
	Ledger      ledgerdomain.Service
	Tax         *taxservice.Service
	Attribution *attributionservice.Service
	Contexts    *txcontextservice.Resolver
	Outbox      *events.Outbox
	Audit       auditdomain.Service
}

// Service finalizes orders: it freezes tax, splits revenue, posts the
// balanced settlement transaction, and grants access contexts, all in
// one database transaction.
type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	accounts       accountdomain.Repository
	ledger         ledgerdomain.Service
	tax            *taxservice.Service
	attribution    *attributionservice.Service
	contexts       *txcontextservice.Resolver
	outbox         *events.Outbox
	audit          auditdomain.Service
	platformFeePct decimal.Decimal
}

func NewService(p Params) *Service {
	pct, err := decimal.NewFromString(strings.TrimSpace(p.Config.PlatformFeePercent))
	if err != nil || pct.IsNegative() || pct.GreaterThan(hundred) {
		p.Log.Warn("invalid platform fee percent, using 10",
			zap.String("configured", p.Config.PlatformFeePercent),
		)
		pct = decimal.NewFromInt(10)
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("order.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		accounts:       p.Accounts,
		ledger:         p.Ledger,
		tax:            p.Tax,
		attribution:    p.Attribution,
		contexts:       p.Contexts,
		outbox:         p.Outbox,
		audit:          p.Audit,
		platformFeePct: pct,
	}
}

// FinalizeRequest settles an order against a captured payment.
type FinalizeRequest struct {
	OrgID     snowflake.ID
	OrderID   snowflake.ID
	PaymentID snowflake.ID
}

// FinalizeResult reports the settlement. Duplicate means the payment
// was already finalized and nothing new was written.
type FinalizeResult struct {
	OrderID       snowflake.ID
	TransactionID snowflake.ID
	Number        string
	TaxAmount     int64
	TotalAmount   int64
	Duplicate     bool
}

// FinalizeOrder is idempotent per payment: replaying the same payment
// returns the original settlement.
func (s *Service) FinalizeOrder(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	if req.OrgID == 0 || req.OrderID == 0 {
		return nil, domain.ErrOrderNotFound
	}
	if req.PaymentID == 0 {
		return nil, domain.ErrPaymentNotFound
	}

	var result *FinalizeResult
	var err error
	for attempt := 1; attempt <= maxFinalizeAttempts; attempt++ {
		result, err = s.finalizeOnce(ctx, req)
		if errors.Is(err, errAlreadyFinalized) {
			return s.duplicateResult(ctx, req)
		}
		if !errors.Is(err, accountdomain.ErrConcurrentModification) {
			break
		}
		if attempt < maxFinalizeAttempts {
			backoff := time.Duration(attempt)*20*time.Millisecond +
				time.Duration(rand.Intn(20))*time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		return nil, err
	}

	targetID := result.OrderID.String()
	_ = s.audit.AuditLog(ctx, &req.OrgID, "", nil, "order.finalized", "order", &targetID, map[string]any{
		"transaction_id": result.TransactionID.String(),
		"total_amount":   result.TotalAmount,
		"tax_amount":     result.TaxAmount,
	})
	s.log.Info("order finalized",
		zap.Int64("order_id", int64(result.OrderID)),
		zap.Int64("transaction_id", int64(result.TransactionID)),
		zap.Int64("total_amount", result.TotalAmount),
	)
	return result, nil
}

func (s *Service) finalizeOnce(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	idempotencyKey := "order:" + req.PaymentID.String()

	var result *FinalizeResult
	var grants []txcontextdomain.Grant
	err := s.db.Transaction(func(tx *gorm.DB) error {
		order, err := s.findOrder(ctx, tx, req.OrgID, req.OrderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusFinalized {
			return errAlreadyFinalized
		}
		if order.Status != domain.OrderStatusPending {
			return domain.ErrOrderNotOpen
		}

		payment, err := s.findPayment(ctx, tx, req.PaymentID)
		if err != nil {
			return err
		}
		if payment.OrderID != order.ID {
			return domain.ErrPaymentOrderMismatch
		}
		if payment.Status != domain.PaymentStatusCaptured {
			return domain.ErrPaymentNotCaptured
		}
		if currency.Normalize(payment.Currency) != currency.Normalize(order.Currency) {
			return ledgerdomain.ErrCurrencyMismatch
		}

		items, err := s.findItems(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return domain.ErrOrderHasNoItems
		}

		var subtotal, itemDiscounts int64
		for i := range items {
			subtotal += items[i].SubtotalAmount
			itemDiscounts += items[i].DiscountAmount
			if items[i].PaymentPlanID != nil {
				plan, err := s.findPlan(ctx, tx, order.OrgID, *items[i].PaymentPlanID)
				if err != nil {
					return err
				}
				if !plan.ActiveAt(order.PlacedAt) {
					return domain.ErrPlanNotActive
				}
			}
		}
		orderDiscounts, err := s.sumDiscounts(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if subtotal != order.SubtotalAmount {
			return domain.ErrOrderTotalsMismatch
		}
		if itemDiscounts+orderDiscounts != order.DiscountAmount {
			return domain.ErrOrderTotalsMismatch
		}
		net := subtotal - order.DiscountAmount
		if net < 0 {
			return domain.ErrOrderTotalsMismatch
		}

		taxRow, err := s.tax.ComputeAndSnapshotTx(ctx, tx, taxservice.ComputeInput{
			OrgID:         order.OrgID,
			OrderID:       order.ID,
			TaxableAmount: net,
			Currency:      order.Currency,
			Jurisdiction:  order.TaxJurisdiction,
			Category:      order.TaxCategory,
		})
		if err != nil {
			return err
		}
		total := taxRow.TotalAmount
		taxAmount := taxRow.CalculatedTaxAmount
		netBase := taxRow.TaxableAmount
		if payment.Amount != total {
			return domain.ErrPaymentAmountMismatch
		}

		platformFee := decimal.NewFromInt(netBase).Mul(s.platformFeePct).Div(hundred).Round(0).IntPart()
		processorFee := payment.ProcessorFeeAmount
		if platformFee+processorFee > netBase {
			return attributiondomain.ErrFeesExceedRevenue
		}

		weights := make([]int64, len(items))
		itemIDs := make([]snowflake.ID, len(items))
		for i := range items {
			weights[i] = items[i].NetAmount()
			itemIDs[i] = items[i].ID
		}
		netAlloc := allocate(netBase, weights)
		platformAlloc := allocate(platformFee, weights)
		processorAlloc := allocate(processorFee, weights)
		taxAlloc := allocate(taxAmount, weights)

		employeeTotals := map[snowflake.ID]int64{}
		var orgTotal int64
		for i := range items {
			rows, err := s.attribution.AttributeTx(ctx, tx, attributionservice.AttributeInput{
				OrgID:        order.OrgID,
				OrderItemID:  items[i].ID,
				ProductID:    items[i].ProductID,
				NetRevenue:   netAlloc[i],
				PlatformFee:  platformAlloc[i],
				ProcessorFee: processorAlloc[i],
				TaxAmount:    taxAlloc[i],
				Currency:     order.Currency,
			})
			if err != nil {
				return err
			}
			for _, row := range rows {
				switch row.RecipientType {
				case attributiondomain.RecipientEmployee:
					employeeTotals[*row.RecipientID] += row.RevenueAmount
				case attributiondomain.RecipientOrganization:
					orgTotal += row.RevenueAmount
				}
			}
		}

		lines, err := s.buildLines(ctx, tx, order, total, orgTotal, employeeTotals, platformFee, processorFee, taxAmount)
		if err != nil {
			return err
		}

		posted, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
			OrgID:              order.OrgID,
			IdempotencyKey:     idempotencyKey,
			Description:        "settlement for order " + order.Number,
			BusinessEntityType: ledgerdomain.BusinessEntityOrder,
			BusinessEntityID:   order.ID,
			Currency:           order.Currency,
			Lines:              lines,
		})
		if err != nil {
			return err
		}
		if posted.Duplicate {
			return errAlreadyFinalized
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE revenue_attributions SET transaction_id = ? WHERE order_item_id IN ?`,
			posted.TransactionID, itemIDs,
		).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE orders
			 SET status = ?, tax_amount = ?, total_amount = ?, finalized_at = ?, updated_at = ?
			 WHERE id = ?`,
			domain.OrderStatusFinalized, taxAmount, total, now, now, order.ID,
		).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE order_payments SET status = ?, paid_at = COALESCE(paid_at, ?) WHERE id = ?`,
			domain.PaymentStatusSettled, now, payment.ID,
		).Error; err != nil {
			return err
		}

		grants, err = s.grantContexts(ctx, tx, order, posted.TransactionID, employeeTotals)
		if err != nil {
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: order.OrgID,
			Type:  events.EventOrderFinalized,
			Payload: events.OrderFinalizedPayload{
				OrderID:       order.ID.String(),
				TransactionID: posted.TransactionID.String(),
				Currency:      order.Currency,
				TotalAmount:   total,
			}.ToMap(),
			DedupeKey: "order_finalized:" + order.ID.String(),
		}); err != nil {
			return err
		}

		result = &FinalizeResult{
			OrderID:       order.ID,
			TransactionID: posted.TransactionID,
			Number:        posted.Number,
			TaxAmount:     taxAmount,
			TotalAmount:   total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Policy rows live on the enforcer's own connection, so they are
	// flushed only once the grant rows are committed.
	if err := s.contexts.EnsurePolicies(ctx, grants); err != nil {
		return nil, err
	}
	return result, nil
}

// buildLines assembles the balanced settlement posting: receivable
// takes the gross charge, the credits mirror the attribution split
// plus collected tax.
func (s *Service) buildLines(
	ctx context.Context,
	tx *gorm.DB,
	order *domain.Order,
	total, orgTotal int64,
	employeeTotals map[snowflake.ID]int64,
	platformFee, processorFee, taxAmount int64,
) ([]ledgerdomain.LineInput, error) {
	ensure := func(spec accountdomain.EnsureSpec) (*accountdomain.Account, error) {
		spec.OrgID = order.OrgID
		spec.Currency = order.Currency
		return s.accounts.EnsureSystemAccount(ctx, tx, spec)
	}

	receivable, err := ensure(accountdomain.EnsureSpec{
		Code: accountdomain.CodeAccountsReceivable, Name: "Accounts Receivable",
		Type: accountdomain.AccountTypeAsset, NormalBalance: accountdomain.NormalBalanceDebit,
	})
	if err != nil {
		return nil, err
	}
	lines := []ledgerdomain.LineInput{{
		AccountID: receivable.ID,
		Direction: ledgerdomain.DirectionDebit,
		Amount:    total,
		Memo:      "order " + order.Number,
	}}

	credit := func(account *accountdomain.Account, amount int64, memo string) {
		if amount > 0 {
			lines = append(lines, ledgerdomain.LineInput{
				AccountID: account.ID,
				Direction: ledgerdomain.DirectionCredit,
				Amount:    amount,
				Memo:      memo,
			})
		}
	}

	revenue, err := ensure(accountdomain.EnsureSpec{
		Code: accountdomain.CodeSalesRevenue, Name: "Sales Revenue",
		Type: accountdomain.AccountTypeRevenue, NormalBalance: accountdomain.NormalBalanceCredit,
	})
	if err != nil {
		return nil, err
	}
	credit(revenue, orgTotal, "organization revenue")

	employeeIDs := make([]snowflake.ID, 0, len(employeeTotals))
	for employeeID := range employeeTotals {
		employeeIDs = append(employeeIDs, employeeID)
	}
	sort.Slice(employeeIDs, func(i, j int) bool { return employeeIDs[i] < employeeIDs[j] })
	for _, employeeID := range employeeIDs {
		memberID := employeeID
		payable, err := ensure(accountdomain.EnsureSpec{
			Code:          accountdomain.CodeEmployeePayablePrefix + employeeID.String(),
			Name:          fmt.Sprintf("Employee Payable %d", employeeID),
			Type:          accountdomain.AccountTypeLiability,
			NormalBalance: accountdomain.NormalBalanceCredit,
			MemberID:      &memberID,
		})
		if err != nil {
			return nil, err
		}
		credit(payable, employeeTotals[employeeID], "employee revenue share")
	}

	platformPayable, err := ensure(accountdomain.EnsureSpec{
		Code: accountdomain.CodePlatformFeesPayable, Name: "Platform Fees Payable",
		Type: accountdomain.AccountTypeLiability, NormalBalance: accountdomain.NormalBalanceCredit,
	})
	if err != nil {
		return nil, err
	}
	credit(platformPayable, platformFee, "platform fee")

	processorPayable, err := ensure(accountdomain.EnsureSpec{
		Code: accountdomain.CodeProcessorFeesPayable, Name: "Processor Fees Payable",
		Type: accountdomain.AccountTypeLiability, NormalBalance: accountdomain.NormalBalanceCredit,
	})
	if err != nil {
		return nil, err
	}
	credit(processorPayable, processorFee, "processor fee")

	taxPayable, err := ensure(accountdomain.EnsureSpec{
		Code: accountdomain.CodeTaxPayable, Name: "Tax Payable",
		Type: accountdomain.AccountTypeLiability, NormalBalance: accountdomain.NormalBalanceCredit,
	})
	if err != nil {
		return nil, err
	}
	credit(taxPayable, taxAmount, "collected tax")

	return lines, nil
}

func (s *Service) grantContexts(
	ctx context.Context,
	tx *gorm.DB,
	order *domain.Order,
	transactionID snowflake.ID,
	employeeTotals map[snowflake.ID]int64,
) ([]txcontextdomain.Grant, error) {
	grants := []txcontextdomain.Grant{
		{
			TransactionID: transactionID,
			OrgID:         order.OrgID,
			AccessLevel:   txcontextdomain.AccessFull,
			Relationship:  txcontextdomain.RelationshipAdministrator,
			Subject:       txcontextdomain.Subject{Kind: txcontextdomain.SubjectOrganization, GranteeOrgID: order.OrgID},
		},
		{
			TransactionID: transactionID,
			OrgID:         order.OrgID,
			AccessLevel:   txcontextdomain.AccessViewer,
			Relationship:  txcontextdomain.RelationshipParticipant,
			Subject:       txcontextdomain.Subject{Kind: txcontextdomain.SubjectMember, MemberID: order.MemberID},
		},
	}
	employeeIDs := make([]snowflake.ID, 0, len(employeeTotals))
	for employeeID := range employeeTotals {
		employeeIDs = append(employeeIDs, employeeID)
	}
	sort.Slice(employeeIDs, func(i, j int) bool { return employeeIDs[i] < employeeIDs[j] })
	for _, employeeID := range employeeIDs {
		grants = append(grants, txcontextdomain.Grant{
			TransactionID: transactionID,
			OrgID:         order.OrgID,
			AccessLevel:   txcontextdomain.AccessSummary,
			Relationship:  txcontextdomain.RelationshipCreator,
			Subject:       txcontextdomain.Subject{Kind: txcontextdomain.SubjectEmployee, EmployeeID: employeeID},
		})
	}

	for _, grant := range grants {
		if _, err := s.contexts.GrantTx(ctx, tx, grant); err != nil {
			return nil, err
		}
	}
	return grants, nil
}

func (s *Service) duplicateResult(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	order, err := s.findOrder(ctx, s.db, req.OrgID, req.OrderID)
	if err != nil {
		return nil, err
	}

	type existingTx struct {
		ID     snowflake.ID
		Number string
	}
	var existing existingTx
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, number FROM account_transactions WHERE org_id = ? AND idempotency_key = ?`,
		req.OrgID,
		"order:"+req.PaymentID.String(),
	).Scan(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID == 0 {
		return nil, ledgerdomain.ErrTransactionNotFound
	}

	// Repair a crash between the finalize commit and the policy flush.
	if err := s.contexts.SyncTransactionPolicies(ctx, req.OrgID, existing.ID); err != nil {
		return nil, err
	}
	return &FinalizeResult{
		OrderID:       order.ID,
		TransactionID: existing.ID,
		Number:        existing.Number,
		TaxAmount:     order.TaxAmount,
		TotalAmount:   order.TotalAmount,
		Duplicate:     true,
	}, nil
}

// GetOrder loads an order with org scoping.
func (s *Service) GetOrder(ctx context.Context, orgID, orderID snowflake.ID) (*domain.Order, error) {
	return s.findOrder(ctx, s.db, orgID, orderID)
}

func (s *Service) findOrder(ctx context.Context, db *gorm.DB, orgID, orderID snowflake.ID) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, member_id, number, status, currency, subtotal_amount,
		        discount_amount, tax_amount, total_amount, tax_jurisdiction,
		        tax_category, placed_at, finalized_at, created_at, updated_at
		 FROM orders
		 WHERE id = ? AND org_id = ?`,
		orderID,
		orgID,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (s *Service) findPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*domain.OrderPayment, error) {
	var payment domain.OrderPayment
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, provider, status, amount, processor_fee_amount, currency, paid_at, created_at
		 FROM order_payments
		 WHERE id = ?`,
		paymentID,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &payment, nil
}

func (s *Service) findItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.OrderItem, error) {
	var items []domain.OrderItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, product_id, payment_plan_id, description, quantity,
		        unit_amount, subtotal_amount, discount_amount, created_at
		 FROM order_items
		 WHERE order_id = ?
		 ORDER BY id`,
		orderID,
	).Scan(&items).Error
	return items, err
}

func (s *Service) sumDiscounts(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM order_discounts WHERE order_id = ?`,
		orderID,
	).Scan(&total).Error
	return total, err
}

// allocate splits a total across weights, assigning rounding leftovers
// to the final bucket so the parts always sum back to the total.
func allocate(total int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	if len(weights) == 0 || total == 0 {
		return out
	}

	var sum int64
	for _, weight := range weights {
		if weight > 0 {
			sum += weight
		}
	}

	var running int64
	for i, weight := range weights {
		if i == len(weights)-1 {
			out[i] = total - running
			break
		}
		if sum > 0 && weight > 0 {
			out[i] = total * weight / sum
		}
		running += out[i]
	}
	return out
}
