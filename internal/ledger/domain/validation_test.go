package domain

import (
	"errors"
	"testing"
)

func TestValidateLinesBalanced(t *testing.T) {
	lines := []LineInput{
		{AccountID: 1, Direction: DirectionDebit, Amount: 10825},
		{AccountID: 2, Direction: DirectionCredit, Amount: 10000},
		{AccountID: 3, Direction: DirectionCredit, Amount: 825},
	}
	if err := ValidateLines(lines); err != nil {
		t.Fatalf("expected balanced lines to validate, got %v", err)
	}
}

func TestValidateLinesUnbalanced(t *testing.T) {
	lines := []LineInput{
		{AccountID: 1, Direction: DirectionDebit, Amount: 100},
		{AccountID: 2, Direction: DirectionCredit, Amount: 99},
	}
	if err := ValidateLines(lines); !errors.Is(err, ErrUnbalancedTransaction) {
		t.Fatalf("expected ErrUnbalancedTransaction, got %v", err)
	}
}

func TestValidateLinesRejectsSingleLine(t *testing.T) {
	lines := []LineInput{
		{AccountID: 1, Direction: DirectionDebit, Amount: 100},
	}
	if err := ValidateLines(lines); !errors.Is(err, ErrInvalidEntryLines) {
		t.Fatalf("expected ErrInvalidEntryLines, got %v", err)
	}
}

func TestValidateLinesRejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []int64{0, -5} {
		lines := []LineInput{
			{AccountID: 1, Direction: DirectionDebit, Amount: amount},
			{AccountID: 2, Direction: DirectionCredit, Amount: amount},
		}
		if err := ValidateLines(lines); !errors.Is(err, ErrInvalidLineAmount) {
			t.Fatalf("amount %d: expected ErrInvalidLineAmount, got %v", amount, err)
		}
	}
}

func TestValidateLinesRejectsUnknownDirection(t *testing.T) {
	lines := []LineInput{
		{AccountID: 1, Direction: "sideways", Amount: 100},
		{AccountID: 2, Direction: DirectionCredit, Amount: 100},
	}
	if err := ValidateLines(lines); !errors.Is(err, ErrInvalidLineDirection) {
		t.Fatalf("expected ErrInvalidLineDirection, got %v", err)
	}
}

func TestValidateRequest(t *testing.T) {
	base := PostRequest{
		OrgID:          1,
		IdempotencyKey: "order:42",
		Currency:       "USD",
		Lines: []LineInput{
			{AccountID: 1, Direction: DirectionDebit, Amount: 100},
			{AccountID: 2, Direction: DirectionCredit, Amount: 100},
		},
	}
	if err := ValidateRequest(base); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	noOrg := base
	noOrg.OrgID = 0
	if err := ValidateRequest(noOrg); !errors.Is(err, ErrInvalidOrganization) {
		t.Fatalf("expected ErrInvalidOrganization, got %v", err)
	}

	noKey := base
	noKey.IdempotencyKey = "   "
	if err := ValidateRequest(noKey); !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}

	badEntity := base
	badEntity.BusinessEntityType = "invoice_reversal"
	if err := ValidateRequest(badEntity); !errors.Is(err, ErrInvalidBusinessEntity) {
		t.Fatalf("expected ErrInvalidBusinessEntity, got %v", err)
	}
}

func TestDirectionSigned(t *testing.T) {
	if got := DirectionDebit.Signed(250); got != 250 {
		t.Fatalf("debit signed = %d, want 250", got)
	}
	if got := DirectionCredit.Signed(250); got != -250 {
		t.Fatalf("credit signed = %d, want -250", got)
	}
}
