package domain

import "strings"

// ValidateLines checks structural validity of a posting request:
// at least two lines, positive amounts, known directions, and equal
// debit and credit totals.
func ValidateLines(lines []LineInput) error {
	if len(lines) < 2 {
		return ErrInvalidEntryLines
	}

	var debitTotal, creditTotal int64
	for _, line := range lines {
		if line.AccountID == 0 {
			return ErrInvalidEntryLines
		}
		if !line.Direction.Valid() {
			return ErrInvalidLineDirection
		}
		if line.Amount <= 0 {
			return ErrInvalidLineAmount
		}
		switch line.Direction {
		case DirectionDebit:
			debitTotal += line.Amount
		case DirectionCredit:
			creditTotal += line.Amount
		}
	}

	if debitTotal != creditTotal {
		return ErrUnbalancedTransaction
	}
	return nil
}

// ValidateRequest checks everything about a posting request that does
// not require database access.
func ValidateRequest(req PostRequest) error {
	if req.OrgID == 0 {
		return ErrInvalidOrganization
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return ErrInvalidIdempotencyKey
	}
	if req.BusinessEntityType != "" && !req.BusinessEntityType.Valid() {
		return ErrInvalidBusinessEntity
	}
	return ValidateLines(req.Lines)
}
