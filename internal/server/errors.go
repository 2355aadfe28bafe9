package server

import (
	"errors"
	"net/http"

	accountdomain "github.com/coursivo/tally/internal/account/domain"
	attributiondomain "github.com/coursivo/tally/internal/attribution/domain"
	ledgerdomain "github.com/coursivo/tally/internal/ledger/domain"
	orderdomain "github.com/coursivo/tally/internal/order/domain"
	taxdomain "github.com/coursivo/tally/internal/tax/domain"
	txcontextdomain "github.com/coursivo/tally/internal/txcontext/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// APIError is the wire shape of a failed request.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

var (
	ErrUnauthorized = &APIError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "missing or invalid credentials"}
	ErrForbidden    = &APIError{Status: http.StatusForbidden, Code: "forbidden", Message: "access denied"}
	ErrNotFound     = &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
	ErrRateLimited  = &APIError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many requests"}
)

func invalidRequestError() *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "request body could not be parsed"}
}

func newValidationError(field, code, message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: code, Message: message, Field: field}
}

var notFoundErrors = []error{
	gorm.ErrRecordNotFound,
	accountdomain.ErrAccountNotFound,
	ledgerdomain.ErrTransactionNotFound,
	ledgerdomain.ErrBusinessEntityNotFound,
	orderdomain.ErrOrderNotFound,
	orderdomain.ErrPaymentNotFound,
	orderdomain.ErrPlanNotFound,
	taxdomain.ErrTaxSnapshotNotFound,
	txcontextdomain.ErrContextNotFound,
}

var badRequestErrors = []error{
	ledgerdomain.ErrUnbalancedTransaction,
	ledgerdomain.ErrInvalidEntryLines,
	ledgerdomain.ErrInvalidLineAmount,
	ledgerdomain.ErrInvalidLineDirection,
	ledgerdomain.ErrInvalidCurrency,
	ledgerdomain.ErrCurrencyMismatch,
	ledgerdomain.ErrInvalidBusinessEntity,
	ledgerdomain.ErrInvalidOrganization,
	ledgerdomain.ErrInvalidIdempotencyKey,
	accountdomain.ErrAccountInactive,
	accountdomain.ErrInvalidAccount,
	accountdomain.ErrBalanceSignViolation,
	orderdomain.ErrOrderHasNoItems,
	orderdomain.ErrOrderTotalsMismatch,
	orderdomain.ErrPaymentOrderMismatch,
	orderdomain.ErrPaymentAmountMismatch,
	orderdomain.ErrInvalidPlan,
	orderdomain.ErrPlanKindMismatch,
	taxdomain.ErrInvalidTaxableAmount,
	taxdomain.ErrUnknownJurisdiction,
	taxdomain.ErrUnknownMethod,
	attributiondomain.ErrInvalidPercentage,
	attributiondomain.ErrShareSumExceeded,
	attributiondomain.ErrMissingCompensationData,
	attributiondomain.ErrConflictingCompensationData,
	attributiondomain.ErrFeesExceedRevenue,
	attributiondomain.ErrInvalidRevenueAmount,
	txcontextdomain.ErrInvalidSubject,
	txcontextdomain.ErrInvalidAccessLevel,
}

var conflictErrors = []error{
	accountdomain.ErrConcurrentModification,
	orderdomain.ErrOrderNotOpen,
	orderdomain.ErrPaymentNotCaptured,
	orderdomain.ErrPlanNotActive,
}

// AbortWithError maps domain errors onto HTTP statuses and stops the
// handler chain.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": &APIError{
				Code: target.Error(), Message: "resource not found",
			}})
			return
		}
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": &APIError{
				Code: target.Error(), Message: "request rejected",
			}})
			return
		}
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": &APIError{
				Code: target.Error(), Message: "request conflicts with current state",
			}})
			return
		}
	}

	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": &APIError{
		Code: "internal_error", Message: "something went wrong",
	}})
}
