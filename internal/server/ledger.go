package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/coursivo/tally/internal/account/domain"
	ledgerdomain "github.com/coursivo/tally/internal/ledger/domain"
	"github.com/gin-gonic/gin"
)

type transactionLineRequest struct {
	AccountID int64  `json:"account_id"`
	Direction string `json:"direction"`
	Amount    int64  `json:"amount"`
	Memo      string `json:"memo"`
}

type createTransactionRequest struct {
	IdempotencyKey     string                   `json:"idempotency_key"`
	Description        string                   `json:"description"`
	BusinessEntityType string                   `json:"business_entity_type"`
	BusinessEntityID   *int64                   `json:"business_entity_id"`
	Currency           string                   `json:"currency"`
	PostedAt           *time.Time               `json:"posted_at"`
	Lines              []transactionLineRequest `json:"lines"`
}

// @Summary      Post Transaction
// @Description  Post a balanced multi-line ledger transaction
// @Tags         transactions
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        request body createTransactionRequest true "Post Transaction Request"
// @Success      200  {object}  ledgerdomain.PostResult
// @Router       /transactions [post]
func (s *Server) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	posting := ledgerdomain.PostRequest{
		OrgID:              orgID(c),
		IdempotencyKey:     strings.TrimSpace(req.IdempotencyKey),
		Description:        strings.TrimSpace(req.Description),
		BusinessEntityType: ledgerdomain.BusinessEntityType(strings.TrimSpace(req.BusinessEntityType)),
		Currency:           req.Currency,
	}
	if req.BusinessEntityID != nil {
		posting.BusinessEntityID = snowflake.ID(*req.BusinessEntityID)
	}
	if req.PostedAt != nil {
		posting.PostedAt = req.PostedAt.UTC()
	}
	for _, line := range req.Lines {
		posting.Lines = append(posting.Lines, ledgerdomain.LineInput{
			AccountID: snowflake.ID(line.AccountID),
			Direction: ledgerdomain.Direction(strings.TrimSpace(line.Direction)),
			Amount:    line.Amount,
			Memo:      strings.TrimSpace(line.Memo),
		})
	}

	resp, err := s.ledgerSvc.Post(c.Request.Context(), posting)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Get Transaction
// @Description  Fetch a posted transaction with its entry lines
// @Tags         transactions
// @Produce      json
// @Security     ApiKeyAuth
// @Param        id path string true "Transaction ID"
// @Success      200  {object}  ledgerdomain.Transaction
// @Router       /transactions/{id} [get]
func (s *Server) GetTransaction(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	transaction, lines, err := s.ledgerSvc.GetTransaction(c.Request.Context(), orgID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"transaction": transaction,
		"lines":       lines,
	}})
}

// @Summary      Get Balance
// @Description  Read an account balance, live or as of a past instant
// @Tags         accounts
// @Produce      json
// @Security     ApiKeyAuth
// @Param        id    path  string true  "Account ID"
// @Param        as_of query string false "RFC 3339 instant"
// @Success      200  {object}  ledgerdomain.Balance
// @Router       /accounts/{id}/balance [get]
func (s *Server) GetBalance(c *gin.Context) {
	accountID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.requireOrgAccount(c, accountID); err != nil {
		AbortWithError(c, err)
		return
	}

	var balance *ledgerdomain.Balance
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		asOf, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			AbortWithError(c, newValidationError("as_of", "invalid_timestamp", "as_of must be RFC 3339"))
			return
		}
		balance, err = s.ledgerSvc.BalanceAsOf(c.Request.Context(), accountID, asOf.UTC())
	} else {
		balance, err = s.ledgerSvc.GetBalance(c.Request.Context(), accountID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

type takeSnapshotRequest struct {
	AsOf *time.Time `json:"as_of"`
}

// @Summary      Take Snapshot
// @Description  Record an immutable balance snapshot for an account
// @Tags         accounts
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        id path string true "Account ID"
// @Success      200  {object}  accountdomain.BalanceSnapshot
// @Router       /accounts/{id}/snapshots [post]
func (s *Server) TakeSnapshot(c *gin.Context) {
	accountID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.requireOrgAccount(c, accountID); err != nil {
		AbortWithError(c, err)
		return
	}

	var req takeSnapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	asOf := time.Time{}
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	row, err := s.snapshotSvc.Take(c.Request.Context(), accountID, asOf, accountdomain.SnapshotReasonOnDemand)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}

func (s *Server) LatestSnapshot(c *gin.Context) {
	accountID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.requireOrgAccount(c, accountID); err != nil {
		AbortWithError(c, err)
		return
	}

	row, err := s.snapshotSvc.Latest(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if row == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}

// requireOrgAccount rejects reads of accounts owned by another org.
func (s *Server) requireOrgAccount(c *gin.Context, accountID snowflake.ID) error {
	account, err := s.accounts.Find(c.Request.Context(), s.db, accountID)
	if err != nil {
		return err
	}
	if account.OrgID != orgID(c) {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}
