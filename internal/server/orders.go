package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/coursivo/tally/internal/order/domain"
	orderservice "github.com/coursivo/tally/internal/order/service"
	"github.com/gin-gonic/gin"
)

type orderItemRequest struct {
	ProductID      int64  `json:"product_id"`
	PaymentPlanID  *int64 `json:"payment_plan_id"`
	Description    string `json:"description"`
	Quantity       int    `json:"quantity"`
	UnitAmount     int64  `json:"unit_amount"`
	DiscountAmount int64  `json:"discount_amount"`
}

type orderDiscountRequest struct {
	Code   string `json:"code"`
	Amount int64  `json:"amount"`
}

type createOrderRequest struct {
	MemberID        int64                  `json:"member_id"`
	Currency        string                 `json:"currency"`
	TaxJurisdiction string                 `json:"tax_jurisdiction"`
	TaxCategory     string                 `json:"tax_category"`
	Items           []orderItemRequest     `json:"items"`
	Discounts       []orderDiscountRequest `json:"discounts"`
}

// @Summary      Create Order
// @Description  Open a pending order with items and discounts
// @Tags         orders
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        request body createOrderRequest true "Create Order Request"
// @Success      200  {object}  orderdomain.Order
// @Router       /orders [post]
func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	create := orderservice.CreateOrderRequest{
		OrgID:           orgID(c),
		MemberID:        snowflake.ID(req.MemberID),
		Currency:        req.Currency,
		TaxJurisdiction: req.TaxJurisdiction,
		TaxCategory:     req.TaxCategory,
	}
	for _, item := range req.Items {
		in := orderservice.CreateOrderItem{
			ProductID:      snowflake.ID(item.ProductID),
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitAmount:     item.UnitAmount,
			DiscountAmount: item.DiscountAmount,
		}
		if item.PaymentPlanID != nil {
			planID := snowflake.ID(*item.PaymentPlanID)
			in.PaymentPlanID = &planID
		}
		create.Items = append(create.Items, in)
	}
	for _, discount := range req.Discounts {
		create.Discounts = append(create.Discounts, orderservice.CreateOrderDiscount{
			Code:   discount.Code,
			Amount: discount.Amount,
		})
	}

	resp, err := s.orderSvc.CreateOrder(c.Request.Context(), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.orderSvc.GetOrder(c.Request.Context(), orgID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type recordPaymentRequest struct {
	Provider           string `json:"provider"`
	Amount             int64  `json:"amount"`
	ProcessorFeeAmount int64  `json:"processor_fee_amount"`
	Currency           string `json:"currency"`
}

// @Summary      Record Payment
// @Description  Attach a captured processor charge to a pending order
// @Tags         orders
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        id      path string               true "Order ID"
// @Param        request body recordPaymentRequest true "Record Payment Request"
// @Success      200  {object}  orderdomain.OrderPayment
// @Router       /orders/{id}/payments [post]
func (s *Server) RecordPayment(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.orderSvc.RecordPayment(c.Request.Context(), orderservice.RecordPaymentRequest{
		OrgID:              orgID(c),
		OrderID:            id,
		Provider:           req.Provider,
		Amount:             req.Amount,
		ProcessorFeeAmount: req.ProcessorFeeAmount,
		Currency:           req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type finalizeOrderRequest struct {
	PaymentID int64 `json:"payment_id"`
}

// @Summary      Finalize Order
// @Description  Settle a paid order: freeze tax, attribute revenue, post the ledger transaction
// @Tags         orders
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        id      path string               true "Order ID"
// @Param        request body finalizeOrderRequest true "Finalize Order Request"
// @Success      200  {object}  orderservice.FinalizeResult
// @Router       /orders/{id}/finalize [post]
func (s *Server) FinalizeOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req finalizeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.PaymentID <= 0 {
		AbortWithError(c, newValidationError("payment_id", "required", "payment_id is required"))
		return
	}

	resp, err := s.orderSvc.FinalizeOrder(c.Request.Context(), orderservice.FinalizeRequest{
		OrgID:     orgID(c),
		OrderID:   id,
		PaymentID: snowflake.ID(req.PaymentID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Get Order Tax
// @Description  Read the frozen tax snapshot of an order
// @Tags         orders
// @Produce      json
// @Security     ApiKeyAuth
// @Param        id path string true "Order ID"
// @Success      200  {object}  taxdomain.OrderTaxCalculation
// @Router       /orders/{id}/tax [get]
func (s *Server) GetOrderTax(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.taxSvc.GetSnapshot(c.Request.Context(), orgID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListOrderAttributions(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.attributionSvc.ListForOrder(c.Request.Context(), orgID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type createPlanRequest struct {
	ProductID      int64      `json:"product_id"`
	Kind           string     `json:"kind"`
	AccessTier     string     `json:"access_tier"`
	Currency       string     `json:"currency"`
	IsTransferable bool       `json:"is_transferable"`
	ValidFrom      *time.Time `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until"`

	OneTime *struct {
		PriceAmount int64 `json:"price_amount"`
	} `json:"one_time"`
	Subscription *struct {
		IntervalUnit  string `json:"interval_unit"`
		IntervalCount int    `json:"interval_count"`
		PriceAmount   int64  `json:"price_amount"`
		TrialDays     int    `json:"trial_days"`
	} `json:"subscription"`
	UsageBased *struct {
		UnitAmount    int64  `json:"unit_amount"`
		UnitLabel     string `json:"unit_label"`
		MinimumAmount int64  `json:"minimum_amount"`
	} `json:"usage_based"`
}

// @Summary      Create Payment Plan
// @Description  Create a payment plan with its pricing subtype
// @Tags         plans
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        request body createPlanRequest true "Create Plan Request"
// @Success      200  {object}  orderdomain.PaymentPlan
// @Router       /plans [post]
func (s *Server) CreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan := orderdomain.PaymentPlan{
		OrgID:          orgID(c),
		ProductID:      snowflake.ID(req.ProductID),
		Kind:           orderdomain.PlanKind(strings.TrimSpace(req.Kind)),
		AccessTier:     strings.TrimSpace(req.AccessTier),
		Currency:       req.Currency,
		IsTransferable: req.IsTransferable,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
	}
	if req.OneTime != nil {
		plan.OneTime = &orderdomain.OneTimePlan{PriceAmount: req.OneTime.PriceAmount}
	}
	if req.Subscription != nil {
		plan.Subscription = &orderdomain.SubscriptionPlan{
			IntervalUnit:  strings.TrimSpace(req.Subscription.IntervalUnit),
			IntervalCount: req.Subscription.IntervalCount,
			PriceAmount:   req.Subscription.PriceAmount,
			TrialDays:     req.Subscription.TrialDays,
		}
	}
	if req.UsageBased != nil {
		plan.UsageBased = &orderdomain.UsageBasedPlan{
			UnitAmount:    req.UsageBased.UnitAmount,
			UnitLabel:     strings.TrimSpace(req.UsageBased.UnitLabel),
			MinimumAmount: req.UsageBased.MinimumAmount,
		}
	}

	resp, err := s.orderSvc.CreatePlan(c.Request.Context(), plan)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPlan(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.orderSvc.FindPlan(c.Request.Context(), orgID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
