package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/coursivo/tally/internal/attribution/domain"
	"github.com/gin-gonic/gin"
)

type setEmployeeAttributionRequest struct {
	EmployeeID             int64   `json:"employee_id"`
	ProductID              int64   `json:"product_id"`
	CompensationType       string  `json:"compensation_type"`
	RevenueSharePercentage *string `json:"revenue_share_percentage"`
	CompensationAmount     *int64  `json:"compensation_amount"`
	SharePercentage        string  `json:"share_percentage"`
	IsActive               *bool   `json:"is_active"`
}

// @Summary      Set Employee Attribution
// @Description  Configure an employee's cut of a product's revenue
// @Tags         attributions
// @Accept       json
// @Produce      json
// @Security     ApiKeyAuth
// @Param        request body setEmployeeAttributionRequest true "Set Employee Attribution Request"
// @Success      200  {object}  attributiondomain.EmployeeProductAttribution
// @Router       /attributions/employees [put]
func (s *Server) SetEmployeeAttribution(c *gin.Context) {
	var req setEmployeeAttributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	attribution := attributiondomain.EmployeeProductAttribution{
		OrgID:                  orgID(c),
		EmployeeID:             snowflake.ID(req.EmployeeID),
		ProductID:              snowflake.ID(req.ProductID),
		CompensationType:       attributiondomain.CompensationType(req.CompensationType),
		RevenueSharePercentage: req.RevenueSharePercentage,
		CompensationAmount:     req.CompensationAmount,
		SharePercentage:        req.SharePercentage,
		IsActive:               true,
	}
	if attribution.SharePercentage == "" {
		attribution.SharePercentage = "100"
	}
	if req.IsActive != nil {
		attribution.IsActive = *req.IsActive
	}

	resp, err := s.attributionSvc.SetEmployeeAttribution(c.Request.Context(), attribution)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		org := attribution.OrgID
		targetID := resp.EmployeeID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), &org, "", nil, "attribution.employee.set", "employee_product_attribution", &targetID, map[string]any{
			"employee_id":       resp.EmployeeID.String(),
			"product_id":        resp.ProductID.String(),
			"compensation_type": string(resp.CompensationType),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
