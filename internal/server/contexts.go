package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// @Summary      List Transaction Contexts
// @Description  Resolve the access grants attached to a transaction
// @Tags         transactions
// @Produce      json
// @Security     ApiKeyAuth
// @Param        id path string true "Transaction ID"
// @Success      200  {object}  []txcontextdomain.ResolvedContext
// @Router       /transactions/{id}/contexts [get]
func (s *Server) ListTransactionContexts(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.contextSvc.ListForTransaction(c.Request.Context(), orgID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
