package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	attachmentdomain "github.com/practikit/billing/internal/attachment/domain"
)

func (s *Server) PlaceOrder(c *gin.Context) {
	var req attachmentdomain.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.attachmentSvc.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		// A replayed external_ref returns the original outcome, never a
		// second order.
		status = http.StatusOK
	}

	c.JSON(status, gin.H{"data": resp})
}
