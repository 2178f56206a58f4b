package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type resolveReviewItemRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
}

func (s *Server) ListReviewQueue(c *gin.Context) {
	resp, err := s.reviewSvc.ListOpen(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Items})
}

func (s *Server) ResolveReviewItem(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := snowflake.ParseString(id); err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req resolveReviewItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.reviewSvc.Resolve(c.Request.Context(), id, req.ResolvedBy); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
