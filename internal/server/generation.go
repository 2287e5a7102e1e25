package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/propreel/propreel/internal/generation/domain"
)

// CreateGeneration handles POST /api/generate. The full batch cost is
// reserved before the job is accepted; a rejected reservation surfaces as
// 402 with the observed balance.
func (s *Server) CreateGeneration(c *gin.Context) {
	var req generationdomain.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = currentUserID(c)

	resp, err := s.generationSvc.CreateBatch(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// GetJob handles GET /api/jobs/:id.
func (s *Server) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		AbortWithError(c, generationdomain.ErrJobNotFound)
		return
	}

	view, err := s.generationSvc.GetJob(c.Request.Context(), currentUserID(c), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// CancelJob handles POST /api/jobs/:id/cancel. Unfinished items are refunded.
func (s *Server) CancelJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		AbortWithError(c, generationdomain.ErrJobNotFound)
		return
	}

	view, err := s.generationSvc.CancelJob(c.Request.Context(), currentUserID(c), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
