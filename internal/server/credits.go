package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
)

type creditsResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// GetCredits handles GET /api/credits. Reading the balance provisions the
// account when it does not exist yet, so new users see their starting grant.
func (s *Server) GetCredits(c *gin.Context) {
	userID := currentUserID(c)

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, creditsResponse{UserID: userID, Balance: balance})
}

type historyEntry struct {
	Feature      string  `json:"feature"`
	CreditsDelta int64   `json:"credits_delta"`
	Reason       string  `json:"reason"`
	Reference    *string `json:"reference,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// GetCreditHistory handles GET /api/credits/history.
func (s *Server) GetCreditHistory(c *gin.Context) {
	userID := currentUserID(c)

	limit := ledgerdomain.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > ledgerdomain.MaxHistoryLimit {
		limit = ledgerdomain.MaxHistoryLimit
	}

	records, err := s.ledgerSvc.History(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntry{
			Feature:      record.Feature,
			CreditsDelta: record.CreditsDelta,
			Reason:       record.Reason,
			Reference:    record.Reference,
			CreatedAt:    record.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
