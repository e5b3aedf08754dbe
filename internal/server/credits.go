package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/quillforge/quillforge/internal/authctx"
	creditdomain "github.com/quillforge/quillforge/internal/credit/domain"
)

type spendRequest struct {
	UserID string         `json:"user_id"`
	Amount int64          `json:"amount"`
	Reason string         `json:"reason"`
	Meta   map[string]any `json:"meta"`
}

type creditMutationRequest struct {
	UserID string         `json:"user_id"`
	Amount int64          `json:"amount"`
	Reason string         `json:"reason"`
	Meta   map[string]any `json:"meta"`
}

type grantRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type balanceResponse struct {
	OrgID   string `json:"org_id"`
	Balance int64  `json:"balance"`
}

type ledgerResponse struct {
	Entries []creditdomain.LedgerEntry `json:"entries"`
}

func (s *Server) GetBalance(c *gin.Context) {
	orgID, ok := s.orgIDParam(c)
	if !ok {
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{OrgID: orgID.String(), Balance: balance})
}

func (s *Server) ListLedger(c *gin.Context) {
	orgID, ok := s.orgIDParam(c)
	if !ok {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := s.creditSvc.ListLedger(c.Request.Context(), orgID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []creditdomain.LedgerEntry{}
	}
	c.JSON(http.StatusOK, ledgerResponse{Entries: entries})
}

func (s *Server) Spend(c *gin.Context) {
	orgID, ok := s.orgIDParam(c)
	if !ok {
		return
	}

	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "required", "reason is required"))
		return
	}

	amount := req.Amount
	if amount == 0 {
		// Callers may omit the amount for a configured meter; the cost
		// table is deployment configuration, not ledger logic.
		cost, found := s.cfg.Credits.MeterCosts[reason]
		if !found {
			AbortWithError(c, newValidationError("amount", "required", "amount is required for unmetered reasons"))
			return
		}
		amount = cost
	}

	entry, err := s.creditSvc.Spend(c.Request.Context(), creditdomain.SpendRequest{
		OrgID:          orgID,
		UserID:         authctx.ParseUserID(req.UserID),
		Amount:         amount,
		Reason:         reason,
		Meta:           req.Meta,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		RateKey:        c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) Topup(c *gin.Context) {
	orgID, ok := s.orgIDParam(c)
	if !ok {
		return
	}

	var req creditMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "TOPUP"
	}

	err := s.creditSvc.Topup(c.Request.Context(), creditdomain.TopupRequest{
		OrgID:          orgID,
		UserID:         authctx.ParseUserID(req.UserID),
		Amount:         req.Amount,
		Reason:         reason,
		Meta:           req.Meta,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		RateKey:        c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) Grant(c *gin.Context) {
	orgID, ok := s.orgIDParam(c)
	if !ok {
		return
	}

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err := s.creditSvc.Grant(c.Request.Context(), creditdomain.GrantRequest{
		OrgID:   orgID,
		UserID:  authctx.ParseUserID(req.UserID),
		Reason:  strings.TrimSpace(req.Reason),
		RateKey: c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) Refund(c *gin.Context) {
	orgID, ok := s.orgIDParam(c)
	if !ok {
		return
	}

	var req creditMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "REFUND"
	}

	err := s.creditSvc.Refund(c.Request.Context(), creditdomain.RefundRequest{
		OrgID:          orgID,
		UserID:         authctx.ParseUserID(req.UserID),
		Amount:         req.Amount,
		Reason:         reason,
		Meta:           req.Meta,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		RateKey:        c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) orgIDParam(c *gin.Context) (snowflake.ID, bool) {
	orgID, err := snowflake.ParseString(strings.TrimSpace(c.Param("org_id")))
	if err != nil || orgID == 0 {
		AbortWithError(c, newValidationError("org_id", "invalid_organization", "organization id is invalid"))
		return 0, false
	}
	return orgID, true
}

func parsePositiveInt(raw string) (int, error) {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, ErrInvalidRequest
	}
	return value, nil
}
