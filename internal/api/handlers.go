package api

import (
	"errors"
	"net/http"
	"strconv"

	"candle-signal-bot/internal/auth"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/payment"
	"candle-signal-bot/internal/tracking"

	"github.com/gin-gonic/gin"
)

// StartPredictionRequest is the body for POST /api/predictions
type StartPredictionRequest struct {
	Symbol     string `json:"symbol" binding:"required"`
	Prediction string `json:"prediction" binding:"required"`
}

// CreatePaymentRequest is the body for POST /api/payments
type CreatePaymentRequest struct {
	PackageID string `json:"package_id" binding:"required"`
}

// handleStartPrediction opens a tracking session for an UP/DOWN call
func (s *Server) handleStartPrediction(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req StartPredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	session, err := s.tracking.Start(c.Request.Context(), userID, req.Symbol, req.Prediction)
	if err != nil {
		switch {
		case errors.Is(err, tracking.ErrSessionAlreadyActive):
			errorResponse(c, http.StatusConflict, "a prediction is already being tracked")
		case errors.Is(err, tracking.ErrInvalidInstrument), errors.Is(err, tracking.ErrInvalidPrediction):
			errorResponse(c, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("failed to start prediction", "user_id", userID, "error", err)
			errorResponse(c, http.StatusInternalServerError, "failed to start prediction")
		}
		return
	}

	successResponse(c, session)
}

// handleGetActivePrediction returns the user's live session, if any
func (s *Server) handleGetActivePrediction(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	session, err := s.tracking.ActiveSession(c.Request.Context(), userID)
	if err != nil {
		s.log.Error("failed to query active session", "user_id", userID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to query active session")
		return
	}
	if session == nil {
		errorResponse(c, http.StatusNotFound, "no active prediction")
		return
	}

	successResponse(c, session)
}

// handleCancelPrediction cancels the user's live session
func (s *Server) handleCancelPrediction(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	cancelled, err := s.tracking.Cancel(c.Request.Context(), userID)
	if err != nil {
		s.log.Error("failed to cancel prediction", "user_id", userID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to cancel prediction")
		return
	}
	if !cancelled {
		errorResponse(c, http.StatusNotFound, "no active prediction")
		return
	}

	successResponse(c, gin.H{"cancelled": true})
}

// handleGetPrediction returns one of the user's sessions by id
func (s *Server) handleGetPrediction(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	session, err := s.repo.GetTrackingSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.Error("failed to query session", "session_id", c.Param("id"), "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to query prediction")
		return
	}
	if session == nil || session.UserID != userID {
		errorResponse(c, http.StatusNotFound, "no such prediction")
		return
	}

	successResponse(c, session)
}

// handleGetPredictionHistory returns the user's finished sessions
func (s *Server) handleGetPredictionHistory(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	sessions, err := s.repo.GetSessionHistory(c.Request.Context(), userID, limit)
	if err != nil {
		s.log.Error("failed to query session history", "user_id", userID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to query history")
		return
	}

	successResponse(c, sessions)
}

// handleGetInstruments lists the supported instruments
func (s *Server) handleGetInstruments(c *gin.Context) {
	successResponse(c, s.tracking.Instruments())
}

// handleGetPackages lists the purchasable credit packages
func (s *Server) handleGetPackages(c *gin.Context) {
	successResponse(c, s.payments.Packages())
}

// handleCreatePayment opens a pending credit purchase
func (s *Server) handleCreatePayment(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	p, err := s.payments.CreatePendingPayment(c.Request.Context(), userID, req.PackageID)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidPackage):
			errorResponse(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrPaymentAlreadyPending):
			errorResponse(c, http.StatusConflict, "a payment is already pending")
		case errors.Is(err, payment.ErrTagExhausted):
			errorResponse(c, http.StatusConflict, err.Error())
		default:
			s.log.Error("failed to create payment", "user_id", userID, "error", err)
			errorResponse(c, http.StatusInternalServerError, "failed to create payment")
		}
		return
	}

	successResponse(c, gin.H{
		"payment_id": p.ID,
		"package_id": p.PackageID,
		"credits":    p.Credits,
		"amount":     p.TotalAmount.String(),
		"expires_at": p.ExpiresAt,
	})
}

// handleGetPendingPayment returns the user's live pending payment, if any
func (s *Server) handleGetPendingPayment(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	p, err := s.payments.LivePending(c.Request.Context(), userID)
	if err != nil {
		s.log.Error("failed to query pending payment", "user_id", userID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to query pending payment")
		return
	}
	if p == nil {
		errorResponse(c, http.StatusNotFound, "no pending payment")
		return
	}

	successResponse(c, p)
}

// handleCancelPayment cancels the user's pending payment
func (s *Server) handleCancelPayment(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	cancelled, err := s.payments.Cancel(c.Request.Context(), userID)
	if err != nil {
		s.log.Error("failed to cancel payment", "user_id", userID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to cancel payment")
		return
	}
	if !cancelled {
		errorResponse(c, http.StatusNotFound, "no pending payment")
		return
	}

	successResponse(c, gin.H{"cancelled": true})
}

// handleGetBalance returns the user's credit balance
func (s *Server) handleGetBalance(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	balance, err := s.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		s.log.Error("failed to query balance", "user_id", userID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to query balance")
		return
	}

	successResponse(c, gin.H{"balance": balance})
}

// handleGetLedgerEntries returns the user's recent ledger entries
func (s *Server) handleGetLedgerEntries(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	entries, err := s.ledger.Entries(c.Request.Context(), userID, limit)
	if err != nil {
		s.log.Error("failed to query ledger", "user_id", userID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to query ledger")
		return
	}

	successResponse(c, entries)
}

// GrantCreditsRequest is the body for POST /api/admin/credits
type GrantCreditsRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Credits int64  `json:"credits" binding:"required"`
	Reason  string `json:"reason"`
}

// handleGrantCredits applies a manual ledger adjustment on behalf of an admin
func (s *Server) handleGrantCredits(c *gin.Context) {
	claims := auth.GetUserClaims(c)
	if claims == nil {
		errorResponse(c, http.StatusForbidden, "admin access required")
		return
	}

	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = database.ReasonInitial
	}

	balance, err := s.ledger.Credit(c.Request.Context(), req.UserID, req.Credits, req.Reason, nil)
	if err != nil {
		s.log.Error("manual credit failed",
			"admin_id", claims.UserID, "user_id", req.UserID, "error", err)
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	s.log.Info("manual credit applied",
		"admin_id", claims.UserID, "user_id", req.UserID, "delta", req.Credits, "reason", req.Reason)
	successResponse(c, gin.H{"user_id": req.UserID, "balance": balance})
}

// handleBankWebhook ingests a bank-transfer notification. Always answers 200
// for well-formed events the engine has durably recorded, whatever the match
// outcome, so the gateway does not retry them.
func (s *Server) handleBankWebhook(c *gin.Context) {
	var ev payment.InboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}
	if ev.EventID == "" || ev.Amount == "" {
		errorResponse(c, http.StatusBadRequest, "event_id and amount are required")
		return
	}

	err := s.payments.ReconcileEvent(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, payment.ErrUnparseableTimestamp) {
			// Recorded as permanently unmatched, retrying cannot help
			c.JSON(http.StatusOK, gin.H{"accepted": true, "outcome": "unparseable"})
			return
		}
		s.log.Error("failed to reconcile event", "event_id", ev.EventID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to process event")
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": true})
}
