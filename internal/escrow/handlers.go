package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/milestonepay/internal/auth"
	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/fees"
	"github.com/mbd888/milestonepay/internal/logging"
	"github.com/mbd888/milestonepay/internal/validation"
)

// Handler provides HTTP endpoints for the escrow ledger.
type Handler struct {
	service    *Service
	reconciler *Reconciler
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, reconciler *Reconciler) *Handler {
	return &Handler{service: service, reconciler: reconciler}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/fees/quote", h.QuoteFee)
	r.GET("/escrow/:orderId", h.GetOrder)
	r.GET("/escrow/:orderId/transactions", h.ListTransactions)
	r.GET("/escrow/:orderId/disputes", h.ListDisputes)
	r.GET("/escrow/:orderId/events", h.QueryEvents)
}

// RegisterProtectedRoutes sets up routes that need a forwarded caller
// identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/orders", h.CreateOrder)
	r.POST("/escrow/:orderId/sync", h.SyncOrder)
	r.POST("/escrow/:orderId/milestones/:index/sync", h.SyncMilestone)
	r.POST("/escrow/transactions", h.LogTransaction)
	r.PATCH("/escrow/transactions/:txHash", h.FinalizeTransaction)
	r.POST("/escrow/:orderId/disputes", h.RaiseDispute)
	r.POST("/escrow/disputes/:id/evidence", h.AddEvidence)
}

// RegisterAdminRoutes sets up routes behind the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PATCH("/escrow/disputes/:id/resolve", h.ResolveDispute)
}

// CreateOrder handles POST /v1/escrow/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.service.CreateOrder(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetOrder handles GET /v1/escrow/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	view, err := h.service.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// SyncOrder handles POST /v1/escrow/:orderId/sync
func (h *Handler) SyncOrder(c *gin.Context) {
	result, err := h.reconciler.SyncOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SyncMilestone handles POST /v1/escrow/:orderId/milestones/:index/sync
func (h *Handler) SyncMilestone(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "milestone index must be a non-negative integer",
		})
		return
	}
	result, err := h.reconciler.SyncMilestone(c.Request.Context(), c.Param("orderId"), index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// LogTransaction handles POST /v1/escrow/transactions
func (h *Handler) LogTransaction(c *gin.Context) {
	var req LogTransactionRequest
	if !bindJSON(c, &req) {
		return
	}
	tx, err := h.service.LogTransaction(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// FinalizeTransaction handles PATCH /v1/escrow/transactions/:txHash
func (h *Handler) FinalizeTransaction(c *gin.Context) {
	var req FinalizeRequest
	if !bindJSON(c, &req) {
		return
	}
	tx, err := h.service.FinalizeTransaction(c.Request.Context(), c.Param("txHash"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/escrow/:orderId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.service.ListTransactions(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// RaiseDispute handles POST /v1/escrow/:orderId/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseDisputeRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OrderID = c.Param("orderId")
	req.InitiatedBy = auth.ActorID(c)

	d, err := h.service.RaiseDispute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/escrow/:orderId/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	views, err := h.service.ListDisputes(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": views, "count": len(views)})
}

// AddEvidence handles POST /v1/escrow/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req AddEvidenceRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SubmittedBy = auth.ActorID(c)

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles PATCH /v1/escrow/disputes/:id/resolve (admin)
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if !bindJSON(c, &req) {
		return
	}
	req.ResolvedBy = auth.ActorID(c)
	if req.ResolvedBy == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "resolving a dispute requires " + auth.HeaderActorID,
		})
		return
	}

	d, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// QueryEvents handles GET /v1/escrow/:orderId/events?fromBlock=N&events=A,B
func (h *Handler) QueryEvents(c *gin.Context) {
	raw := c.Query("fromBlock")
	fromBlock, err := strconv.ParseUint(raw, 10, 64)
	if raw == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "fromBlock is required and must be a block number",
		})
		return
	}
	var names []string
	if ev := c.Query("events"); ev != "" {
		for _, n := range strings.Split(ev, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}

	page, err := h.service.QueryEvents(c.Request.Context(), c.Param("orderId"), names, fromBlock)
	if err != nil {
		writeError(c, err)
		return
	}
	if page.Events == nil {
		page.Events = []chain.Event{}
	}
	c.JSON(http.StatusOK, page)
}

// QuoteFee handles GET /v1/escrow/fees/quote?amount=&address=&network=
func (h *Handler) QuoteFee(c *gin.Context) {
	quote, err := h.service.QuoteFee(c.Request.Context(), c.Query("network"), c.Query("amount"), c.Query("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// writeError maps service and chain errors onto the API error body.
func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, fees.ErrInvalidAmount), errors.Is(err, fees.ErrAllocationMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrMilestoneNotFound),
		errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrDisputeNotFound),
		errors.Is(err, chain.ErrOrderNotOnChain), errors.Is(err, chain.ErrMilestoneNotOnChain):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrDisputeAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_open", "message": err.Error()})
	case errors.Is(err, ErrDuplicateTx):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_tx", "message": err.Error()})
	case errors.Is(err, ErrTransactionFinalized):
		c.JSON(http.StatusConflict, gin.H{"error": "tx_finalized", "message": err.Error()})
	case errors.Is(err, ErrTransitionNotObserved):
		c.JSON(http.StatusConflict, gin.H{"error": "transition_not_observed", "message": err.Error()})
	case errors.Is(err, ErrOrderExists), errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrOrderTerminal),
		errors.Is(err, ErrDisputeClosed), errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case chain.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "chain_unavailable",
			"message":   "status temporarily unavailable, will retry",
			"retryable": true,
		})
	case chain.IsConfiguration(err):
		logging.L(c.Request.Context()).Error("escrow chain configuration error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "configuration_error",
			"message":   err.Error(),
			"retryable": false,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request_cancelled", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
