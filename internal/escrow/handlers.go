package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/claimpay/internal/auth"
	"github.com/mbd888/claimpay/internal/validation"
)

// Handlers exposes escrow ledger endpoints.
type Handlers struct {
	service *Service
}

// NewHandlers creates escrow HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers escrow routes. Settlement itself is not exposed
// here; it only happens through the settlement coordinator.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/escrow/:claimId", validation.ClaimIDParamMiddleware())
	{
		grp.GET("", h.getAccount)
		grp.GET("/balance", h.getBalance)
		grp.GET("/deposits", h.listDeposits)
		grp.POST("/deposits", auth.RequireAuth(), h.deposit)
		grp.POST("/reclaim", auth.RequireAuth(), h.reclaim)
	}
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (h *Handlers) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	depositor, _ := auth.AccountAddr(c)
	account, err := h.service.Deposit(c.Request.Context(), c.Param("claimId"), depositor, req.Amount)
	if err != nil {
		status, code := depositErrStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, account)
}

func depositErrStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	default:
		return http.StatusBadGateway, "transfer_failed"
	}
}

func (h *Handlers) reclaim(c *gin.Context) {
	caller, _ := auth.AccountAddr(c)
	account, err := h.service.ReclaimResidual(c.Request.Context(), c.Param("claimId"), caller)
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		case errors.Is(err, ErrNotSettled), errors.Is(err, ErrNoResidual):
			c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
		case errors.Is(err, ErrNotDepositor):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "transfer_failed", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handlers) getAccount(c *gin.Context) {
	account, err := h.service.Get(c.Request.Context(), c.Param("claimId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no escrow account for this claim",
		})
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handlers) getBalance(c *gin.Context) {
	claimID := c.Param("claimId")
	c.JSON(http.StatusOK, gin.H{
		"claimId": claimID,
		"balance": h.service.Balance(c.Request.Context(), claimID),
		"settled": h.service.IsSettled(c.Request.Context(), claimID),
	})
}

func (h *Handlers) listDeposits(c *gin.Context) {
	deposits, err := h.service.Deposits(c.Request.Context(), c.Param("claimId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list deposits",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits, "count": len(deposits)})
}
