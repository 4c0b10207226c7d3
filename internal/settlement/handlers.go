package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/claimpay/internal/auth"
	"github.com/mbd888/claimpay/internal/claims"
	"github.com/mbd888/claimpay/internal/escrow"
	"github.com/mbd888/claimpay/internal/validation"
)

// Handlers exposes settlement endpoints.
type Handlers struct {
	coordinator *Coordinator
}

// NewHandlers creates settlement HTTP handlers.
func NewHandlers(coordinator *Coordinator) *Handlers {
	return &Handlers{coordinator: coordinator}
}

// RegisterRoutes registers settlement routes.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/claims/:claimId", validation.ClaimIDParamMiddleware())
	{
		grp.POST("/settle", auth.RequireAuth(), h.settle)
		grp.POST("/auto-settle", auth.RequireAuth(), h.autoSettle)
	}
}

func (h *Handlers) settle(c *gin.Context) {
	insurerAddr, _ := auth.AccountAddr(c)

	outcome, err := h.coordinator.Settle(c.Request.Context(), c.Param("claimId"), insurerAddr)
	if err != nil {
		status, code := settleErrStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	if outcome.Cancelled {
		c.JSON(http.StatusOK, gin.H{
			"cancelled": true,
			"message":   "settlement cancelled, claim remains approved",
			"claim":     outcome.Claim,
		})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handlers) autoSettle(c *gin.Context) {
	outcome, err := h.coordinator.AutoSettle(c.Request.Context(), c.Param("claimId"))
	if err != nil {
		status, code := settleErrStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func settleErrStatus(err error) (int, string) {
	switch {
	case errors.Is(err, claims.ErrClaimNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrSettlementsDisabled):
		return http.StatusForbidden, "settlements_disabled"
	case errors.Is(err, ErrNotApproved), errors.Is(err, ErrNoApprovedAmount), errors.Is(err, ErrLowConfidence):
		return http.StatusConflict, "precondition_failed"
	case errors.Is(err, claims.ErrAlreadySettled), errors.Is(err, escrow.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_escrow"
	case errors.Is(err, ErrTxUnresolved):
		return http.StatusBadGateway, "tx_unresolved"
	default:
		return http.StatusBadGateway, "settlement_failed"
	}
}
