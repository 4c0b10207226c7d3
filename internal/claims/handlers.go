package claims

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/claimpay/internal/auth"
	"github.com/mbd888/claimpay/internal/validation"
)

// Handlers exposes claim lifecycle endpoints.
type Handlers struct {
	service *Service
}

// NewHandlers creates claim HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers claim routes.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/claims")
	{
		grp.POST("", auth.RequireAuth(), h.submit)
		grp.GET("", h.list)
		byID := grp.Group("/:claimId", validation.ClaimIDParamMiddleware())
		{
			byID.GET("", h.get)
			byID.POST("/evaluate", auth.RequireAuth(), h.evaluate)
			byID.POST("/evidence", auth.RequireAuth(), h.attachEvidence)
			byID.POST("/override", auth.RequireAuth(), h.override)
		}
	}
}

func (h *Handlers) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidEthAddress(req.ClaimantAddr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "claimantAddr must be a valid 0x address",
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, 2000)

	claim, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to submit claim"})
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (h *Handlers) get(c *gin.Context) {
	claim, err := h.service.Get(c.Request.Context(), c.Param("claimId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "claim not found"})
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (h *Handlers) list(c *gin.Context) {
	limit := 50
	if claimant := c.Query("claimant"); claimant != "" {
		claims, err := h.service.ListByClaimant(c.Request.Context(), claimant, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list claims"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"claims": claims, "count": len(claims)})
		return
	}

	status := Status(c.DefaultQuery("status", string(StatusNeedsReview)))
	claims, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list claims"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims, "count": len(claims)})
}

func (h *Handlers) evaluate(c *gin.Context) {
	claim, err := h.service.Evaluate(c.Request.Context(), c.Param("claimId"))
	if err != nil {
		status, code := claimErrStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, claim)
}

type evidenceRequest struct {
	Ref string `json:"ref" binding:"required"`
}

func (h *Handlers) attachEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	claim, err := h.service.AttachEvidence(c.Request.Context(), c.Param("claimId"), validation.SanitizeString(req.Ref, 500))
	if err != nil {
		status, code := claimErrStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, claim)
}

type overrideRequest struct {
	Outcome        string `json:"outcome" binding:"required"`
	ApprovedAmount string `json:"approvedAmount"`
}

func (h *Handlers) override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	claim, err := h.service.Override(c.Request.Context(), c.Param("claimId"), Outcome(req.Outcome), req.ApprovedAmount)
	if err != nil {
		status, code := claimErrStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, claim)
}

func claimErrStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrClaimNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, ErrMissingApproved), errors.Is(err, ErrApprovedTooLarge), errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
