package insurers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/claimpay/internal/auth"
	"github.com/mbd888/claimpay/internal/validation"
)

// Handlers exposes insurer profile endpoints.
type Handlers struct {
	service *Service
}

// NewHandlers creates insurer HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers insurer routes.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/insurers")
	{
		grp.POST("", auth.RequireAuth(), h.register)
		grp.GET("", h.list)
		grp.GET("/:addr", h.get)
		grp.PUT("/:addr/settlements", auth.RequireAuth(), auth.RequireOwnership("addr"), h.setSettlements)
	}
}

func (h *Handlers) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidEthAddress(req.AccountAddr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountAddr must be a valid 0x address",
		})
		return
	}
	req.Name = validation.SanitizeString(req.Name, 200)
	req.Email = validation.SanitizeString(req.Email, 200)

	ins, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to register insurer"})
		return
	}
	c.JSON(http.StatusCreated, ins)
}

func (h *Handlers) get(c *gin.Context) {
	ins, err := h.service.Get(c.Request.Context(), c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "insurer not found"})
		return
	}
	c.JSON(http.StatusOK, ins)
}

func (h *Handlers) list(c *gin.Context) {
	insurers, err := h.service.List(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list insurers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"insurers": insurers, "count": len(insurers)})
}

type setSettlementsRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handlers) setSettlements(c *gin.Context) {
	var req setSettlementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ins, err := h.service.SetSettlementsEnabled(c.Request.Context(), c.Param("addr"), *req.Enabled)
	if err != nil {
		if errors.Is(err, ErrInsurerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update settlements flag"})
		return
	}
	c.JSON(http.StatusOK, ins)
}
