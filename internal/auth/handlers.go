package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/claimpay/internal/validation"
)

// Handlers exposes key management endpoints.
type Handlers struct {
	manager     *Manager
	adminSecret string
}

// NewHandlers creates auth HTTP handlers. Key issuance is gated behind
// the admin secret; an empty secret disables issuance entirely.
func NewHandlers(manager *Manager, adminSecret string) *Handlers {
	return &Handlers{manager: manager, adminSecret: adminSecret}
}

// RegisterRoutes registers key management routes.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	keys := r.Group("/keys")
	{
		keys.POST("", h.createKey)
		keys.GET("", RequireAuth(), h.listKeys)
		keys.DELETE("/:id", RequireAuth(), h.revokeKey)
	}
}

type createKeyRequest struct {
	AccountAddr string `json:"accountAddr" binding:"required"`
	Name        string `json:"name"`
}

func (h *Handlers) createKey(c *gin.Context) {
	if h.adminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Secret")), []byte(h.adminSecret)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "key issuance requires the admin secret",
		})
		return
	}

	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !validation.IsValidEthAddress(req.AccountAddr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountAddr must be a valid 0x address",
		})
		return
	}

	raw, key, err := h.manager.GenerateKey(c.Request.Context(), req.AccountAddr, validation.SanitizeString(req.Name, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":       raw, // shown once
		"id":        key.ID,
		"name":      key.Name,
		"createdAt": key.CreatedAt,
	})
}

func (h *Handlers) listKeys(c *gin.Context) {
	addr, _ := AccountAddr(c)
	keys, err := h.manager.store.GetByAccount(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list API keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

func (h *Handlers) revokeKey(c *gin.Context) {
	addr, _ := AccountAddr(c)
	if err := h.manager.RevokeKey(c.Request.Context(), addr, c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "API key not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
