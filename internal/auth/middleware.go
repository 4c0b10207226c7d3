package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAccountAddr is the gin context key for the authenticated account address.
	ContextKeyAccountAddr = "authAccountAddr"
	// ContextKeyAPIKeyID is the gin context key for the API key ID used.
	ContextKeyAPIKeyID = "authAPIKeyID"
)

// Middleware validates API keys when present but does not require them.
// Handlers that need auth should use RequireAuth after this.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw == "" {
			c.Next()
			return
		}

		key, err := m.ValidateKey(c.Request.Context(), raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			c.Abort()
			return
		}

		c.Set(ContextKeyAccountAddr, key.AccountAddr)
		c.Set(ContextKeyAPIKeyID, key.ID)
		c.Next()
	}
}

// RequireAuth aborts the request unless a valid API key was presented.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyAccountAddr); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required for this endpoint",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireOwnership aborts unless the authenticated account matches the
// address in the named path parameter.
func RequireOwnership(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := c.Get(ContextKeyAccountAddr)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required for this endpoint",
			})
			c.Abort()
			return
		}
		if !strings.EqualFold(addr.(string), c.Param(param)) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key does not match the requested account",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AccountAddr returns the authenticated account address, if any.
func AccountAddr(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextKeyAccountAddr)
	if !ok {
		return "", false
	}
	return v.(string), true
}
