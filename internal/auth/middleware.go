package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nudge/internal/logging"
)

// ContextKeyAPIKey is the key for storing the validated API key in gin context
const ContextKeyAPIKey = "apiKey"

// Middleware extracts and validates the API key from the request.
// Sets apiKey in context if valid; never aborts.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get API key from header
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				l := logging.L(c.Request.Context()).With("key_id", key.ID)
				c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), l))
			}
		}

		c.Next()
	}
}

// RequireScope rejects requests without a valid key allowing scope.
// Use after Middleware.
func RequireScope(scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		if !key.Scope.Allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key scope does not allow this operation.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
