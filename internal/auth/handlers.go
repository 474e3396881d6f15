package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/validation"
)

// MaxKeyTTL caps expiresInHours on created keys (one year).
const MaxKeyTTL = 365 * 24 * time.Hour

// Handler provides key management endpoints
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key management routes. The group must already
// require admin scope.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Info)
	r.GET("/keys", h.ListKeys)
	r.POST("/keys", h.CreateKey)
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

// Info returns the calling key's metadata
func (h *Handler) Info(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// ListKeys returns every key without hashes
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list keys", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list API keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name           string `json:"name"`
	Scope          Scope  `json:"scope"`
	ExpiresInHours int    `json:"expiresInHours"`
}

// CreateKey creates a new API key
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Name = validation.SanitizeString(req.Name, 128)
	if req.Name == "" {
		req.Name = "Additional key"
	}
	if req.Scope == "" {
		req.Scope = ScopeClient
	}
	if errs := validation.Validate(
		validation.OneOf("scope", req.Scope, ScopeClient, ScopeAdmin),
		validation.NonNegative("expiresInHours", req.ExpiresInHours),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Request validation failed",
			"details": errs,
		})
		return
	}
	ttl := min(time.Duration(req.ExpiresInHours)*time.Hour, MaxKeyTTL)

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), req.Name, req.Scope, ttl)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     newKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")

	// Prevent revoking current key
	if key, ok := GetAPIKey(c); ok && keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "Key not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to revoke key", "key_id", keyID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "revoke_failed",
			"message": "Failed to revoke API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}
