package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nudge/internal/idgen"
	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
		h.urlValid(req.URL),
	}
	if len(req.Events) == 0 {
		validators = append(validators, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "events", Message: "at least one event is required"}
		})
	}
	events := make([]EventType, 0, len(req.Events))
	for i, e := range req.Events {
		et := EventType(e)
		field := fmt.Sprintf("events[%d]", i)
		validators = append(validators,
			validation.Required(field, e),
			validation.OneOf(field, et,
				EventDecision, EventIntervention, EventStateChange, EventWin, EventRelapse, EventUpgradePrompt))
		events = append(events, et)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Request validation failed",
			"details": errs,
		})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internalError(c, "create_failed", "Failed to create webhook", err)
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internalError(c, "create_failed", "Failed to create webhook", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret), hex encoded",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		h.internalError(c, "list_failed", "Failed to list webhooks", err)
		return
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })

	// Secret is excluded by its json tag
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
	})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	webhookID := c.Param("webhookId")

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "webhook_not_found",
				"message": "Webhook not found",
			})
			return
		}
		h.internalError(c, "delete_failed", "Failed to delete webhook", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func (h *Handler) urlValid(raw string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if raw == "" || h.dispatcher == nil || h.dispatcher.urlValidator == nil {
			return nil
		}
		if err := h.dispatcher.urlValidator(raw); err != nil {
			return &validation.ValidationError{Field: "url", Message: err.Error()}
		}
		return nil
	}
}

func (h *Handler) internalError(c *gin.Context, code, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   code,
		"message": msg,
	})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
