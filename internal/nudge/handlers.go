package nudge

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/friction"
	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/pagination"
	"github.com/mbd888/nudge/internal/validation"
)

// MaxTransactionsPerRequest bounds one ingest call.
const MaxTransactionsPerRequest = 500

// Handler provides HTTP endpoints for the intervention engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new nudge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the user-scoped routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.CreateProfile)

	users := r.Group("/users/:id", validation.UserIDParamMiddleware())
	users.GET("/profile", h.GetProfile)
	users.PUT("/settings", h.UpdateSettings)
	users.POST("/transactions", h.IngestTransactions)
	users.POST("/triggers", h.ProcessTrigger)
	users.GET("/interventions", h.ListInterventions)
	users.POST("/interventions/:iid/response", h.RecordResponse)
	users.GET("/wins", h.ListWins)
	users.POST("/churn", h.MarkChurning)
	users.POST("/friction", h.EvaluateFriction)
}

// CreateProfileRequest is the body of POST /v1/users.
type CreateProfileRequest struct {
	UserID string `json:"userId"`
}

// CreateProfile handles POST /v1/users
func (h *Handler) CreateProfile(c *gin.Context) {
	var req CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	req.UserID = validation.SanitizeString(req.UserID, 128)
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Request validation failed",
			"details": errs,
		})
		return
	}

	p, err := h.service.CreateProfile(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"profile": p})
}

// GetProfile handles GET /v1/users/:id/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.service.GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// SettingsRequest is the body of PUT /v1/users/:id/settings.
type SettingsRequest struct {
	InterventionEnabled *bool `json:"interventionEnabled"`
}

// UpdateSettings handles PUT /v1/users/:id/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if req.InterventionEnabled == nil {
		badRequest(c, "validation_failed", "interventionEnabled is required")
		return
	}

	out, err := h.service.UpdateSettings(c.Request.Context(), c.Param("id"), *req.InterventionEnabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// TransactionsRequest is the body of POST /v1/users/:id/transactions.
type TransactionsRequest struct {
	Transactions []behavior.Transaction     `json:"transactions"`
	Moment       *behavior.BehavioralMoment `json:"moment,omitempty"`
}

// IngestTransactions handles POST /v1/users/:id/transactions
func (h *Handler) IngestTransactions(c *gin.Context) {
	var req TransactionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if len(req.Transactions) == 0 || len(req.Transactions) > MaxTransactionsPerRequest {
		badRequest(c, "validation_failed",
			fmt.Sprintf("transactions must contain 1-%d entries", MaxTransactionsPerRequest))
		return
	}
	var checks []func() *validation.ValidationError
	for i, tx := range req.Transactions {
		field := fmt.Sprintf("transactions[%d]", i)
		checks = append(checks,
			validation.FiniteAmount(field+".amount", tx.Amount),
			validation.MaxLength(field+".categoryId", tx.CategoryID, 64),
			validation.MaxLength(field+".merchant", tx.Merchant, 256),
			validation.MaxLength(field+".id", tx.ID, 128),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Request validation failed",
			"details": errs,
		})
		return
	}

	var moment behavior.BehavioralMoment
	if req.Moment != nil {
		moment = *req.Moment
	}
	ev, err := h.service.IngestTransactions(c.Request.Context(), c.Param("id"), req.Transactions, moment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": ev})
}

// TriggerBody is the body of POST /v1/users/:id/triggers.
type TriggerBody struct {
	Trigger behavior.TriggerEvent      `json:"trigger"`
	Moment  *behavior.BehavioralMoment `json:"moment,omitempty"`
}

// ProcessTrigger handles POST /v1/users/:id/triggers
func (h *Handler) ProcessTrigger(c *gin.Context) {
	var body TriggerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	req := TriggerRequest{UserID: c.Param("id"), Trigger: body.Trigger}
	if body.Moment != nil {
		req.Moment = *body.Moment
	}

	ev, err := h.service.ProcessTrigger(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": ev})
}

// ResponseRequest is the body of POST /v1/users/:id/interventions/:iid/response.
type ResponseRequest struct {
	Response behavior.UserResponse `json:"response"`
}

// RecordResponse handles POST /v1/users/:id/interventions/:iid/response
func (h *Handler) RecordResponse(c *gin.Context) {
	var req ResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("response", string(req.Response)),
		validation.OneOf("response", req.Response,
			behavior.ResponseViewed, behavior.ResponseDismissed,
			behavior.ResponseEngaged, behavior.ResponseIgnored),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Request validation failed",
			"details": errs,
		})
		return
	}

	out, err := h.service.RecordResponse(c.Request.Context(), c.Param("id"), c.Param("iid"), req.Response)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListInterventions handles GET /v1/users/:id/interventions
func (h *Handler) ListInterventions(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, "invalid_limit", err.Error())
		return
	}

	page, err := h.service.ListInterventions(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListWins handles GET /v1/users/:id/wins
func (h *Handler) ListWins(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, "invalid_limit", err.Error())
		return
	}

	ws, err := h.service.ListWins(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wins": ws, "count": len(ws)})
}

// MarkChurning handles POST /v1/users/:id/churn
func (h *Handler) MarkChurning(c *gin.Context) {
	out, err := h.service.MarkChurning(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// FrictionRequest is the body of POST /v1/users/:id/friction.
type FrictionRequest struct {
	Counters friction.SessionCounters `json:"counters"`
}

// EvaluateFriction handles POST /v1/users/:id/friction
func (h *Handler) EvaluateFriction(c *gin.Context) {
	var req FrictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	cn := req.Counters
	if errs := validation.Validate(
		validation.NonNegative("counters.manualCategorizations", cn.ManualCategorizations),
		validation.NonNegative("counters.lockedFeatureTaps", cn.LockedFeatureTaps),
		validation.NonNegative("counters.budgetLimitHits", cn.BudgetLimitHits),
		validation.NonNegative("counters.exportAttempts", cn.ExportAttempts),
		validation.NonNegative("counters.screenRevisits", cn.ScreenRevisits),
		validation.NonNegative("counters.sessionSeconds", cn.SessionSeconds),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Request validation failed",
			"details": errs,
		})
		return
	}

	out, err := h.service.EvaluateFriction(c.Request.Context(), c.Param("id"), cn)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Internal server error"

	switch {
	case errors.Is(err, ErrProfileNotFound):
		status, code, msg = http.StatusNotFound, "profile_not_found", "No behavioral profile for this user"
	case errors.Is(err, ErrInterventionNotFound):
		status, code, msg = http.StatusNotFound, "intervention_not_found", "Intervention not found"
	case errors.Is(err, ErrProfileExists):
		status, code, msg = http.StatusConflict, "profile_exists", "Profile already exists"
	case errors.Is(err, ErrAlreadyResponded):
		status, code, msg = http.StatusConflict, "already_responded", "Intervention already has a response"
	case errors.Is(err, ErrVersionConflict):
		status, code, msg = http.StatusConflict, "version_conflict", "Profile was modified concurrently, retry"
	case errors.Is(err, ErrInvalidTrigger),
		errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrInvalidTransaction):
		status, code, msg = http.StatusBadRequest, "validation_failed", err.Error()
	case errors.Is(err, pagination.ErrInvalidCursor):
		status, code, msg = http.StatusBadRequest, "invalid_cursor", "Cursor is malformed"
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
