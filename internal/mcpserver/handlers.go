package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *NudgeClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *NudgeClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateProfile registers a user.
func (h *Handlers) HandleCreateProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.CreateProfile(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create profile: %v", err)), nil
	}

	text, err := formatProfile(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse profile: %v", err)), nil
	}
	return mcp.NewToolResultText("Profile created.\n\n" + text), nil
}

// HandleGetProfile shows a user's profile.
func (h *Handlers) HandleGetProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetProfile(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get profile: %v", err)), nil
	}

	text, err := formatProfile(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse profile: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleProcessTrigger runs one evaluation.
func (h *Handlers) HandleProcessTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	trigger := req.GetString("trigger", "")
	if trigger == "" {
		return mcp.NewToolResultError("trigger is required"), nil
	}

	var moment *Moment
	if mt := req.GetString("moment_type", ""); mt != "" {
		moment = &Moment{
			IsBehavioralMoment: true,
			MomentType:         mt,
			Confidence:         req.GetFloat("moment_confidence", 0.8),
		}
	}

	raw, err := h.client.ProcessTrigger(ctx, userID, trigger, moment)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Trigger failed: %v", err)), nil
	}

	text, err := formatEvaluation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse evaluation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleIngestTransactions sends transactions and evaluates them.
func (h *Handlers) HandleIngestTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	txs, err := parseTransactions(req.GetArguments()["transactions"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.IngestTransactions(ctx, userID, txs, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Ingest failed: %v", err)), nil
	}

	text, err := formatEvaluation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse evaluation: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Ingested %d transaction(s).\n\n%s", len(txs), text)), nil
}

// HandleRecordResponse records the user's reaction to an intervention.
func (h *Handlers) HandleRecordResponse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	interventionID := req.GetString("intervention_id", "")
	if interventionID == "" {
		return mcp.NewToolResultError("intervention_id is required"), nil
	}
	response := req.GetString("response", "")
	if response == "" {
		return mcp.NewToolResultError("response is required"), nil
	}

	raw, err := h.client.RecordResponse(ctx, userID, interventionID, response)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record response: %v", err)), nil
	}

	text, err := formatOutcome(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse outcome: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recorded %q for %s.\n%s", response, interventionID, text)), nil
}

// HandleListInterventions lists delivered interventions.
func (h *Handlers) HandleListInterventions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.ListInterventions(ctx, userID, req.GetString("cursor", ""), req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list interventions: %v", err)), nil
	}

	text, err := formatInterventionPage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse interventions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListWins lists the user's wins.
func (h *Handlers) HandleListWins(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.ListWins(ctx, userID, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list wins: %v", err)), nil
	}

	text, err := formatWins(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wins: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEvaluateFriction asks whether to show an upgrade prompt.
func (h *Handlers) HandleEvaluateFriction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	counters := SessionCounters{
		ManualCategorizations: req.GetInt("manual_categorizations", 0),
		LockedFeatureTaps:     req.GetInt("locked_feature_taps", 0),
		BudgetLimitHits:       req.GetInt("budget_limit_hits", 0),
		ExportAttempts:        req.GetInt("export_attempts", 0),
		ScreenRevisits:        req.GetInt("screen_revisits", 0),
		SessionSeconds:        req.GetInt("session_seconds", 0),
	}

	raw, err := h.client.EvaluateFriction(ctx, userID, counters)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Friction evaluation failed: %v", err)), nil
	}

	text, err := formatFriction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse friction decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleUpdateSettings toggles interventions for the user.
func (h *Handlers) HandleUpdateSettings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	if _, ok := req.GetArguments()["enabled"]; !ok {
		return mcp.NewToolResultError("enabled is required"), nil
	}
	enabled := req.GetBool("enabled", true)

	raw, err := h.client.UpdateSettings(ctx, userID, enabled)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update settings: %v", err)), nil
	}

	text, err := formatOutcome(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse outcome: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Response views ---

type profileView struct {
	UserID         string             `json:"userId"`
	State          string             `json:"userState"`
	ActiveBehavior string             `json:"activeBehavior"`
	Confidences    map[string]float64 `json:"confidences"`
	CooldownEnds   *time.Time         `json:"cooldownEndsAt"`
	WithdrawalEnds *time.Time         `json:"withdrawalEndsAt"`
	CurrentStreak  int                `json:"currentStreak"`
	LongestStreak  int                `json:"longestStreak"`
	Enabled        bool               `json:"interventionEnabled"`
}

type interventionView struct {
	ID          string    `json:"id"`
	Behavior    string    `json:"behavior"`
	Type        string    `json:"interventionType"`
	Message     string    `json:"message"`
	Confidence  float64   `json:"confidence"`
	DeliveredAt time.Time `json:"deliveredAt"`
	Response    string    `json:"userResponse"`
}

type evaluationView struct {
	Trigger    string `json:"trigger"`
	Transition struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	} `json:"transition"`
	Decision struct {
		ShouldIntervene bool    `json:"shouldIntervene"`
		BlockedBy       string  `json:"blockedBy"`
		Reason          string  `json:"reason"`
		Confidence      float64 `json:"confidence"`
	} `json:"decision"`
	Intervention *interventionView `json:"intervention"`
	Profile      *profileView      `json:"profile"`
}

type winView struct {
	Behavior string    `json:"behavior"`
	Type     string    `json:"winType"`
	Streak   int       `json:"streak"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// --- Formatting helpers ---

func parseTransactions(arg any) ([]Transaction, error) {
	if arg == nil {
		return nil, fmt.Errorf("transactions is required")
	}
	// Arguments arrive as generic JSON values; round-trip into the typed form.
	data, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid transactions: %v", err)
	}
	var txs []Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, fmt.Errorf("invalid transactions: %v", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transactions must not be empty")
	}
	for i, tx := range txs {
		if tx.OccurredAt.IsZero() {
			return nil, fmt.Errorf("transactions[%d].occurredAt is required", i)
		}
	}
	return txs, nil
}

func formatProfile(raw json.RawMessage) (string, error) {
	var resp struct {
		Profile *profileView `json:"profile"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Profile == nil {
		return "", fmt.Errorf("no profile in response: %s", string(raw))
	}
	return writeProfile(resp.Profile), nil
}

func writeProfile(p *profileView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User: %s\n", p.UserID)
	fmt.Fprintf(&sb, "  State: %s\n", p.State)
	if p.ActiveBehavior != "" {
		fmt.Fprintf(&sb, "  Active behavior: %s\n", p.ActiveBehavior)
	}
	for _, k := range []string{"confidence_small_recurring", "confidence_stress_spending", "confidence_end_of_month"} {
		if v, ok := p.Confidences[k]; ok {
			fmt.Fprintf(&sb, "  %s: %.2f\n", strings.TrimPrefix(k, "confidence_"), v)
		}
	}
	if p.CooldownEnds != nil {
		fmt.Fprintf(&sb, "  Cooldown ends: %s\n", p.CooldownEnds.UTC().Format(time.RFC3339))
	}
	if p.WithdrawalEnds != nil {
		fmt.Fprintf(&sb, "  Withdrawal ends: %s\n", p.WithdrawalEnds.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "  Streak: %d (longest %d)\n", p.CurrentStreak, p.LongestStreak)
	if !p.Enabled {
		sb.WriteString("  Interventions: disabled\n")
	}
	return sb.String()
}

func formatEvaluation(raw json.RawMessage) (string, error) {
	var resp struct {
		Evaluation *evaluationView `json:"evaluation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	ev := resp.Evaluation
	if ev == nil {
		return "", fmt.Errorf("no evaluation in response: %s", string(raw))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transition: %s -> %s (%s)\n", ev.Transition.From, ev.Transition.To, ev.Transition.Reason)
	if ev.Decision.ShouldIntervene {
		fmt.Fprintf(&sb, "Decision: intervene (confidence %.2f)\n", ev.Decision.Confidence)
	} else {
		fmt.Fprintf(&sb, "Decision: blocked by %s (%s)\n", ev.Decision.BlockedBy, ev.Decision.Reason)
	}
	if iv := ev.Intervention; iv != nil {
		fmt.Fprintf(&sb, "\nIntervention %s\n", iv.ID)
		fmt.Fprintf(&sb, "  %s / %s\n", iv.Behavior, iv.Type)
		fmt.Fprintf(&sb, "  %q\n", iv.Message)
	}
	if ev.Profile != nil {
		sb.WriteString("\n")
		sb.WriteString(writeProfile(ev.Profile))
	}
	return sb.String(), nil
}

func formatOutcome(raw json.RawMessage) (string, error) {
	var resp struct {
		Annoyance *struct {
			Type     string `json:"type"`
			Severity string `json:"severity"`
		} `json:"annoyance"`
		Failure *struct {
			Action string `json:"action"`
		} `json:"failure"`
		Profile *profileView `json:"profile"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	if resp.Annoyance != nil && resp.Annoyance.Type != "" {
		fmt.Fprintf(&sb, "Annoyance: %s (%s)\n", resp.Annoyance.Type, resp.Annoyance.Severity)
	}
	if resp.Failure != nil && resp.Failure.Action != "" {
		fmt.Fprintf(&sb, "Failure handling: %s\n", resp.Failure.Action)
	}
	if resp.Profile != nil {
		sb.WriteString(writeProfile(resp.Profile))
	}
	return sb.String(), nil
}

func formatInterventionPage(raw json.RawMessage) (string, error) {
	var resp struct {
		Interventions []interventionView `json:"interventions"`
		NextCursor    string             `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Interventions) == 0 {
		return "No interventions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d intervention(s):\n\n", len(resp.Interventions))
	for i, iv := range resp.Interventions {
		fmt.Fprintf(&sb, "%d. %s [%s / %s] %s\n", i+1, iv.ID, iv.Behavior, iv.Type, iv.DeliveredAt.UTC().Format(time.RFC3339))
		response := iv.Response
		if response == "" {
			response = "no response yet"
		}
		fmt.Fprintf(&sb, "   %q (%s)\n", iv.Message, response)
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore available, cursor: %s", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatWins(raw json.RawMessage) (string, error) {
	var resp struct {
		Wins []winView `json:"wins"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Wins) == 0 {
		return "No wins yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d win(s):\n\n", len(resp.Wins))
	for i, w := range resp.Wins {
		fmt.Fprintf(&sb, "%d. %s (%s) %s\n", i+1, w.Type, w.Behavior, w.At.UTC().Format("2006-01-02"))
		if w.Message != "" {
			fmt.Fprintf(&sb, "   %s\n", w.Message)
		}
	}
	return sb.String(), nil
}

func formatFriction(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision struct {
			ShouldPrompt bool    `json:"shouldPrompt"`
			BlockedBy    string  `json:"blockedBy"`
			Friction     string  `json:"friction"`
			Confidence   float64 `json:"confidence"`
			Reason       string  `json:"reason"`
		} `json:"decision"`
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	d := resp.Decision
	var sb strings.Builder
	if d.ShouldPrompt {
		fmt.Fprintf(&sb, "Show upgrade prompt: %s friction (confidence %.2f)\n", d.Friction, d.Confidence)
		if len(resp.Prompt) > 0 {
			fmt.Fprintf(&sb, "\nPrompt:\n%s", formatJSON(resp.Prompt))
		}
	} else {
		fmt.Fprintf(&sb, "No prompt: blocked by %s (%s)\n", d.BlockedBy, d.Reason)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
