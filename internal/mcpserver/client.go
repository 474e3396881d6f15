package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the nudge API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for deployments behind an auth proxy
}

// NudgeClient is a pure HTTP client for the nudge engine API.
type NudgeClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewNudgeClient creates a new client for the nudge API.
func NewNudgeClient(cfg Config) *NudgeClient {
	return &NudgeClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the engine.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the engine and returns the response body.
func (c *NudgeClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func userPath(userID, suffix string) string {
	return "/v1/users/" + url.PathEscape(userID) + suffix
}

// CreateProfile registers a new user.
func (c *NudgeClient) CreateProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/users", nil, map[string]string{"userId": userID})
}

// GetProfile returns a user's behavioral profile.
func (c *NudgeClient) GetProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, userPath(userID, "/profile"), nil, nil)
}

// Moment describes whether the caller considers now a behavioral moment.
type Moment struct {
	IsBehavioralMoment bool    `json:"isBehavioralMoment"`
	MomentType         string  `json:"momentType,omitempty"`
	Confidence         float64 `json:"confidence"`
}

// ProcessTrigger runs one evaluation for the user.
func (c *NudgeClient) ProcessTrigger(ctx context.Context, userID, trigger string, moment *Moment) (json.RawMessage, error) {
	body := map[string]any{"trigger": trigger}
	if moment != nil {
		body["moment"] = moment
	}
	return c.doRequest(ctx, http.MethodPost, userPath(userID, "/triggers"), nil, body)
}

// Transaction is one spending record sent to the engine.
type Transaction struct {
	ID         string    `json:"id,omitempty"`
	Amount     float64   `json:"amount"`
	CategoryID string    `json:"categoryId"`
	Merchant   string    `json:"merchant,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// IngestTransactions stores transactions and evaluates the user.
func (c *NudgeClient) IngestTransactions(ctx context.Context, userID string, txs []Transaction, moment *Moment) (json.RawMessage, error) {
	body := map[string]any{"transactions": txs}
	if moment != nil {
		body["moment"] = moment
	}
	return c.doRequest(ctx, http.MethodPost, userPath(userID, "/transactions"), nil, body)
}

// RecordResponse records how the user reacted to an intervention.
func (c *NudgeClient) RecordResponse(ctx context.Context, userID, interventionID, response string) (json.RawMessage, error) {
	path := userPath(userID, "/interventions/"+url.PathEscape(interventionID)+"/response")
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"response": response})
}

// ListInterventions returns one page of the user's intervention history.
func (c *NudgeClient) ListInterventions(ctx context.Context, userID, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, userPath(userID, "/interventions"), q, nil)
}

// ListWins returns the user's most recent wins.
func (c *NudgeClient) ListWins(ctx context.Context, userID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, userPath(userID, "/wins"), q, nil)
}

// SessionCounters are the in-session friction counters.
type SessionCounters struct {
	ManualCategorizations int `json:"manualCategorizations"`
	LockedFeatureTaps     int `json:"lockedFeatureTaps"`
	BudgetLimitHits       int `json:"budgetLimitHits"`
	ExportAttempts        int `json:"exportAttempts"`
	ScreenRevisits        int `json:"screenRevisits"`
	SessionSeconds        int `json:"sessionSeconds"`
}

// EvaluateFriction asks whether the session warrants an upgrade prompt.
func (c *NudgeClient) EvaluateFriction(ctx context.Context, userID string, counters SessionCounters) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, userPath(userID, "/friction"), nil, map[string]any{"counters": counters})
}

// UpdateSettings turns interventions on or off for the user.
func (c *NudgeClient) UpdateSettings(ctx context.Context, userID string, enabled bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPut, userPath(userID, "/settings"), nil, map[string]bool{"interventionEnabled": enabled})
}
