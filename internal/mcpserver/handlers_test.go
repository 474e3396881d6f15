package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/nudge"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Test helpers ---

// newEngineSetup runs the real nudge API over an in-memory store.
func newEngineSetup(t *testing.T) *Handlers {
	t.Helper()
	svc := nudge.NewService(nudge.NewMemoryStore(), behavior.DefaultConfig())
	r := gin.New()
	nudge.NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return NewHandlers(NewNudgeClient(Config{APIURL: ts.URL}))
}

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewNudgeClient(Config{APIURL: ts.URL, APIKey: "sk_test_key"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewNudgeClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)

	client = NewNudgeClient(Config{APIURL: ts.URL})
	_, err = client.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "Profile not found",
		})
	}))
	defer ts.Close()

	client := NewNudgeClient(Config{APIURL: ts.URL})
	_, err := client.GetProfile(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Profile not found")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewNudgeClient(Config{APIURL: ts.URL})
	_, err := client.GetProfile(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewNudgeClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetProfile(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_EscapesPathSegments(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewNudgeClient(Config{APIURL: ts.URL})
	_, err := client.RecordResponse(context.Background(), "a/b", "iv 1", "viewed")
	require.NoError(t, err)
	assert.Equal(t, "/v1/users/a%2Fb/interventions/iv%201/response", gotPath)
}

func TestClient_ListInterventionsQuery(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"interventions":[]}`))
	}))
	defer ts.Close()

	client := NewNudgeClient(Config{APIURL: ts.URL})
	_, err := client.ListInterventions(context.Background(), "u1", "abc", 5)
	require.NoError(t, err)
	assert.Equal(t, "cursor=abc&limit=5", gotQuery)
}

// ============================================================
// Tool handler tests against the real engine API
// ============================================================

func TestHandleCreateAndGetProfile(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()

	res, err := h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	text := resultText(t, res)
	assert.Contains(t, text, "Profile created.")
	assert.Contains(t, text, "State: OBSERVING")

	res, err = h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "409")

	res, err = h.HandleGetProfile(ctx, makeRequest(map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "User: alice")
	assert.Contains(t, resultText(t, res), "small_recurring: 0.00")

	res, err = h.HandleGetProfile(ctx, makeRequest(map[string]any{"user_id": "bob"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "404")
}

func TestHandlers_RequireUserID(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"create_profile":      h.HandleCreateProfile,
		"get_profile":         h.HandleGetProfile,
		"process_trigger":     h.HandleProcessTrigger,
		"ingest_transactions": h.HandleIngestTransactions,
		"record_response":     h.HandleRecordResponse,
		"list_interventions":  h.HandleListInterventions,
		"list_wins":           h.HandleListWins,
		"evaluate_friction":   h.HandleEvaluateFriction,
		"update_settings":     h.HandleUpdateSettings,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			res, err := fn(ctx, makeRequest(nil))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), "user_id is required")
		})
	}
}

func TestHandleProcessTrigger(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()
	_, err := h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)

	res, err := h.HandleProcessTrigger(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "trigger is required")

	res, err = h.HandleProcessTrigger(ctx, makeRequest(map[string]any{
		"user_id":     "u1",
		"trigger":     "APP_OPEN",
		"moment_type": "REPEAT_PURCHASE",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	text := resultText(t, res)
	assert.Contains(t, text, "Transition: OBSERVING -> OBSERVING")
	assert.Contains(t, text, "Decision: blocked by")
}

func coffeeTransactions(days int) []any {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	txs := make([]any, 0, days)
	for d := range days {
		txs = append(txs, map[string]any{
			"amount":     -4.5,
			"categoryId": "coffee",
			"merchant":   "Corner Cafe",
			"occurredAt": base.AddDate(0, 0, -d).Format(time.RFC3339),
		})
	}
	return txs
}

func TestHandleIngestTransactions(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()
	_, err := h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)

	res, err := h.HandleIngestTransactions(ctx, makeRequest(map[string]any{
		"user_id":      "u1",
		"transactions": coffeeTransactions(5),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "Ingested 5 transaction(s).")
	assert.Contains(t, resultText(t, res), "Transition:")
}

func TestParseTransactions(t *testing.T) {
	_, err := parseTransactions(nil)
	assert.EqualError(t, err, "transactions is required")

	_, err = parseTransactions([]any{})
	assert.EqualError(t, err, "transactions must not be empty")

	_, err = parseTransactions([]any{map[string]any{"amount": -1, "categoryId": "x"}})
	assert.EqualError(t, err, "transactions[0].occurredAt is required")

	_, err = parseTransactions("not a list")
	assert.Error(t, err)

	txs, err := parseTransactions(coffeeTransactions(2))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "coffee", txs[0].CategoryID)
	assert.Equal(t, -4.5, txs[1].Amount)
}

func TestHandleRecordResponse_UnknownIntervention(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()
	_, err := h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)

	res, err := h.HandleRecordResponse(ctx, makeRequest(map[string]any{"user_id": "u1", "intervention_id": "iv_x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "response is required")

	res, err = h.HandleRecordResponse(ctx, makeRequest(map[string]any{
		"user_id":         "u1",
		"intervention_id": "iv_missing",
		"response":        "viewed",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "404")
}

func TestHandleRecordResponse_Formats(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"response":"dismissed"}`, string(body))
		_, _ = w.Write([]byte(`{
			"intervention": {"id": "iv_1"},
			"annoyance": {"type": "dismissed", "severity": "moderate", "count": 3},
			"failure": {"mode": "ANNOYED", "action": "EXTEND_COOLDOWN", "reason": "r"},
			"profile": {"userId": "u1", "userState": "COOLDOWN", "interventionEnabled": true}
		}`))
	}))

	res, err := h.HandleRecordResponse(context.Background(), makeRequest(map[string]any{
		"user_id":         "u1",
		"intervention_id": "iv_1",
		"response":        "dismissed",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, `Recorded "dismissed" for iv_1.`)
	assert.Contains(t, text, "Annoyance: dismissed (moderate)")
	assert.Contains(t, text, "Failure handling: EXTEND_COOLDOWN")
	assert.Contains(t, text, "State: COOLDOWN")
}

func TestHandleListInterventions(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()
	_, err := h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)

	res, err := h.HandleListInterventions(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "No interventions found.", resultText(t, res))
}

func TestFormatInterventionPage(t *testing.T) {
	raw := json.RawMessage(`{
		"interventions": [
			{"id": "iv_2", "behavior": "SMALL_RECURRING", "interventionType": "AWARENESS",
			 "message": "Coffee again?", "deliveredAt": "2026-03-10T08:00:00Z", "userResponse": "viewed"},
			{"id": "iv_1", "behavior": "SMALL_RECURRING", "interventionType": "AWARENESS",
			 "message": "Noticed a pattern", "deliveredAt": "2026-03-09T08:00:00Z"}
		],
		"nextCursor": "next123"
	}`)

	text, err := formatInterventionPage(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "Found 2 intervention(s)")
	assert.Contains(t, text, "1. iv_2 [SMALL_RECURRING / AWARENESS] 2026-03-10T08:00:00Z")
	assert.Contains(t, text, `"Noticed a pattern" (no response yet)`)
	assert.Contains(t, text, "cursor: next123")
}

func TestHandleListWins(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/u1/wins", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"wins":[{"behavior":"SMALL_RECURRING","winType":"STREAK_MILESTONE",
			"streak":7,"message":"A week strong","at":"2026-03-10T00:00:00Z"}],"count":1}`))
	}))

	res, err := h.HandleListWins(context.Background(), makeRequest(map[string]any{"user_id": "u1", "limit": float64(3)}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "1. STREAK_MILESTONE (SMALL_RECURRING) 2026-03-10")
	assert.Contains(t, text, "A week strong")
}

func TestHandleEvaluateFriction(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()
	_, err := h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)

	res, err := h.HandleEvaluateFriction(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "No prompt: blocked by NO_FRICTION")

	res, err = h.HandleEvaluateFriction(ctx, makeRequest(map[string]any{
		"user_id":         "u1",
		"export_attempts": float64(3),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "Show upgrade prompt")
}

func TestHandleUpdateSettings(t *testing.T) {
	h := newEngineSetup(t)
	ctx := context.Background()
	_, err := h.HandleCreateProfile(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)

	res, err := h.HandleUpdateSettings(ctx, makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "enabled is required")

	res, err = h.HandleUpdateSettings(ctx, makeRequest(map[string]any{"user_id": "u1", "enabled": false}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	text := resultText(t, res)
	assert.Contains(t, text, "State: WITHDRAWN")
	assert.Contains(t, text, "Interventions: disabled")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)

	tools := s.ListTools()
	for _, name := range []string{
		"create_profile", "get_profile", "process_trigger", "ingest_transactions",
		"record_response", "list_interventions", "list_wins", "evaluate_friction", "update_settings",
	} {
		assert.Contains(t, tools, name)
	}
}
