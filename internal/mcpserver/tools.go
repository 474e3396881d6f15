package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the nudge MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateProfile = mcp.NewTool("create_profile",
	mcp.WithDescription(
		"Register a user with the behavioral intervention engine. "+
			"New users start in the OBSERVING state with interventions enabled."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The app's user id (letters, digits, '-', '_', '.', '@')")),
)

var ToolGetProfile = mcp.NewTool("get_profile",
	mcp.WithDescription(
		"Show a user's behavioral profile: state, active behavior, per-behavior confidence, "+
			"cooldown and withdrawal deadlines, and win streaks."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
)

var ToolProcessTrigger = mcp.NewTool("process_trigger",
	mcp.WithDescription(
		"Run one engine evaluation for a user. Returns the state transition, the intervention decision "+
			"with the gate that blocked it, and any intervention delivered."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
	mcp.WithString("trigger",
		mcp.Required(),
		mcp.Description("What happened"),
		mcp.Enum("TRANSACTION", "APP_OPEN", "SCHEDULED_TICK", "POSITIVE_SIGNAL")),
	mcp.WithString("moment_type",
		mcp.Description("Set when the app believes now is a teachable moment"),
		mcp.Enum("REPEAT_PURCHASE", "PATTERN_MATCH", "THRESHOLD_CROSSED", "TIME_PATTERN", "RELAPSE_AFTER_IMPROVEMENT")),
	mcp.WithNumber("moment_confidence",
		mcp.Description("Confidence in the moment, 0 to 1 (default 0.8 when moment_type is set)")),
)

var ToolIngestTransactions = mcp.NewTool("ingest_transactions",
	mcp.WithDescription(
		"Send spending transactions for a user and evaluate them. "+
			"Amounts are negative for spending. Runs behavior detection immediately."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
	mcp.WithArray("transactions",
		mcp.Required(),
		mcp.Description("Transactions: [{\"amount\": -4.5, \"categoryId\": \"coffee\", \"merchant\": \"Blue Bottle\", \"occurredAt\": \"2026-03-10T08:00:00Z\"}]")),
)

var ToolRecordResponse = mcp.NewTool("record_response",
	mcp.WithDescription(
		"Record how a user reacted to an intervention. Repeated dismissals or ignores "+
			"extend the cooldown or withdraw the user from interventions."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
	mcp.WithString("intervention_id",
		mcp.Required(),
		mcp.Description("The intervention id from process_trigger or list_interventions")),
	mcp.WithString("response",
		mcp.Required(),
		mcp.Description("The user's reaction"),
		mcp.Enum("viewed", "dismissed", "engaged", "ignored")),
)

var ToolListInterventions = mcp.NewTool("list_interventions",
	mcp.WithDescription(
		"List a user's delivered interventions, newest first."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of interventions to return (default 50)")),
)

var ToolListWins = mcp.NewTool("list_wins",
	mcp.WithDescription(
		"List a user's behavioral wins: streak milestones, pattern breaks and recoveries."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of wins to return (default 50)")),
)

var ToolEvaluateFriction = mcp.NewTool("evaluate_friction",
	mcp.WithDescription(
		"Decide whether a free user's session shows enough friction to show an upgrade prompt. "+
			"Premium users, recent prompts and weekly limits block the prompt."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
	mcp.WithNumber("manual_categorizations", mcp.Description("Transactions categorized by hand this session")),
	mcp.WithNumber("locked_feature_taps", mcp.Description("Taps on premium-only features")),
	mcp.WithNumber("budget_limit_hits", mcp.Description("Times the free budget limit was hit")),
	mcp.WithNumber("export_attempts", mcp.Description("Export attempts")),
	mcp.WithNumber("screen_revisits", mcp.Description("Revisits of the same screen")),
	mcp.WithNumber("session_seconds", mcp.Description("Session length in seconds")),
)

var ToolUpdateSettings = mcp.NewTool("update_settings",
	mcp.WithDescription(
		"Turn interventions on or off for a user. Disabling withdraws the user immediately."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
	mcp.WithBoolean("enabled",
		mcp.Required(),
		mcp.Description("Whether interventions are enabled")),
)
