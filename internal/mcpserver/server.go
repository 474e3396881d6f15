package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all nudge tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("nudge", "1.0.0")
	client := NewNudgeClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCreateProfile, h.HandleCreateProfile)
	s.AddTool(ToolGetProfile, h.HandleGetProfile)
	s.AddTool(ToolProcessTrigger, h.HandleProcessTrigger)
	s.AddTool(ToolIngestTransactions, h.HandleIngestTransactions)
	s.AddTool(ToolRecordResponse, h.HandleRecordResponse)
	s.AddTool(ToolListInterventions, h.HandleListInterventions)
	s.AddTool(ToolListWins, h.HandleListWins)
	s.AddTool(ToolEvaluateFriction, h.HandleEvaluateFriction)
	s.AddTool(ToolUpdateSettings, h.HandleUpdateSettings)

	return s
}
