package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all directory tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agentdir", "1.0.0")
	h := NewHandlers(NewDirectoryClient(cfg))

	s.AddTool(ToolGetAgent, h.HandleGetAgent)
	s.AddTool(ToolListAgents, h.HandleListAgents)
	s.AddTool(ToolVerifyAgent, h.HandleVerifyAgent)
	s.AddTool(ToolGetVerification, h.HandleGetVerification)
	s.AddTool(ToolRunBatchVerification, h.HandleRunBatchVerification)

	return s
}
