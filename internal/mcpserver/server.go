package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Claimpay tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("claimpay", "1.0.0")
	client := NewClaimpayClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolSubmitClaim, h.HandleSubmitClaim)
	s.AddTool(ToolGetClaim, h.HandleGetClaim)
	s.AddTool(ToolListClaims, h.HandleListClaims)
	s.AddTool(ToolEvaluateClaim, h.HandleEvaluateClaim)
	s.AddTool(ToolAttachEvidence, h.HandleAttachEvidence)
	s.AddTool(ToolCheckEscrow, h.HandleCheckEscrow)
	s.AddTool(ToolDepositEscrow, h.HandleDepositEscrow)
	s.AddTool(ToolSettleClaim, h.HandleSettleClaim)
	s.AddTool(ToolOverrideDecision, h.HandleOverrideDecision)

	return s
}
