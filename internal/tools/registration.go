package tools

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

// Registration pairs an MCP tool definition with its handler.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// RegisterAll adds every registration to s.
func RegisterAll(s *server.MCPServer, registrations []Registration, log logrus.FieldLogger) {
	for _, r := range registrations {
		s.AddTool(r.Tool, r.Handler)
		log.WithField("tool", r.Tool.Name).Debug("registered tool")
	}
}
