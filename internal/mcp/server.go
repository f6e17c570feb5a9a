package mcp

import (
	"context"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/codeindex-mcp/internal/workspace"
)

const (
	// ServerName is the MCP server name
	ServerName = "codeindex-mcp"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server exposes a workspace service as MCP tools
type Server struct {
	mcp *server.MCPServer
	svc *workspace.Service
}

// NewServer creates a new MCP server instance
func NewServer(svc *workspace.Service) *Server {
	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
	)

	s := &Server{
		mcp: mcpServer,
		svc: svc,
	}
	s.registerTools()
	return s
}

// Serve speaks MCP over in/out until ctx ends or in is closed. Protocol
// errors are written to errLog.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, errLog *log.Logger) error {
	stdio := server.NewStdioServer(s.mcp)
	if errLog != nil {
		stdio.SetErrorLogger(errLog)
	}
	return stdio.Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(manageWorkspaceTool(), s.handleManageWorkspace)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
}
