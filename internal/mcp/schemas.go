package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Operations accepted by manage_workspace
const (
	OpIndex    = "index"
	OpAdd      = "add"
	OpRemove   = "remove"
	OpList     = "list"
	OpClean    = "clean"
	OpRefresh  = "refresh"
	OpStats    = "stats"
	OpSetTTL   = "set_ttl"
	OpSetLimit = "set_limit"
)

var operations = []string{OpIndex, OpAdd, OpRemove, OpList, OpClean, OpRefresh, OpStats, OpSetTTL, OpSetLimit}

// manageWorkspaceTool returns the tool definition for manage_workspace
func manageWorkspaceTool() mcp.Tool {
	return mcp.Tool{
		Name:        "manage_workspace",
		Description: "Index the primary workspace and manage reference workspaces: add, remove, list, clean, refresh, stats, set_ttl, set_limit",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"operation": map[string]interface{}{
					"type":        "string",
					"description": "Operation to perform",
					"enum":        operations,
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path of the directory to add (add)",
				},
				"workspace_id": map[string]interface{}{
					"type":        "string",
					"description": "Workspace id (remove, refresh, stats); refresh and stats default to the primary workspace",
				},
				"workspace_type": map[string]interface{}{
					"type":        "string",
					"description": "Lifecycle of an added workspace (add)",
					"enum":        []string{"reference", "session"},
					"default":     "reference",
				},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "index/refresh: re-extract every file ignoring fingerprints; clean: delete orphans inside their grace period",
					"default":     false,
				},
				"ttl": map[string]interface{}{
					"type":        "string",
					"description": "Time to live such as 72h or 7d (set_ttl)",
				},
				"session": map[string]interface{}{
					"type":        "boolean",
					"description": "Apply the TTL to session workspaces instead of reference workspaces (set_ttl)",
					"default":     false,
				},
				"limit": map[string]interface{}{
					"type":        "string",
					"description": "Total index size cap such as 500MB (set_limit)",
				},
			},
			Required: []string{"operation"},
		},
	}
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Search the symbols of an indexed workspace by name, signature or doc comment",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search terms; each term matches as a prefix",
				},
				"workspace_id": map[string]interface{}{
					"type":        "string",
					"description": "Workspace to search; defaults to the primary workspace",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
			},
			Required: []string{"query"},
		},
	}
}
