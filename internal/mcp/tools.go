package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/codeindex-mcp/internal/workspace"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeWorkspaceNotFound  = -32001 // No workspace with the given id
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeStoreUnavailable   = -32003 // Workspace store missing, locked or unreadable
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
	ErrorCodePrimaryImmutable   = -32005 // The primary workspace cannot be removed
	ErrorCodeIntegrity          = -32006 // Batch rejected by an integrity violation
)

// handleManageWorkspace dispatches the manage_workspace operations
func (s *Server) handleManageWorkspace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	op := getStringDefault(args, "operation", "")
	switch op {
	case OpIndex:
		res, err := s.svc.Index(ctx, getBoolDefault(args, "force", false))
		if err != nil {
			return nil, serviceError("indexing failed", err)
		}
		return textResult(indexResponse(res)), nil

	case OpAdd:
		path, err := requireString(args, "path")
		if err != nil {
			return nil, err
		}
		wsType, perr := types.ParseWorkspaceType(getStringDefault(args, "workspace_type", "reference"))
		if perr != nil || wsType == types.WorkspacePrimary {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid workspace_type", map[string]interface{}{
				"param":   "workspace_type",
				"allowed": []string{"reference", "session"},
			})
		}
		res, err := s.svc.Add(ctx, path, wsType)
		if err != nil {
			return nil, serviceError("add failed", err)
		}
		return textResult(indexResponse(res)), nil

	case OpRemove:
		id, err := requireString(args, "workspace_id")
		if err != nil {
			return nil, err
		}
		removed, err := s.svc.Remove(ctx, id)
		if err != nil {
			return nil, serviceError("remove failed", err)
		}
		return textResult(map[string]interface{}{
			"removed":      true,
			"workspace_id": removed.ID,
			"freed":        humanize.Bytes(uint64(removed.IndexSizeBytes)),
		}), nil

	case OpList:
		list := s.svc.List(ctx)
		workspaces := make([]map[string]interface{}, 0, len(list.Workspaces))
		for _, e := range list.Workspaces {
			workspaces = append(workspaces, entryResponse(e))
		}
		orphans := make([]map[string]interface{}, 0, len(list.Orphans))
		for _, o := range list.Orphans {
			orphans = append(orphans, map[string]interface{}{
				"directory":              o.DirectoryName,
				"reason":                 o.Reason,
				"size":                   humanize.Bytes(uint64(o.SizeBytes)),
				"scheduled_for_deletion": o.ScheduledForDeletion.Format(time.RFC3339),
			})
		}
		return textResult(map[string]interface{}{
			"workspaces": workspaces,
			"orphans":    orphans,
		}), nil

	case OpClean:
		res, err := s.svc.Clean(ctx, getBoolDefault(args, "force", false))
		if err != nil {
			return nil, serviceError("clean failed", err)
		}
		return textResult(res), nil

	case OpRefresh:
		res, err := s.svc.Refresh(ctx, getStringDefault(args, "workspace_id", ""), getBoolDefault(args, "force", false))
		if err != nil {
			return nil, serviceError("refresh failed", err)
		}
		return textResult(indexResponse(res)), nil

	case OpStats:
		stats, err := s.svc.Stats(ctx, getStringDefault(args, "workspace_id", ""))
		if err != nil {
			return nil, serviceError("stats failed", err)
		}
		return textResult(stats), nil

	case OpSetTTL:
		raw, err := requireString(args, "ttl")
		if err != nil {
			return nil, err
		}
		ttl, perr := workspace.ParseTTL(raw)
		if perr != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid ttl", map[string]interface{}{
				"param":  "ttl",
				"reason": perr.Error(),
			})
		}
		session := getBoolDefault(args, "session", false)
		if err := s.svc.SetTTL(ctx, ttl, session); err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), nil)
		}
		return textResult(map[string]interface{}{"ttl": ttl.String(), "session": session}), nil

	case OpSetLimit:
		raw, err := requireString(args, "limit")
		if err != nil {
			return nil, err
		}
		limit, perr := humanize.ParseBytes(raw)
		if perr != nil || limit == 0 {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid limit", map[string]interface{}{
				"param": "limit",
				"value": raw,
			})
		}
		if err := s.svc.SetLimit(ctx, int64(limit)); err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), nil)
		}
		return textResult(map[string]interface{}{
			"limit_bytes": limit,
			"limit":       humanize.Bytes(limit),
		}), nil

	default:
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid operation", map[string]interface{}{
			"param":   "operation",
			"value":   op,
			"allowed": operations,
		})
	}
}

// handleSearchCode handles the search_code tool invocation
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", 10)
	if limit < 1 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	res, err := s.svc.Search(ctx, getStringDefault(args, "workspace_id", ""), query, limit)
	if err != nil {
		return nil, serviceError("search failed", err)
	}
	return textResult(res), nil
}

// indexResponse formats the outcome of index, add and refresh
func indexResponse(res *workspace.IndexResult) map[string]interface{} {
	response := map[string]interface{}{
		"indexed":   true,
		"workspace": entryResponse(res.Workspace),
	}
	if st := res.Stats; st != nil {
		response["statistics"] = map[string]interface{}{
			"files_scanned":     st.FilesScanned,
			"files_changed":     st.FilesChanged,
			"files_skipped":     st.FilesSkipped,
			"files_deleted":     st.FilesDeleted,
			"files_failed":      st.FilesFailed,
			"extract_errors":    st.ExtractErrors,
			"symbols_extracted": st.SymbolsExtracted,
			"batches":           st.Batches,
			"duration_ms":       st.Duration.Milliseconds(),
		}
		if n := len(st.ErrorMessages); n > 0 {
			if n > 5 {
				response["errors"] = st.ErrorMessages[:5]
				response["error_count"] = n
			} else {
				response["errors"] = st.ErrorMessages
			}
		}
	}
	return response
}

func entryResponse(e *types.WorkspaceEntry) map[string]interface{} {
	m := map[string]interface{}{
		"id":               e.ID,
		"name":             e.DisplayName,
		"path":             e.OriginalPath,
		"type":             e.WorkspaceType,
		"status":           e.Status,
		"files":            e.FileCount,
		"symbols":          e.DocumentCount,
		"size":             humanize.Bytes(uint64(e.IndexSizeBytes)),
		"size_bytes":       e.IndexSizeBytes,
		"last_accessed_at": e.LastAccessedAt.Format(time.RFC3339),
	}
	if e.ExpiresAt != nil {
		m["expires_at"] = e.ExpiresAt.Format(time.RFC3339)
	}
	if e.LastError != "" {
		m["last_error"] = e.LastError
	}
	return m
}

// serviceError maps a service failure to an MCP error
func serviceError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}

	var integrity *types.IntegrityError
	var unavailable *types.StoreUnavailableError
	switch {
	case errors.Is(err, types.ErrWorkspaceNotFound):
		return newMCPError(ErrorCodeWorkspaceNotFound, "workspace not found", data)
	case errors.Is(err, types.ErrIndexingInProgress):
		return newMCPError(ErrorCodeIndexingInProgress, "indexing already in progress", data)
	case errors.Is(err, types.ErrPrimaryImmutable):
		return newMCPError(ErrorCodePrimaryImmutable, "the primary workspace cannot be removed", data)
	case errors.Is(err, workspace.ErrEmptyQuery):
		return newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", data)
	case errors.Is(err, workspace.ErrPathRequired),
		errors.Is(err, workspace.ErrPathNotFound),
		errors.Is(err, workspace.ErrNotDirectory):
		data["param"] = "path"
		return newMCPError(ErrorCodeInvalidParams, "invalid path", data)
	case errors.As(err, &integrity):
		data["workspace_id"] = integrity.WorkspaceID
		data["symbol_id"] = integrity.SymbolID
		data["file_path"] = integrity.FilePath
		return newMCPError(ErrorCodeIntegrity, message, data)
	case errors.As(err, &unavailable):
		data["workspace_id"] = unavailable.WorkspaceID
		data["path"] = unavailable.Path
		return newMCPError(ErrorCodeStoreUnavailable, message, data)
	default:
		return newMCPError(ErrorCodeInternalError, message, data)
	}
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// requireString extracts a non-empty string parameter
func requireString(args map[string]interface{}, key string) (string, error) {
	val, ok := args[key].(string)
	if !ok || strings.TrimSpace(val) == "" {
		return "", newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
			"param":  key,
			"reason": "missing or empty",
		})
	}
	return val, nil
}

// textResult formats data as an indented JSON text result
func textResult(data interface{}) *mcp.CallToolResult {
	return mcp.NewToolResultText(formatJSON(data))
}

// formatJSON formats data as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
