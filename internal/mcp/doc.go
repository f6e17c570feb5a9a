// Package mcp implements the Model Context Protocol (MCP) server for codeindex.
//
// The MCP server exposes two tools to AI coding assistants:
//   - manage_workspace: index the primary workspace and manage reference workspaces
//   - search_code: search the symbols of an indexed workspace
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries protocol traffic only; logs go to stderr.
//
// # Basic Usage
//
// The MCP server is started via the serve command from the primary root:
//
//	codeindex serve
//
// # Tool: manage_workspace
//
// Every call names an operation:
//
//	index      index the primary workspace (force)
//	add        register and index a reference or session workspace (path, workspace_type)
//	remove     delete a workspace's store and registry entry (workspace_id)
//	list       list workspaces and orphaned index directories
//	clean      run TTL and size eviction, then delete expired orphans (force)
//	refresh    re-index one workspace (workspace_id, force)
//	stats      registry-wide or per-workspace statistics (workspace_id)
//	set_ttl    change the reference or session TTL (ttl, session)
//	set_limit  change the total index size cap (limit)
//
// Example:
//
//	{
//	  "name": "manage_workspace",
//	  "arguments": {
//	    "operation": "add",
//	    "path": "/src/github.com/example/lib",
//	    "workspace_type": "reference"
//	  }
//	}
//
// # Tool: search_code
//
//	{
//	  "name": "search_code",
//	  "arguments": {
//	    "query": "DemoStruct",
//	    "workspace_id": "lib_1a2b3c4d",
//	    "limit": 10
//	  }
//	}
//
// Each query term matches as a prefix over symbol names, signatures and doc
// comments; names weigh most.
//
// # Error Handling
//
// Failures are returned as MCPError values with JSON-RPC style codes:
//
//	-32602  invalid parameters (including bad paths, TTLs and limits)
//	-32603  internal error
//	-32001  workspace not found
//	-32002  indexing already in progress
//	-32003  workspace store unavailable
//	-32004  empty query
//	-32005  the primary workspace cannot be removed
//	-32006  batch rejected by an integrity violation
package mcp
