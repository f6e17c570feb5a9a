// Package types provides the entity model shared by every component of the
// code index.
//
// # Records
//
// File, Symbol and Relationship are the shapes extractors produce and the
// ingestion pipeline stores. Symbols reference their File by path and may
// reference a parent Symbol by id:
//
//	method := types.Symbol{
//	    ID:       "9f2c...",
//	    Name:     "Method",
//	    Kind:     types.KindMethod,
//	    FilePath: "main.go",
//	    ParentID: &structID,
//	}
//
// WorkspaceEntry and OrphanedIndex are the registry's records; their JSON
// tags define the layout of workspace_registry.json.
//
// # Errors
//
// ErrWorkspaceNotFound is the typed miss for unknown workspace ids.
// IntegrityError and StoreUnavailableError carry the workspace, symbol and
// path needed to diagnose a rejected batch or an unreachable store:
//
//	var ie *types.IntegrityError
//	if errors.As(err, &ie) {
//	    log.Printf("batch rejected: symbol %s in %s", ie.SymbolID, ie.FilePath)
//	}
package types
