// Package workspace is the entry point used by the CLI and the MCP server.
//
// A Service owns the components of one Primary root:
//
//	<root>/.julie/workspace_registry.json   registry (+ .backup)
//	<root>/.julie/indexes/<id>/db/          relational store per workspace
//	<root>/.julie/indexes/<id>/index/       text segment per workspace
//
// Indexing a workspace moves it to Indexing, then back to Active with fresh
// file, symbol and size statistics. A store failure leaves it Degraded; its
// last good commit stays queryable.
package workspace
