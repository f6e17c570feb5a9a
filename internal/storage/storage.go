package storage

import (
	"context"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Storage defines the interface for persisting one workspace's indexed data
type Storage interface {
	// File operations
	UpsertFile(ctx context.Context, file *types.File) error
	GetFile(ctx context.Context, path string) (*types.File, error)
	FileExists(ctx context.Context, path string) (bool, error)
	DeleteFile(ctx context.Context, path string) error
	ListFiles(ctx context.Context) ([]*types.File, error)
	Fingerprints(ctx context.Context) (map[string]string, error)

	// Symbol operations
	InsertSymbol(ctx context.Context, symbol *types.Symbol) error
	GetSymbol(ctx context.Context, id string) (*types.Symbol, error)
	SymbolExists(ctx context.Context, id string) (bool, error)
	ListSymbolsByFile(ctx context.Context, path string) ([]*types.Symbol, error)
	DeleteSymbolsByFile(ctx context.Context, path string) (int, error)
	FindSymbols(ctx context.Context, name string, limit int) ([]*types.Symbol, error)

	// Relationship operations
	InsertRelationship(ctx context.Context, rel *types.Relationship) error
	ListRelationshipsFrom(ctx context.Context, symbolID string) ([]*types.Relationship, error)
	DeleteRelationshipsByFile(ctx context.Context, path string) (int, error)

	// Workspace metadata operations
	UpsertWorkspace(ctx context.Context, ws *WorkspaceRow) error
	GetWorkspace(ctx context.Context, id string) (*WorkspaceRow, error)

	// Status operations
	GetStatus(ctx context.Context) (*Status, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage
}

// WorkspaceRow is the per-store copy of the workspace metadata, refreshed
// inside every ingestion transaction.
type WorkspaceRow struct {
	ID           string
	Path         string
	Name         string
	Type         types.WorkspaceType
	IndexedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    *time.Time
	FileCount    int
	SymbolCount  int
}

// Status contains row counts for one workspace store
type Status struct {
	FilesCount         int
	SymbolsCount       int
	RelationshipsCount int
	SchemaVersion      string
	LastIndexedAt      time.Time
}

// Options tunes the connection pool of a store
type Options struct {
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// DefaultOptions returns the pool settings used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxOpenConns: 4,
		BusyTimeout:  5 * time.Second,
	}
}
