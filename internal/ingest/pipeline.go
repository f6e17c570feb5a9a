// Package ingest commits extracted batches into a workspace's relational
// store.
//
// A commit is one transaction: deleted files go first, then every file of
// the batch, then the old symbols and relationships of those files, then
// the new symbols in parent-first order and finally the relationships whose
// endpoints exist. A reader never observes half a batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/internal/metrics"
	"github.com/dshills/codeindex-mcp/internal/router"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Batch is one unit of ingestion for a single workspace
type Batch struct {
	Files         []types.File
	Symbols       []types.Symbol
	Relationships []types.Relationship
	DeletedPaths  []string
}

// Empty reports whether the batch carries nothing to commit
func (b *Batch) Empty() bool {
	return len(b.Files) == 0 && len(b.Symbols) == 0 && len(b.Relationships) == 0 && len(b.DeletedPaths) == 0
}

// CommitStats describes a committed batch
type CommitStats struct {
	FilesUpserted         int
	FilesDeleted          int
	SymbolsInserted       int
	SymbolsSuperseded     int
	RelationshipsInserted int
	RelationshipsDropped  int
	OrphanedParents       int
	CyclesBroken          int
	Retried               bool
	Warnings              []string
	Duration              time.Duration

	// SegmentErr is set when the relational commit succeeded but the text
	// segment could not be updated
	SegmentErr error
}

// Stores hands out workspace handles and commit locks
type Stores interface {
	Open(ctx context.Context, id string) (*router.Handle, error)
	Lock(ctx context.Context, id string) (func(), error)
}

// Catalog returns registry entries
type Catalog interface {
	Get(ctx context.Context, id string) (*types.WorkspaceEntry, error)
}

// Pipeline commits batches
type Pipeline struct {
	stores  Stores
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time

	// beforeRetry runs after a failed first attempt, outside its transaction
	beforeRetry func(id string)
}

// New creates a pipeline
func New(stores Stores, catalog Catalog, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{stores: stores, catalog: catalog, logger: logger, now: time.Now}
}

// Commit writes batch into workspace id. Commits of one workspace are
// serialized in arrival order; different workspaces commit in parallel.
// ctx bounds only the wait for the commit lock: once the transaction has
// begun it runs to completion.
func (p *Pipeline) Commit(ctx context.Context, id string, batch Batch) (*CommitStats, error) {
	start := p.now()
	b, err := normalizeBatch(batch)
	if err != nil {
		metrics.RecordCommitFailure("invalid")
		return nil, fmt.Errorf("invalid batch for %s: %w", id, err)
	}

	entry, err := p.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := p.stores.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := p.stores.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txCtx := context.WithoutCancel(ctx)
	stats, ordered, err := p.attempt(txCtx, h.Store, entry, b)
	if err != nil && isIntegrity(err) {
		p.logger.Warn("ingest.retry", "workspace", id, "error", err)
		if p.beforeRetry != nil {
			p.beforeRetry(id)
		}
		stats, ordered, err = p.attempt(txCtx, h.Store, entry, b)
		if stats != nil {
			stats.Retried = true
		}
	}
	if err != nil {
		if isIntegrity(err) {
			metrics.RecordCommitFailure("integrity")
			return nil, asIntegrityError(id, err)
		}
		metrics.RecordCommitFailure("store")
		return nil, fmt.Errorf("failed to commit batch to %s: %w", id, err)
	}

	if err := h.Segment.Replace(txCtx, b.touchedPaths(), ordered); err != nil {
		stats.SegmentErr = err
		p.logger.Warn("ingest.segment_failed", "workspace", id, "error", err)
	}

	stats.Duration = p.now().Sub(start)
	for _, w := range stats.Warnings {
		p.logger.Debug("ingest.warning", "workspace", id, "detail", w)
	}
	p.logger.Debug("ingest.committed",
		"workspace", id,
		"files", stats.FilesUpserted,
		"deleted", stats.FilesDeleted,
		"symbols", stats.SymbolsInserted,
		"relationships", stats.RelationshipsInserted,
		"dropped", stats.RelationshipsDropped,
		"duration", stats.Duration)

	metrics.RecordCommit(metrics.Commit{
		SymbolsInserted:      stats.SymbolsInserted,
		SymbolsSuperseded:    stats.SymbolsSuperseded,
		RelationshipsDropped: stats.RelationshipsDropped,
		OrphanedParents:      stats.OrphanedParents,
		CyclesBroken:         stats.CyclesBroken,
		Retried:              stats.Retried,
		SegmentFailed:        stats.SegmentErr != nil,
		Duration:             stats.Duration,
	})
	return stats, nil
}

// attempt runs the whole batch in one transaction; nothing is visible
// unless every step succeeds.
func (p *Pipeline) attempt(ctx context.Context, store storage.Storage, entry *types.WorkspaceEntry, b *normalized) (*CommitStats, []types.Symbol, error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stats := &CommitStats{}

	// deleted files, unless the batch brings them back
	for _, dp := range b.deleted {
		if _, ok := b.filePaths[dp]; ok {
			continue
		}
		exists, err := tx.FileExists(ctx, dp)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			continue
		}
		if err := tx.DeleteFile(ctx, dp); err != nil {
			return nil, nil, err
		}
		stats.FilesDeleted++
	}

	now := p.now().UTC()
	for i := range b.files {
		f := b.files[i]
		f.LastIndexedAt = now
		if err := tx.UpsertFile(ctx, &f); err != nil {
			return nil, nil, err
		}
		stats.FilesUpserted++
	}

	// supersession: prior rows of every batch file
	for i := range b.files {
		fp := b.files[i].Path
		if _, err := tx.DeleteRelationshipsByFile(ctx, fp); err != nil {
			return nil, nil, err
		}
		n, err := tx.DeleteSymbolsByFile(ctx, fp)
		if err != nil {
			return nil, nil, err
		}
		stats.SymbolsSuperseded += n
	}

	// file precedence: every symbol's file is in the batch or the store
	known := make(map[string]bool, len(b.filePaths))
	for fp := range b.filePaths {
		known[fp] = true
	}
	for i := range b.symbols {
		sym := &b.symbols[i]
		ok, seen := known[sym.FilePath]
		if !seen {
			exists, err := tx.FileExists(ctx, sym.FilePath)
			if err != nil {
				return nil, nil, err
			}
			known[sym.FilePath] = exists
			ok = exists
		}
		if !ok {
			return nil, nil, &types.IntegrityError{
				WorkspaceID: entry.ID,
				SymbolID:    sym.ID,
				FilePath:    sym.FilePath,
				Reason:      "file is neither in the batch nor in the store",
			}
		}
	}

	order, err := orderSymbols(b.symbols, func(id string) (bool, error) {
		return tx.SymbolExists(ctx, id)
	})
	if err != nil {
		return nil, nil, err
	}
	stats.OrphanedParents = order.OrphanedParents
	stats.CyclesBroken = order.CyclesBroken
	if order.OrphanedParents > 0 {
		stats.Warnings = append(stats.Warnings, fmt.Sprintf("%d parent references were unknown and cleared", order.OrphanedParents))
	}
	if order.CyclesBroken > 0 {
		stats.Warnings = append(stats.Warnings, fmt.Sprintf("%d parent cycles were broken", order.CyclesBroken))
	}

	inserted := make(map[string]bool, len(order.Symbols))
	for i := range order.Symbols {
		sym := &order.Symbols[i]
		if err := tx.InsertSymbol(ctx, sym); err != nil {
			if storage.IsConstraintViolation(err) {
				return nil, nil, &types.IntegrityError{WorkspaceID: entry.ID, SymbolID: sym.ID, FilePath: sym.FilePath, Err: err}
			}
			return nil, nil, err
		}
		inserted[sym.ID] = true
		stats.SymbolsInserted++
	}

	exists := func(id string) (bool, error) {
		if inserted[id] {
			return true, nil
		}
		return tx.SymbolExists(ctx, id)
	}
	for i := range b.relationships {
		rel := &b.relationships[i]
		fromOK, err := exists(rel.FromSymbolID)
		if err != nil {
			return nil, nil, err
		}
		toOK, err := exists(rel.ToSymbolID)
		if err != nil {
			return nil, nil, err
		}
		if !fromOK || !toOK {
			stats.RelationshipsDropped++
			stats.Warnings = append(stats.Warnings, fmt.Sprintf("dropped %s relationship %s -> %s from %s: endpoint missing",
				rel.Kind, rel.FromSymbolID, rel.ToSymbolID, rel.FilePath))
			continue
		}
		if err := tx.InsertRelationship(ctx, rel); err != nil {
			if storage.IsConstraintViolation(err) {
				return nil, nil, &types.IntegrityError{WorkspaceID: entry.ID, FilePath: rel.FilePath, Reason: "relationship endpoint", Err: err}
			}
			return nil, nil, err
		}
		stats.RelationshipsInserted++
	}

	status, err := tx.GetStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	row := &storage.WorkspaceRow{
		ID:           entry.ID,
		Path:         entry.OriginalPath,
		Name:         entry.DisplayName,
		Type:         entry.WorkspaceType,
		IndexedAt:    now,
		LastAccessed: entry.LastAccessedAt,
		ExpiresAt:    entry.ExpiresAt,
		FileCount:    status.FilesCount,
		SymbolCount:  status.SymbolsCount,
	}
	if err := tx.UpsertWorkspace(ctx, row); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		if storage.IsConstraintViolation(err) {
			return nil, nil, &types.IntegrityError{WorkspaceID: entry.ID, Reason: "deferred constraint", Err: err}
		}
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return stats, order.Symbols, nil
}

func isIntegrity(err error) bool {
	return errors.Is(err, types.ErrIntegrity) || storage.IsConstraintViolation(err)
}

func asIntegrityError(id string, err error) error {
	var ie *types.IntegrityError
	if errors.As(err, &ie) {
		ie.WorkspaceID = id
		return ie
	}
	return &types.IntegrityError{WorkspaceID: id, Err: err}
}

// normalized is a validated batch with canonical paths and no duplicates
type normalized struct {
	files         []types.File
	filePaths     map[string]struct{}
	symbols       []types.Symbol
	relationships []types.Relationship
	deleted       []string
}

func (n *normalized) touchedPaths() []string {
	out := make([]string, 0, len(n.files)+len(n.deleted))
	seen := make(map[string]struct{}, cap(out))
	for _, f := range n.files {
		if _, ok := seen[f.Path]; !ok {
			seen[f.Path] = struct{}{}
			out = append(out, f.Path)
		}
	}
	for _, d := range n.deleted {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// NormalizePath converts a workspace-relative path to its stored form:
// forward slashes, cleaned, no leading "./" or "/".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func normalizeBatch(b Batch) (*normalized, error) {
	n := &normalized{filePaths: make(map[string]struct{}, len(b.Files))}

	// files: last occurrence of a path wins, first position kept
	pos := make(map[string]int, len(b.Files))
	for _, f := range b.Files {
		f.Path = NormalizePath(f.Path)
		if f.Path == "" {
			return nil, errors.New("file path is required")
		}
		if i, ok := pos[f.Path]; ok {
			n.files[i] = f
			continue
		}
		pos[f.Path] = len(n.files)
		n.files = append(n.files, f)
		n.filePaths[f.Path] = struct{}{}
	}

	spos := make(map[string]int, len(b.Symbols))
	for _, s := range b.Symbols {
		s.FilePath = NormalizePath(s.FilePath)
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("symbol %q: %w", s.ID, err)
		}
		if s.ParentID != nil {
			pid := *s.ParentID
			s.ParentID = &pid
		}
		if i, ok := spos[s.ID]; ok {
			n.symbols[i] = s
			continue
		}
		spos[s.ID] = len(n.symbols)
		n.symbols = append(n.symbols, s)
	}

	for _, r := range b.Relationships {
		r.FilePath = NormalizePath(r.FilePath)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		n.relationships = append(n.relationships, r)
	}

	for _, d := range b.DeletedPaths {
		if d = NormalizePath(d); d != "" {
			n.deleted = append(n.deleted, d)
		}
	}
	return n, nil
}
