package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/eviction"
	"github.com/dshills/codeindex-mcp/internal/extractor"
	"github.com/dshills/codeindex-mcp/internal/indexer"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/registry"
	"github.com/dshills/codeindex-mcp/internal/router"
	"github.com/dshills/codeindex-mcp/internal/textindex"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Path validation errors
var (
	ErrPathRequired = errors.New("path is required")
	ErrPathNotFound = errors.New("path does not exist")
	ErrNotDirectory = errors.New("path is not a directory")
	ErrEmptyQuery   = errors.New("query is required")
)

// Option configures a Service
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the wall clock of the registry and the eviction manager
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Service wires the registry, router, pipeline, indexer and eviction
// manager of one Primary root. Every CLI command and MCP operation is one
// Service method.
type Service struct {
	root   string
	cfg    *config.Config
	logger *slog.Logger

	registry *registry.Registry
	router   *router.Router
	pipeline *ingest.Pipeline
	indexer  *indexer.Indexer
	eviction *eviction.Manager
	queue    *indexer.Queue
	load     *registry.LoadResult

	mu      sync.Mutex
	watcher *indexer.Watcher
	closed  bool
}

// Open loads the registry under root and registers root as the Primary
// workspace if no Primary exists yet
func Open(ctx context.Context, root string, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	if err := validateDir(root); err != nil {
		return nil, fmt.Errorf("invalid root %s: %w", root, err)
	}

	reg, load, err := registry.New(root, cfg.RegistryOptions(),
		registry.WithLogger(logger), registry.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if load.Degraded {
		logger.Warn("workspace.registry_degraded", "source", load.Source, "error", load.Err)
	}

	rt := router.New(reg.DataDir(), reg, cfg.StorageOptions(), logger)
	pipeline := ingest.New(rt, reg, logger)

	s := &Service{
		root:     reg.Root(),
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		router:   rt,
		pipeline: pipeline,
		indexer:  indexer.New(extractor.NewRegistry(), rt, pipeline, cfg.IndexerConfig(), logger),
		eviction: eviction.New(reg, rt, logger, eviction.WithClock(o.now)),
		queue:    indexer.NewQueue(logger),
		load:     load,
	}

	if _, err := reg.ResolveOrCreate(ctx, s.root, types.WorkspacePrimary); err != nil {
		if !errors.Is(err, types.ErrPrimaryExists) {
			_ = s.Close()
			return nil, err
		}
		logger.Warn("workspace.primary_mismatch", "root", s.root, "error", err)
	}
	return s, nil
}

// Root returns the Primary root directory
func (s *Service) Root() string { return s.root }

// LoadResult describes how the registry was loaded
func (s *Service) LoadResult() *registry.LoadResult { return s.load }

// Registry returns the workspace registry
func (s *Service) Registry() *registry.Registry { return s.registry }

// Eviction returns the eviction manager
func (s *Service) Eviction() *eviction.Manager { return s.eviction }

// IndexResult is the outcome of indexing one workspace
type IndexResult struct {
	Workspace *types.WorkspaceEntry `json:"workspace"`
	Stats     *indexer.Statistics   `json:"stats"`
}

// Index indexes the Primary workspace
func (s *Service) Index(ctx context.Context, force bool) (*IndexResult, error) {
	primary, err := s.registry.Primary(ctx)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, primary, indexer.Options{Force: force})
}

// Add registers path as a Reference or Session workspace and indexes it
func (s *Service) Add(ctx context.Context, path string, wsType types.WorkspaceType) (*IndexResult, error) {
	if err := validateDir(path); err != nil {
		return nil, err
	}
	if wsType == types.WorkspacePrimary {
		return nil, errors.New("the primary workspace is indexed with index, not add")
	}
	entry, err := s.registry.ResolveOrCreate(ctx, path, wsType)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, entry, indexer.Options{})
}

// Refresh re-indexes a registered workspace; an empty id means the Primary
func (s *Service) Refresh(ctx context.Context, id string, force bool) (*IndexResult, error) {
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, entry, indexer.Options{Force: force})
}

// run indexes entry, keeping its status and statistics current
func (s *Service) run(ctx context.Context, entry *types.WorkspaceEntry, opts indexer.Options) (*IndexResult, error) {
	if err := validateDir(entry.OriginalPath); err != nil {
		err = &types.StoreUnavailableError{WorkspaceID: entry.ID, Path: entry.OriginalPath, Err: err}
		s.markFailed(ctx, entry.ID, err)
		return nil, err
	}
	if s.indexer.Running(entry.ID) {
		return nil, fmt.Errorf("%s: %w", entry.ID, types.ErrIndexingInProgress)
	}

	if err := s.registry.SetStatus(ctx, entry.ID, types.StatusIndexing, nil); err != nil {
		return nil, err
	}

	stats, err := s.indexer.Run(ctx, indexer.Target{ID: entry.ID, Root: entry.OriginalPath}, opts)
	if err != nil {
		s.markFailed(ctx, entry.ID, err)
		return &IndexResult{Workspace: entry, Stats: stats}, err
	}

	updated, err := s.refreshStatistics(ctx, entry.ID)
	if err != nil {
		return &IndexResult{Workspace: entry, Stats: stats}, err
	}
	if err := s.registry.Touch(ctx, entry.ID); err != nil {
		s.logger.Warn("workspace.touch_failed", "id", entry.ID, "error", err)
	}
	return &IndexResult{Workspace: updated, Stats: stats}, nil
}

// markFailed records why indexing stopped. A cancelled run leaves the last
// commit intact, so the workspace stays Active.
func (s *Service) markFailed(ctx context.Context, id string, cause error) {
	status := types.StatusDegraded
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		status = types.StatusActive
		cause = nil
	}
	if errors.Is(cause, types.ErrIndexingInProgress) {
		return
	}
	if err := s.registry.SetStatus(context.WithoutCancel(ctx), id, status, cause); err != nil {
		s.logger.Warn("workspace.status_failed", "id", id, "error", err)
	}
}

// refreshStatistics copies the store's counts and on-disk size into the
// registry and marks the workspace Active
func (s *Service) refreshStatistics(ctx context.Context, id string) (*types.WorkspaceEntry, error) {
	h, err := s.router.Open(ctx, id)
	if err != nil {
		s.markFailed(ctx, id, err)
		return nil, err
	}
	status, err := h.Store.GetStatus(ctx)
	if err != nil {
		s.markFailed(ctx, id, err)
		return nil, fmt.Errorf("failed to read status of %s: %w", id, err)
	}
	size, err := s.router.Size(id)
	if err != nil {
		s.markFailed(ctx, id, err)
		return nil, err
	}
	if err := s.registry.UpdateStatistics(ctx, id, status.FilesCount, status.SymbolsCount, size); err != nil {
		return nil, err
	}
	if err := s.registry.SetStatus(ctx, id, types.StatusActive, nil); err != nil {
		return nil, err
	}
	return s.registry.Get(ctx, id)
}

// Remove deletes a non-Primary workspace: it is marked, then its store is
// deleted, then its entry
func (s *Service) Remove(ctx context.Context, id string) (*types.WorkspaceEntry, error) {
	removal, err := s.registry.BeginRemove(ctx, id)
	if err != nil {
		return nil, err
	}
	committed := false
	err = s.router.Delete(ctx, id, func() error {
		committed = true
		return removal.Commit(ctx)
	})
	if err != nil {
		if !committed {
			if abortErr := removal.Abort(ctx, err); abortErr != nil {
				s.logger.Warn("workspace.abort_failed", "id", id, "error", abortErr)
			}
		}
		return nil, err
	}
	return removal.Entry(), nil
}

// ListResult is every registered workspace plus the recorded orphans
type ListResult struct {
	Workspaces []*types.WorkspaceEntry `json:"workspaces"`
	Orphans    []types.OrphanedIndex   `json:"orphans"`
}

// List returns every workspace, Primary first
func (s *Service) List(ctx context.Context) *ListResult {
	return &ListResult{
		Workspaces: s.registry.List(ctx),
		Orphans:    s.registry.Orphans(ctx),
	}
}

// CleanResult is the outcome of an explicit cleanup
type CleanResult struct {
	Sweep   *eviction.Report      `json:"sweep"`
	Orphans *eviction.CleanReport `json:"orphans"`
}

// Clean runs an eviction sweep and then deletes orphans past their grace
// period, or every orphan when force is set
func (s *Service) Clean(ctx context.Context, force bool) (*CleanResult, error) {
	sweep, err := s.eviction.Sweep(ctx)
	if err != nil {
		return &CleanResult{Sweep: sweep}, err
	}
	orphans, err := s.eviction.CleanOrphans(ctx, eviction.CleanOptions{Force: force})
	return &CleanResult{Sweep: sweep, Orphans: orphans}, err
}

// WorkspaceStats describes one workspace and its store
type WorkspaceStats struct {
	Workspace          *types.WorkspaceEntry `json:"workspace"`
	Files              int                   `json:"files"`
	Symbols            int                   `json:"symbols"`
	Relationships      int                   `json:"relationships"`
	SearchDocuments    int                   `json:"search_documents"`
	SchemaVersion      string                `json:"schema_version"`
	LastIndexedAt      time.Time             `json:"last_indexed_at"`
	StoreSizeBytes     int64                 `json:"store_size_bytes"`
	IndexingInProgress bool                  `json:"indexing_in_progress"`
}

// Stats is either registry-wide statistics or those of one workspace
type Stats struct {
	Registry  *registry.Statistics `json:"registry,omitempty"`
	Settings  *registry.Settings   `json:"settings,omitempty"`
	Workspace *WorkspaceStats      `json:"workspace,omitempty"`
}

// Stats returns registry-wide statistics, or those of workspace id when id
// is set
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	if id == "" {
		doc := s.registry.Snapshot()
		return &Stats{Registry: &doc.Statistics, Settings: &doc.Config}, nil
	}

	entry, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.router.Open(ctx, id)
	if err != nil {
		s.markFailed(ctx, id, err)
		return nil, err
	}
	status, err := h.Store.GetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", id, err)
	}
	docs, err := h.Segment.Count(ctx)
	if err != nil {
		s.logger.Warn("workspace.segment_count_failed", "id", id, "error", err)
	}
	size, err := s.router.Size(id)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Touch(ctx, id); err != nil {
		s.logger.Warn("workspace.touch_failed", "id", id, "error", err)
	}

	return &Stats{Workspace: &WorkspaceStats{
		Workspace:          entry,
		Files:              status.FilesCount,
		Symbols:            status.SymbolsCount,
		Relationships:      status.RelationshipsCount,
		SearchDocuments:    docs,
		SchemaVersion:      status.SchemaVersion,
		LastIndexedAt:      status.LastIndexedAt,
		StoreSizeBytes:     size,
		IndexingInProgress: s.indexer.Running(id),
	}}, nil
}

// SetTTL changes the Reference TTL, or the Session TTL when session is set
func (s *Service) SetTTL(ctx context.Context, ttl time.Duration, session bool) error {
	if session {
		return s.registry.SetSessionTTL(ctx, ttl)
	}
	return s.registry.SetDefaultTTL(ctx, ttl)
}

// SetLimit changes the total index size cap
func (s *Service) SetLimit(ctx context.Context, bytes int64) error {
	return s.registry.SetSizeLimit(ctx, bytes)
}

// SearchResult lists the symbols matching a query in one workspace
type SearchResult struct {
	WorkspaceID string          `json:"workspace_id"`
	Query       string          `json:"query"`
	Hits        []textindex.Hit `json:"hits"`
}

// Search queries the text segment of workspace id; an empty id means the
// Primary
func (s *Service) Search(ctx context.Context, id, query string, limit int) (*SearchResult, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.router.Open(ctx, entry.ID)
	if err != nil {
		s.markFailed(ctx, entry.ID, err)
		return nil, err
	}
	hits, err := h.Segment.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", entry.ID, err)
	}
	if err := s.registry.Touch(ctx, entry.ID); err != nil {
		s.logger.Warn("workspace.touch_failed", "id", entry.ID, "error", err)
	}
	return &SearchResult{WorkspaceID: entry.ID, Query: query, Hits: hits}, nil
}

// Symbols returns the symbols of one file of workspace id
func (s *Service) Symbols(ctx context.Context, id, path string) ([]*types.Symbol, error) {
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.router.Open(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	return h.Store.ListSymbolsByFile(ctx, ingest.NormalizePath(path))
}

// StartWatching re-indexes the Primary workspace as its files change
func (s *Service) StartWatching(ctx context.Context) error {
	primary, err := s.registry.Primary(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service closed")
	}
	if s.watcher != nil {
		return nil
	}

	target := indexer.Target{ID: primary.ID, Root: primary.OriginalPath}
	w, err := indexer.NewWatcher(s.indexer, s.queue, target, s.cfg.Index.WatchDebounce, s.logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// RunEviction sweeps periodically until ctx ends
func (s *Service) RunEviction(ctx context.Context) error {
	return s.eviction.Run(ctx, s.cfg.Eviction.Interval)
}

// Close stops background work, persists buffered accesses and closes every
// store
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Stop())
	}
	s.queue.Stop()
	errs = append(errs, s.registry.FlushTouches(context.Background()))
	errs = append(errs, s.router.Close())
	return errors.Join(errs...)
}

// lookup returns entry id, or the Primary when id is empty
func (s *Service) lookup(ctx context.Context, id string) (*types.WorkspaceEntry, error) {
	if id == "" {
		return s.registry.Primary(ctx)
	}
	return s.registry.Get(ctx, id)
}

func validateDir(path string) error {
	if path == "" {
		return ErrPathRequired
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrPathNotFound
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}
	return nil
}
