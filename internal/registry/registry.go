// Package registry keeps the durable catalog of workspaces known to one
// Primary root.
//
// The catalog lives in <root>/.julie/workspace_registry.json with a backup
// copy beside it. Reads are served from a deep-copied snapshot that may be up
// to Config.CacheTTL stale; every write is serialized, persisted atomically
// and then replaces the snapshot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

const (
	// DataDirName is the per-root directory holding every store and the registry
	DataDirName = ".julie"
	// FileName is the registry file inside DataDirName
	FileName = "workspace_registry.json"
	// BackupSuffix is appended to FileName for the backup copy
	BackupSuffix = ".backup"
)

// Config tunes the in-memory behavior of a Registry
type Config struct {
	// CacheTTL bounds how stale a read snapshot may be
	CacheTTL time.Duration
	// TouchBuffer is the number of distinct workspaces whose access times
	// are buffered before a flush is forced
	TouchBuffer int
}

// DefaultConfig returns the default cache settings
func DefaultConfig() Config {
	return Config{
		CacheTTL:    5 * time.Second,
		TouchBuffer: 64,
	}
}

// LoadResult describes where the registry was loaded from
type LoadResult struct {
	Source   string // "main", "backup", "new" or "empty"
	Degraded bool
	Err      error
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the workspace catalog of one Primary root
type Registry struct {
	root   string
	dir    string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu serializes every write (load-modify-persist)
	mu sync.Mutex

	cacheMu  sync.RWMutex
	cache    *Document
	cachedAt time.Time

	touchMu sync.Mutex
	touches *lru.Cache[string, time.Time]
}

// New opens the registry of the Primary root, recovering from the backup
// when the main file is unreadable. It never deletes anything on disk.
func New(root string, cfg Config, opts ...Option) (*Registry, *LoadResult, error) {
	if cfg.TouchBuffer <= 0 {
		cfg.TouchBuffer = DefaultConfig().TouchBuffer
	}
	abs, err := CanonicalPath(root)
	if err != nil {
		return nil, nil, err
	}

	r := &Registry{
		root:   abs,
		dir:    filepath.Join(abs, DataDirName),
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.touches, err = lru.New[string, time.Time](cfg.TouchBuffer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create touch buffer: %w", err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", r.dir, err)
	}
	ensureGitignore(r.dir)

	result, err := r.load()
	if err != nil {
		return nil, nil, err
	}
	return r, result, nil
}

// Root returns the Primary root directory
func (r *Registry) Root() string { return r.root }

// DataDir returns <root>/.julie
func (r *Registry) DataDir() string { return r.dir }

func (r *Registry) mainPath() string   { return filepath.Join(r.dir, FileName) }
func (r *Registry) backupPath() string { return r.mainPath() + BackupSuffix }

func (r *Registry) load() (*LoadResult, error) {
	now := r.now().UTC()
	doc, mainErr := readDocument(r.mainPath())
	if mainErr == nil {
		r.setCache(doc)
		return &LoadResult{Source: "main"}, nil
	}

	mainMissing := errors.Is(mainErr, os.ErrNotExist)
	backup, backupErr := readDocument(r.backupPath())
	switch {
	case backupErr == nil:
		if !mainMissing {
			r.logger.Warn("registry.recovered_from_backup", "path", r.mainPath(), "error", mainErr)
		}
		r.mu.Lock()
		err := r.persistLocked(backup)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &LoadResult{Source: "backup"}, nil

	case mainMissing && errors.Is(backupErr, os.ErrNotExist):
		r.setCache(newDocument(now))
		return &LoadResult{Source: "new"}, nil

	default:
		err := fmt.Errorf("%w: main: %v; backup: %v", types.ErrRegistryCorrupt, mainErr, backupErr)
		r.logger.Error("registry.load_failed", "path", r.mainPath(), "error", err)
		r.setCache(newDocument(now))
		return &LoadResult{Source: "empty", Degraded: true, Err: err}, nil
	}
}

func (r *Registry) setCache(doc *Document) {
	r.cacheMu.Lock()
	r.cache = doc
	r.cachedAt = r.now()
	r.cacheMu.Unlock()
}

// snapshot returns a private copy of the current registry, re-reading the
// file when the cached copy is older than CacheTTL.
func (r *Registry) snapshot() *Document {
	r.cacheMu.RLock()
	doc, at := r.cache, r.cachedAt
	r.cacheMu.RUnlock()

	if r.now().Sub(at) < r.cfg.CacheTTL {
		return doc.Clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fresh, err := readDocument(r.mainPath())
	if err != nil {
		// keep serving the last good copy
		r.logger.Debug("registry.refresh_failed", "error", err)
		r.setCache(doc)
		return doc.Clone()
	}
	r.setCache(fresh)
	return fresh.Clone()
}

// errUnchanged lets a mutation report that nothing needs persisting
var errUnchanged = errors.New("unchanged")

// update is the single write path: it applies fn to the newest registry
// state, persists the result and replaces the cache.
func (r *Registry) update(fn func(doc *Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := readDocument(r.mainPath())
	if err != nil {
		r.cacheMu.RLock()
		doc = r.cache.Clone()
		r.cacheMu.RUnlock()
	}

	if err := fn(doc); err != nil {
		if errors.Is(err, errUnchanged) {
			r.setCache(doc)
			return nil
		}
		return err
	}
	return r.persistLocked(doc)
}

func (r *Registry) persistLocked(doc *Document) error {
	doc.LastUpdated = r.now().UTC()
	doc.recomputeStatistics()
	if err := writeDocument(r.mainPath(), r.backupPath(), doc); err != nil {
		return err
	}
	r.setCache(doc)
	return nil
}

// Snapshot returns a deep copy of the whole registry
func (r *Registry) Snapshot() *Document {
	return r.snapshot()
}

// Settings returns the persisted policies
func (r *Registry) Settings() Settings {
	return r.snapshot().Config
}

// Get returns a copy of the entry with the given id
func (r *Registry) Get(ctx context.Context, id string) (*types.WorkspaceEntry, error) {
	doc := r.snapshot()
	e, ok := doc.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrWorkspaceNotFound, id)
	}
	return e, nil
}

// Exists reports whether id is registered and not marked for removal
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	e, ok := r.snapshot().Lookup(id)
	return ok && !e.Removing(), nil
}

// List returns every entry, Primary first
func (r *Registry) List(ctx context.Context) []*types.WorkspaceEntry {
	return r.snapshot().Entries()
}

// Primary returns the Primary entry, if one is registered
func (r *Registry) Primary(ctx context.Context) (*types.WorkspaceEntry, error) {
	doc := r.snapshot()
	if doc.PrimaryWorkspace == nil {
		return nil, fmt.Errorf("%w: no primary workspace", types.ErrWorkspaceNotFound)
	}
	return doc.PrimaryWorkspace, nil
}

// ResolveOrCreate returns the entry for path, registering it with the given
// type when it is new. An existing entry is returned unchanged.
func (r *Registry) ResolveOrCreate(ctx context.Context, path string, wsType types.WorkspaceType) (*types.WorkspaceEntry, error) {
	id, err := WorkspaceID(path)
	if err != nil {
		return nil, err
	}
	original, err := CanonicalPath(path)
	if err != nil {
		return nil, err
	}

	if e, ok := r.snapshot().Lookup(id); ok && !e.Removing() {
		return e, nil
	}

	var result *types.WorkspaceEntry
	err = r.update(func(doc *Document) error {
		if e, ok := doc.Lookup(id); ok {
			if e.Removing() {
				return errRemoving(id)
			}
			result = e.Clone()
			return errUnchanged
		}
		if wsType == types.WorkspacePrimary && doc.PrimaryWorkspace != nil {
			return fmt.Errorf("%w: %s", types.ErrPrimaryExists, doc.PrimaryWorkspace.ID)
		}

		now := r.now().UTC()
		entry := &types.WorkspaceEntry{
			ID:             id,
			OriginalPath:   original,
			DisplayName:    DisplayName(path),
			WorkspaceType:  wsType,
			CreatedAt:      now,
			LastAccessedAt: now,
			Status:         types.StatusActive,
		}
		if ttl := doc.Config.TTLFor(wsType); ttl > 0 {
			exp := now.Add(ttl)
			entry.ExpiresAt = &exp
		}

		if wsType == types.WorkspacePrimary {
			doc.PrimaryWorkspace = entry
		} else {
			doc.ReferenceWorkspaces[id] = entry
		}
		delete(doc.OrphanedIndexes, id)
		result = entry.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("registry.resolved", "id", result.ID, "type", result.WorkspaceType)
	return result, nil
}

func errRemoving(id string) error {
	return fmt.Errorf("%w: %s is being removed", types.ErrWorkspaceNotFound, id)
}

// mutateEntry applies fn to one entry and persists. Entries marked for
// removal are left alone.
func (r *Registry) mutateEntry(id string, fn func(e *types.WorkspaceEntry, doc *Document)) error {
	return r.update(func(doc *Document) error {
		e, ok := doc.Lookup(id)
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrWorkspaceNotFound, id)
		}
		if e.Removing() {
			return errRemoving(id)
		}
		fn(e, doc)
		return nil
	})
}

// SetStatus records the health of a workspace
func (r *Registry) SetStatus(ctx context.Context, id string, status types.WorkspaceStatus, cause error) error {
	return r.mutateEntry(id, func(e *types.WorkspaceEntry, _ *Document) {
		e.Status = status
		e.LastError = ""
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

// UpdateStatistics records the counts and on-disk size of a workspace store
func (r *Registry) UpdateStatistics(ctx context.Context, id string, files, documents int, sizeBytes int64) error {
	return r.mutateEntry(id, func(e *types.WorkspaceEntry, _ *Document) {
		e.FileCount = files
		e.DocumentCount = documents
		e.IndexSizeBytes = sizeBytes
	})
}

// SetDefaultTTL changes the Reference TTL and re-derives the expiry of every
// Reference entry from its last access.
func (r *Registry) SetDefaultTTL(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	return r.update(func(doc *Document) error {
		doc.Config.DefaultTTLSeconds = int64(ttl.Seconds())
		for _, e := range doc.ReferenceWorkspaces {
			if e.WorkspaceType != types.WorkspaceReference {
				continue
			}
			exp := e.LastAccessedAt.Add(ttl)
			e.ExpiresAt = &exp
		}
		return nil
	})
}

// SetSessionTTL changes the Session TTL; zero exempts sessions from expiry
func (r *Registry) SetSessionTTL(ctx context.Context, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("session ttl must not be negative, got %s", ttl)
	}
	return r.update(func(doc *Document) error {
		doc.Config.SessionTTLSeconds = int64(ttl.Seconds())
		for _, e := range doc.ReferenceWorkspaces {
			if e.WorkspaceType != types.WorkspaceSession {
				continue
			}
			if ttl == 0 {
				e.ExpiresAt = nil
				continue
			}
			exp := e.LastAccessedAt.Add(ttl)
			e.ExpiresAt = &exp
		}
		return nil
	})
}

// SetSizeLimit changes the total index size cap enforced by eviction
func (r *Registry) SetSizeLimit(ctx context.Context, bytes int64) error {
	if bytes <= 0 {
		return fmt.Errorf("size limit must be positive, got %d", bytes)
	}
	return r.update(func(doc *Document) error {
		doc.Config.MaxTotalSizeBytes = bytes
		return nil
	})
}

// RecordCleanup stamps the time of the last eviction sweep
func (r *Registry) RecordCleanup(ctx context.Context) error {
	return r.update(func(doc *Document) error {
		now := r.now().UTC()
		doc.Statistics.LastCleanup = &now
		return nil
	})
}
