// Package router maps workspace ids to their physical stores under the
// Primary root and hands out shared, already-open handles.
//
// Layout:
//
//	<root>/.julie/indexes/<id>/db/symbols.db
//	<root>/.julie/indexes/<id>/index/segment.db
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/textindex"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

const (
	// IndexesDirName holds one directory per workspace store
	IndexesDirName = "indexes"

	dbDirName     = "db"
	dbFileName    = "symbols.db"
	indexDirName  = "index"
	indexFileName = "segment.db"
)

// Catalog answers whether an id is registered
type Catalog interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Handle is the open store of exactly one workspace
type Handle struct {
	ID      string
	Dir     string
	Store   *storage.SQLiteStorage
	Segment *textindex.Segment
}

func (h *Handle) close() error {
	return errors.Join(h.Segment.Close(), h.Store.Close())
}

// Router resolves workspace ids to handles
type Router struct {
	indexesDir string
	catalog    Catalog
	opts       storage.Options
	logger     *slog.Logger

	group singleflight.Group

	// lifecycle orders store creation against deletion: opens hold it
	// shared, deletes hold it exclusively until their metadata is gone
	lifecycle sync.RWMutex

	mu      sync.Mutex
	handles map[string]*Handle

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// New creates a router for the stores under dataDir (<root>/.julie)
func New(dataDir string, catalog Catalog, opts storage.Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{
		indexesDir: filepath.Join(dataDir, IndexesDirName),
		catalog:    catalog,
		opts:       opts,
		logger:     logger,
		handles:    make(map[string]*Handle),
		locks:      make(map[string]chan struct{}),
	}
}

// IndexesDir returns the directory holding every store
func (r *Router) IndexesDir() string { return r.indexesDir }

// StoreDir returns the directory of one workspace's store
func (r *Router) StoreDir(id string) string {
	return filepath.Join(r.indexesDir, id)
}

// Open returns the shared handle of a registered workspace, opening its
// store on first use. Concurrent opens of the same id share one attempt.
func (r *Router) Open(ctx context.Context, id string) (*Handle, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	if h, ok := r.cached(id); ok {
		return h, nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		r.lifecycle.RLock()
		defer r.lifecycle.RUnlock()

		if h, ok := r.cached(id); ok {
			return h, nil
		}
		ok, err := r.catalog.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrWorkspaceNotFound, id)
		}

		h, err := r.openHandle(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.handles[id] = h
		r.mu.Unlock()
		r.logger.Debug("router.opened", "id", id, "dir", h.Dir)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Router) cached(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// DatabasePath returns the relational database file of one workspace
func (r *Router) DatabasePath(id string) string {
	return filepath.Join(r.StoreDir(id), dbDirName, dbFileName)
}

func (r *Router) openHandle(ctx context.Context, id string) (*Handle, error) {
	dir := r.StoreDir(id)
	dbPath := r.DatabasePath(id)
	store, err := storage.NewSQLiteStorage(ctx, dbPath, r.opts)
	if err != nil {
		return nil, &types.StoreUnavailableError{WorkspaceID: id, Path: dbPath, Err: err}
	}

	segPath := filepath.Join(dir, indexDirName, indexFileName)
	seg, err := textindex.Open(ctx, segPath, r.opts)
	if err != nil {
		_ = store.Close()
		return nil, &types.StoreUnavailableError{WorkspaceID: id, Path: segPath, Err: err}
	}

	return &Handle{ID: id, Dir: dir, Store: store, Segment: seg}, nil
}

// Lock acquires the commit lock of one workspace. Waiters are served in
// the order they arrived; waiting ends early when ctx is done.
func (r *Router) Lock(ctx context.Context, id string) (func(), error) {
	ch := r.lockChan(id)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

func (r *Router) lockChan(id string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	ch, ok := r.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[id] = ch
	}
	return ch
}

// Release closes the cached handle of a workspace, if any
func (r *Router) Release(id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return h.close()
}

// Delete waits for in-flight commits of id, closes its handle and removes
// its store directory. commit runs after the directory is gone and before
// any other open of id can proceed, so the store cannot be recreated while
// the registry entry still exists. commit is skipped when the delete fails.
func (r *Router) Delete(ctx context.Context, id string, commit func() error) error {
	return r.remove(ctx, id, func() error {
		if err := r.removeStore(id); err != nil {
			return err
		}
		if commit == nil {
			return nil
		}
		return commit()
	})
}

// DeleteOrphan removes the store directory of an id that is not registered.
// It fails with ErrWorkspaceRegistered when the id was registered since the
// orphan was found.
func (r *Router) DeleteOrphan(ctx context.Context, id string) error {
	return r.remove(ctx, id, func() error {
		ok, err := r.catalog.Exists(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", types.ErrWorkspaceRegistered, id)
		}
		return r.removeStore(id)
	})
}

// remove runs fn holding the commit lock of id and excluding every open
func (r *Router) remove(ctx context.Context, id string, fn func() error) error {
	if err := validID(id); err != nil {
		return err
	}
	unlock, err := r.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return fn()
}

func (r *Router) removeStore(id string) error {
	if err := r.Release(id); err != nil {
		r.logger.Warn("router.close_failed", "id", id, "error", err)
	}

	dir := r.StoreDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return &types.StoreUnavailableError{WorkspaceID: id, Path: dir, Err: err}
	}
	r.logger.Info("router.deleted", "id", id)
	return nil
}

// StoreIDs lists the store directories present on disk
func (r *Router) StoreIDs() ([]string, error) {
	entries, err := os.ReadDir(r.indexesDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, &types.StoreUnavailableError{Path: r.indexesDir, Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Size sums the bytes of every file of a store
func (r *Router) Size(id string) (int64, error) {
	dir := r.StoreDir(id)
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, &types.StoreUnavailableError{WorkspaceID: id, Path: dir, Err: err}
	}
	return total, nil
}

// Close closes every cached handle
func (r *Router) Close() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, h.close())
	}
	return errors.Join(errs...)
}

// validID rejects ids that would escape the indexes directory
func validID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid workspace id %q", id)
	}
	return nil
}
