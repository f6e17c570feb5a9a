package indexer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event before changed
// paths are re-indexed
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-indexes the Primary workspace as its files change. Events are
// coalesced per path by a debouncer and handed to the Queue as a single
// IndexPaths task.
type Watcher struct {
	idx      *Indexer
	queue    *Queue
	target   Target
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewWatcher creates a watcher for target; Start begins watching
func NewWatcher(idx *Indexer, queue *Queue, target Target, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		idx:      idx,
		queue:    queue,
		target:   target,
		debounce: debounce,
		logger:   logger,
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]struct{}),
	}, nil
}

// Start adds watches for every directory of the tree and begins
// processing events
func (w *Watcher) Start() error {
	if err := w.addWatches(w.target.Root, false); err != nil {
		return fmt.Errorf("failed to add watches starting from %s: %w", w.target.Root, err)
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Info("watch.started", "workspace", w.target.ID, "root", w.target.Root)
	return nil
}

// Stop stops watching. Events still inside the debounce window are dropped;
// the next full run picks them up.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

// addWatches recursively watches every directory the indexer would descend
// into. With scan set, files already present are queued too: they may have
// been written before the watch existed.
func (w *Watcher) addWatches(root string, scan bool) error {
	visited := make(map[string]bool)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			if scan {
				w.handlePath(path, false)
			}
			return nil
		}
		if path != root && skipDirName(d.Name()) {
			return filepath.SkipDir
		}

		// symlink cycles
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return filepath.SkipDir
		}
		if visited[resolved] {
			return filepath.SkipDir
		}
		visited[resolved] = true

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("watch.add_failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch.error", "workspace", w.target.ID, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.handlePath(event.Name, event.Op&fsnotify.Create != 0)
}

// handlePath queues an absolute path for re-indexing; a created directory
// is watched and its files queued
func (w *Watcher) handlePath(name string, created bool) {
	rel, ok := w.idx.relative(w.target.Root, name)
	if !ok {
		return
	}

	info, err := os.Stat(name)
	if err == nil && info.IsDir() {
		if created {
			if err := w.addWatches(name, true); err != nil {
				w.logger.Warn("watch.add_failed", "path", name, "error", err)
			}
		}
		return
	}
	if !w.idx.extractors.Supports(rel) {
		return
	}

	w.addPath(rel)
}

// addPath records rel and restarts the debounce window
func (w *Watcher) addPath(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// flush hands every pending path to the queue as one task
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 || w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	w.logger.Debug("watch.flush", "workspace", w.target.ID, "paths", len(paths))

	_, err := w.queue.Enqueue(w.target.ID, "watch", func(ctx context.Context) error {
		_, err := w.idx.IndexPaths(ctx, w.target, paths)
		return err
	})
	if err != nil {
		w.logger.Debug("watch.enqueue_failed", "workspace", w.target.ID, "error", err)
	}
}
