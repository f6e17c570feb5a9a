package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeindex-mcp/internal/extractor"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/metrics"
	"github.com/dshills/codeindex-mcp/internal/router"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Committer hands extracted batches to the ingestion pipeline
type Committer interface {
	Commit(ctx context.Context, id string, batch ingest.Batch) (*ingest.CommitStats, error)
}

// Stores opens workspace handles
type Stores interface {
	Open(ctx context.Context, id string) (*router.Handle, error)
}

// Config contains configuration for the indexer
type Config struct {
	Workers     int      // Number of concurrent extraction workers (default: runtime.NumCPU())
	BatchSize   int      // Number of files per commit (default: 50)
	MaxFileSize int64    // Files larger than this are skipped (default: 1 MiB)
	Include     []string // doublestar globs; empty means every supported file
	Exclude     []string // doublestar globs matched against workspace-relative paths
}

// DefaultConfig returns the default indexer configuration
func DefaultConfig() Config {
	return Config{
		Workers:     runtime.NumCPU(),
		BatchSize:   50,
		MaxFileSize: 1 << 20,
		Exclude: []string{
			"**/node_modules/**",
			"**/dist/**",
			"**/build/**",
			"**/*.min.js",
		},
	}
}

// Target names the workspace to index and the directory holding its sources
type Target struct {
	ID   string
	Root string
}

// Options tunes one indexing run
type Options struct {
	// Force re-extracts every file regardless of its fingerprint
	Force bool
}

// Statistics contains statistics about one indexing run
type Statistics struct {
	FilesScanned           int
	FilesSkipped           int
	FilesChanged           int
	FilesDeleted           int
	FilesFailed            int
	ExtractErrors          int
	SymbolsExtracted       int
	RelationshipsExtracted int
	Batches                int
	Duration               time.Duration
	ErrorMessages          []string
}

func (s *Statistics) addError(path string, err error) {
	s.ErrorMessages = append(s.ErrorMessages, fmt.Sprintf("%s: %v", path, err))
}

// Indexer turns the files of a workspace root into committed batches,
// extracting only files whose content changed since the last run
type Indexer struct {
	extractors *extractor.Registry
	stores     Stores
	committer  Committer
	cfg        Config
	logger     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*IndexLock
}

// New creates an Indexer
func New(extractors *extractor.Registry, stores Stores, committer Committer, cfg Config, logger *slog.Logger) *Indexer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Indexer{
		extractors: extractors,
		stores:     stores,
		committer:  committer,
		cfg:        cfg,
		logger:     logger,
		locks:      make(map[string]*IndexLock),
	}
}

func (idx *Indexer) lockFor(id string) *IndexLock {
	idx.locksMu.Lock()
	defer idx.locksMu.Unlock()
	l, ok := idx.locks[id]
	if !ok {
		l = &IndexLock{}
		idx.locks[id] = l
	}
	return l
}

// Running reports whether a full run of workspace id is in progress
func (idx *Indexer) Running(id string) bool {
	return idx.lockFor(id).Held()
}

// Run indexes the whole tree under target.Root. Files whose fingerprint
// matches the stored one are skipped entirely; files in the store that are
// gone from disk are deleted. A second Run of the same workspace while one
// is in progress fails with types.ErrIndexingInProgress.
func (idx *Indexer) Run(ctx context.Context, target Target, opts Options) (*Statistics, error) {
	lock := idx.lockFor(target.ID)
	if !lock.TryAcquire() {
		return nil, fmt.Errorf("%s: %w", target.ID, types.ErrIndexingInProgress)
	}
	defer lock.Release()

	start := time.Now()
	stats := &Statistics{}

	files, err := idx.discoverFiles(target.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	stored, err := idx.fingerprints(ctx, target.ID)
	if err != nil {
		return nil, err
	}

	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f] = true
	}
	var deleted []string
	for p := range stored {
		if !onDisk[p] {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(deleted)

	changed := idx.filterChanged(target.Root, files, stored, opts.Force, stats)
	if err := idx.commitChanges(ctx, target, changed, deleted, stats); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	idx.record(target.ID, stats)
	return stats, nil
}

// IndexPaths re-indexes an explicit set of paths, given relative to
// target.Root or absolute beneath it. Paths missing from disk are deleted
// from the store; unsupported or excluded paths are ignored.
func (idx *Indexer) IndexPaths(ctx context.Context, target Target, paths []string) (*Statistics, error) {
	start := time.Now()
	stats := &Statistics{}

	stored, err := idx.fingerprints(ctx, target.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(paths))
	var present, deleted []string
	for _, p := range paths {
		rel, ok := idx.relative(target.Root, p)
		if !ok || seen[rel] {
			continue
		}
		seen[rel] = true

		info, err := os.Stat(filepath.Join(target.Root, filepath.FromSlash(rel)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if _, tracked := stored[rel]; tracked {
				deleted = append(deleted, rel)
			}
		case err != nil:
			stats.FilesFailed++
			stats.addError(rel, err)
		case info.IsDir():
		case idx.accept(rel, info.Size()):
			present = append(present, rel)
		}
	}
	sort.Strings(present)
	sort.Strings(deleted)

	changed := idx.filterChanged(target.Root, present, stored, false, stats)
	if err := idx.commitChanges(ctx, target, changed, deleted, stats); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	idx.record(target.ID, stats)
	return stats, nil
}

func (idx *Indexer) record(id string, stats *Statistics) {
	metrics.RecordIndexRun(stats.FilesScanned, stats.FilesSkipped, stats.FilesChanged,
		stats.FilesDeleted, stats.ExtractErrors, stats.Duration)
	idx.logger.Info("index.run",
		"workspace", id,
		"scanned", stats.FilesScanned,
		"skipped", stats.FilesSkipped,
		"changed", stats.FilesChanged,
		"deleted", stats.FilesDeleted,
		"failed", stats.FilesFailed,
		"symbols", stats.SymbolsExtracted,
		"duration", stats.Duration)
}

func (idx *Indexer) fingerprints(ctx context.Context, id string) (map[string]string, error) {
	h, err := idx.stores.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := h.Store.Fingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	return stored, nil
}

// relative maps p onto a slash-separated path under root
func (idx *Indexer) relative(root, p string) (string, bool) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", false
		}
		p = rel
	}
	rel := ingest.NormalizePath(p)
	if rel == "" || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	for _, part := range strings.Split(path.Dir(rel), "/") {
		if skipDirName(part) {
			return "", false
		}
	}
	return rel, true
}

// skipDirName reports directories never descended into
func skipDirName(name string) bool {
	if name == "vendor" || name == "node_modules" {
		return true
	}
	// hidden directories, including the .julie data directory
	return strings.HasPrefix(name, ".") && name != "."
}

// accept applies the extension, size and glob filters to a relative path
func (idx *Indexer) accept(rel string, size int64) bool {
	if !idx.extractors.Supports(rel) {
		return false
	}
	if size > idx.cfg.MaxFileSize {
		return false
	}
	for _, pattern := range idx.cfg.Exclude {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return false
		}
	}
	if len(idx.cfg.Include) == 0 {
		return true
	}
	for _, pattern := range idx.cfg.Include {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}

// discoverFiles finds every indexable file under root, returned as sorted
// workspace-relative paths
func (idx *Indexer) discoverFiles(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			idx.logger.Debug("index.walk_error", "path", p, "error", err)
			return nil
		}

		if d.IsDir() {
			if p != root && skipDirName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if idx.accept(rel, info.Size()) {
			files = append(files, rel)
		}
		return nil
	})

	sort.Strings(files)
	return files, err
}

// candidate is a file whose content differs from the stored fingerprint
type candidate struct {
	rel         string
	fingerprint string
	size        int64
}

// filterChanged fingerprints files and keeps the ones that need extraction
func (idx *Indexer) filterChanged(root string, files []string, stored map[string]string, force bool, stats *Statistics) []candidate {
	var changed []candidate
	for _, rel := range files {
		stats.FilesScanned++
		fp, size, err := computeFingerprint(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			stats.FilesFailed++
			stats.addError(rel, err)
			continue
		}
		if !force && stored[rel] == fp {
			stats.FilesSkipped++
			continue
		}
		changed = append(changed, candidate{rel: rel, fingerprint: fp, size: size})
	}
	return changed
}

// extracted is the outcome of one file's extraction
type extracted struct {
	file   types.File
	result *types.ExtractResult
	err    error
}

// commitChanges extracts changed files in bounded batches and commits each
// batch. Deletions ride along with the first batch. A cancelled context
// abandons the batch being extracted before it reaches Commit.
func (idx *Indexer) commitChanges(ctx context.Context, target Target, changed []candidate, deleted []string, stats *Statistics) error {
	if len(changed) == 0 && len(deleted) == 0 {
		return nil
	}

	pendingDeletes := deleted
	for i := 0; i < len(changed) || pendingDeletes != nil; i += idx.cfg.BatchSize {
		end := min(i+idx.cfg.BatchSize, len(changed))
		var chunk []candidate
		if i < len(changed) {
			chunk = changed[i:end]
		}

		results, err := idx.extractBatch(ctx, target.Root, chunk)
		if err != nil {
			return err
		}

		batch := ingest.Batch{DeletedPaths: pendingDeletes}
		pendingDeletes = nil
		for _, r := range results {
			if r.err != nil {
				stats.FilesFailed++
				stats.addError(r.file.Path, r.err)
				continue
			}
			batch.Files = append(batch.Files, r.file)
			if r.result == nil {
				continue
			}
			if r.result.HasErrors() {
				stats.ExtractErrors++
				stats.addError(r.file.Path, &r.result.Errors[0])
			}
			batch.Symbols = append(batch.Symbols, r.result.Symbols...)
			batch.Relationships = append(batch.Relationships, r.result.Relationships...)
		}
		if batch.Empty() {
			continue
		}

		if _, err := idx.committer.Commit(ctx, target.ID, batch); err != nil {
			return fmt.Errorf("failed to commit batch: %w", err)
		}
		stats.Batches++
		stats.FilesChanged += len(batch.Files)
		stats.FilesDeleted += len(batch.DeletedPaths)
		stats.SymbolsExtracted += len(batch.Symbols)
		stats.RelationshipsExtracted += len(batch.Relationships)
	}
	return nil
}

// extractBatch reads and extracts files concurrently. Per-file failures are
// reported in the results; only cancellation fails the whole batch.
func (idx *Indexer) extractBatch(ctx context.Context, root string, chunk []candidate) ([]extracted, error) {
	results := make([]extracted, len(chunk))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.cfg.Workers)
	for i, c := range chunk {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = idx.extractFile(gctx, root, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (idx *Indexer) extractFile(ctx context.Context, root string, c candidate) extracted {
	out := extracted{file: types.File{
		Path:               c.rel,
		ContentFingerprint: c.fingerprint,
		Language:           extractor.LanguageFor(c.rel),
		SizeBytes:          c.size,
	}}

	e, ok := idx.extractors.For(c.rel)
	if !ok {
		out.err = errors.New("no extractor")
		return out
	}

	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(c.rel)))
	if err != nil {
		out.err = fmt.Errorf("failed to read file: %w", err)
		return out
	}
	// the file changed again between fingerprinting and reading
	if fp := fingerprintBytes(content); fp != c.fingerprint {
		out.file.ContentFingerprint = fp
		out.file.SizeBytes = int64(len(content))
	}

	result, err := e.Extract(ctx, c.rel, content)
	if err != nil {
		out.err = fmt.Errorf("failed to extract: %w", err)
		return out
	}
	out.result = result
	return out
}

// computeFingerprint streams a file through xxhash
func computeFingerprint(name string) (string, int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%016x", h.Sum64()), n, nil
}

func fingerprintBytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
