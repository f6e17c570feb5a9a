package eviction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dshills/codeindex-mcp/internal/metrics"
	"github.com/dshills/codeindex-mcp/internal/registry"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Eviction reasons reported and recorded as metric labels
const (
	ReasonTTL    = "ttl"
	ReasonLRU    = "lru"
	ReasonOrphan = "orphan"
)

// Registry is the subset of the workspace registry the manager prunes
type Registry interface {
	List(ctx context.Context) []*types.WorkspaceEntry
	Exists(ctx context.Context, id string) (bool, error)
	Settings() registry.Settings
	FlushTouches(ctx context.Context) error
	BeginRemove(ctx context.Context, id string) (*registry.Removal, error)
	MarkOrphans(ctx context.Context, found []types.OrphanedIndex) error
	Orphans(ctx context.Context) []types.OrphanedIndex
	ForgetOrphan(ctx context.Context, name string) error
	RecordCleanup(ctx context.Context) error
}

// Stores is the subset of the storage router the manager deletes through
type Stores interface {
	Delete(ctx context.Context, id string, commit func() error) error
	DeleteOrphan(ctx context.Context, id string) error
	StoreIDs() ([]string, error)
	Size(id string) (int64, error)
	StoreDir(id string) string
	DatabasePath(id string) string
}

// Eviction is one workspace removed by a sweep
type Eviction struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Reason      string `json:"reason"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Failure is a workspace a sweep tried and failed to evict
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Report summarizes one sweep
type Report struct {
	Evicted         []Eviction            `json:"evicted"`
	Failed          []Failure             `json:"failed,omitempty"`
	Orphans         []types.OrphanedIndex `json:"orphans"`
	SizeBeforeBytes int64                 `json:"size_before_bytes"`
	SizeAfterBytes  int64                 `json:"size_after_bytes"`
	LimitBytes      int64                 `json:"limit_bytes"`
	Duration        time.Duration         `json:"duration"`
}

// ReclaimedBytes returns the registry-recorded size of every evicted workspace
func (r *Report) ReclaimedBytes() int64 {
	var n int64
	for _, e := range r.Evicted {
		n += e.SizeBytes
	}
	return n
}

// CleanOptions control an orphan cleanup pass
type CleanOptions struct {
	// Force deletes orphans still inside their grace period
	Force bool
}

// CleanReport summarizes an orphan cleanup pass
type CleanReport struct {
	Deleted      []string `json:"deleted"`
	Kept         []string `json:"kept"`
	Failed       []string `json:"failed,omitempty"`
	FreedBytes   int64    `json:"freed_bytes"`
	Reregistered []string `json:"reregistered,omitempty"`
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager applies the TTL and size policies of the registry
type Manager struct {
	reg    Registry
	stores Stores
	logger *slog.Logger
	now    func() time.Time
}

// New creates a manager
func New(reg Registry, stores Stores, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{reg: reg, stores: stores, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep runs one eviction pass: expired entries first, then least recently
// used entries until the total size fits the cap, then orphan detection.
// Orphans are recorded, never deleted here.
func (m *Manager) Sweep(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Evicted: []Eviction{}, Orphans: []types.OrphanedIndex{}}

	if err := m.reg.FlushTouches(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush touches: %w", err)
	}

	settings := m.reg.Settings()
	report.LimitBytes = settings.MaxTotalSizeBytes
	now := m.now()

	entries := m.reg.List(ctx)
	report.SizeBeforeBytes = totalSize(entries)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !e.IsExpired(now) {
			continue
		}
		m.evict(ctx, e, ReasonTTL, report)
	}

	if err := m.enforceLimit(ctx, settings.MaxTotalSizeBytes, report); err != nil {
		return report, err
	}

	remaining := m.reg.List(ctx)
	report.SizeAfterBytes = totalSize(remaining)

	orphans, err := m.detectOrphans(ctx)
	if err != nil {
		return report, err
	}
	report.Orphans = orphans

	if err := m.reg.RecordCleanup(ctx); err != nil {
		return report, fmt.Errorf("failed to record cleanup: %w", err)
	}
	metrics.SetInventory(len(remaining), len(orphans), report.SizeAfterBytes)

	report.Duration = time.Since(start)
	m.logger.Info("eviction.sweep",
		"evicted", len(report.Evicted),
		"failed", len(report.Failed),
		"orphans", len(orphans),
		"size_bytes", report.SizeAfterBytes,
		"limit_bytes", report.LimitBytes,
		"duration", report.Duration)
	return report, nil
}

// enforceLimit evicts non-Primary entries in ascending last access order
// while the total recorded size exceeds limit
func (m *Manager) enforceLimit(ctx context.Context, limit int64, report *Report) error {
	if limit <= 0 {
		return nil
	}
	entries := m.reg.List(ctx)
	total := totalSize(entries)
	if total <= limit {
		return nil
	}
	m.logger.Warn("eviction.over_limit", "size_bytes", total, "limit_bytes", limit)

	candidates := make([]*types.WorkspaceEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsPrimary() {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})

	for _, e := range candidates {
		if total <= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.evict(ctx, e, ReasonLRU, report) {
			total -= e.IndexSizeBytes
		}
	}
	if total > limit {
		m.logger.Warn("eviction.limit_unmet", "size_bytes", total, "limit_bytes", limit)
	}
	return nil
}

// evict marks e, deletes its store and then its entry. A failed delete
// keeps the entry, marked Degraded. A failed commit leaves the mark for the
// next removal to finish.
func (m *Manager) evict(ctx context.Context, e *types.WorkspaceEntry, reason string, report *Report) bool {
	fail := func(err error) bool {
		m.logger.Warn("eviction.failed", "id", e.ID, "reason", reason, "error", err)
		report.Failed = append(report.Failed, Failure{ID: e.ID, Reason: reason, Error: err.Error()})
		return false
	}

	removal, err := m.reg.BeginRemove(ctx, e.ID)
	if err != nil {
		if errors.Is(err, types.ErrWorkspaceNotFound) {
			return false
		}
		return fail(err)
	}
	committed := false
	err = m.stores.Delete(ctx, e.ID, func() error {
		committed = true
		return removal.Commit(ctx)
	})
	if err != nil {
		if !committed {
			if abortErr := removal.Abort(ctx, err); abortErr != nil {
				m.logger.Warn("eviction.abort_failed", "id", e.ID, "error", abortErr)
			}
		}
		return fail(err)
	}

	metrics.RecordEviction(reason)
	m.logger.Info("eviction.evicted",
		"id", e.ID,
		"reason", reason,
		"size_bytes", e.IndexSizeBytes,
		"last_accessed_at", e.LastAccessedAt)
	report.Evicted = append(report.Evicted, Eviction{
		ID:          e.ID,
		DisplayName: e.DisplayName,
		Reason:      reason,
		SizeBytes:   e.IndexSizeBytes,
	})
	return true
}

// detectOrphans records every store directory without a registry entry.
// Entries marked for removal still own their directory.
func (m *Manager) detectOrphans(ctx context.Context) ([]types.OrphanedIndex, error) {
	ids, err := m.stores.StoreIDs()
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, e := range m.reg.List(ctx) {
		known[e.ID] = true
	}

	found := make([]types.OrphanedIndex, 0)
	for _, id := range ids {
		if known[id] {
			continue
		}
		o := types.OrphanedIndex{
			DirectoryName: id,
			DiscoveredAt:  m.now().UTC(),
			Reason:        types.OrphanNoRegistryEntry,
		}
		if _, err := os.Stat(m.stores.DatabasePath(id)); err != nil {
			o.Reason = types.OrphanCorruptedIndex
		}
		if size, err := m.stores.Size(id); err == nil {
			o.SizeBytes = size
		} else {
			m.logger.Warn("eviction.orphan_size_failed", "dir", id, "error", err)
		}
		if info, err := os.Stat(m.stores.StoreDir(id)); err == nil {
			o.LastModified = info.ModTime().UTC()
		}
		found = append(found, o)
	}

	if err := m.reg.MarkOrphans(ctx, found); err != nil {
		return nil, fmt.Errorf("failed to record orphans: %w", err)
	}
	return m.reg.Orphans(ctx), nil
}

// CleanOrphans deletes the recorded orphans whose grace period has ended
// and that still have no registry entry
func (m *Manager) CleanOrphans(ctx context.Context, opts CleanOptions) (*CleanReport, error) {
	report := &CleanReport{Deleted: []string{}, Kept: []string{}}
	now := m.now()

	for _, o := range m.reg.Orphans(ctx) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		registered, err := m.reg.Exists(ctx, o.DirectoryName)
		if err != nil {
			return report, err
		}
		if registered {
			if err := m.reregistered(ctx, o.DirectoryName, report); err != nil {
				return report, err
			}
			continue
		}
		if !opts.Force && !o.DueForDeletion(now) {
			report.Kept = append(report.Kept, o.DirectoryName)
			continue
		}

		// registration is re-checked under the store's commit lock
		if err := m.stores.DeleteOrphan(ctx, o.DirectoryName); err != nil {
			if errors.Is(err, types.ErrWorkspaceRegistered) {
				if err := m.reregistered(ctx, o.DirectoryName, report); err != nil {
					return report, err
				}
				continue
			}
			m.logger.Warn("eviction.orphan_delete_failed", "dir", o.DirectoryName, "error", err)
			report.Failed = append(report.Failed, o.DirectoryName)
			continue
		}
		if err := m.reg.ForgetOrphan(ctx, o.DirectoryName); err != nil {
			return report, err
		}
		metrics.RecordEviction(ReasonOrphan)
		m.logger.Info("eviction.orphan_deleted", "dir", o.DirectoryName, "size_bytes", o.SizeBytes)
		report.Deleted = append(report.Deleted, o.DirectoryName)
		report.FreedBytes += o.SizeBytes
	}
	return report, nil
}

func (m *Manager) reregistered(ctx context.Context, name string, report *CleanReport) error {
	if err := m.reg.ForgetOrphan(ctx, name); err != nil {
		return err
	}
	m.logger.Info("eviction.orphan_reregistered", "dir", name)
	report.Reregistered = append(report.Reregistered, name)
	return nil
}

// Run sweeps every interval until ctx ends. A non-positive interval uses
// the registry's cleanup interval. Sweeps are skipped while automatic
// cleanup is disabled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Duration(m.reg.Settings().CleanupIntervalSeconds) * time.Second
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.reg.Settings().AutoCleanupEnabled {
				continue
			}
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("eviction.sweep_failed", "error", err)
			}
		}
	}
}

func totalSize(entries []*types.WorkspaceEntry) int64 {
	var n int64
	for _, e := range entries {
		n += e.IndexSizeBytes
	}
	return n
}
