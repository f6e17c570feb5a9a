package eviction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/registry"
	"github.com/dshills/codeindex-mcp/internal/router"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	root   string
	clock  *fakeClock
	reg    *registry.Registry
	router *router.Router
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	reg, _, err := registry.New(root, registry.Config{TouchBuffer: 16}, registry.WithClock(clock.Now))
	require.NoError(t, err)

	rt := router.New(reg.DataDir(), reg, storage.DefaultOptions(), nil)
	t.Cleanup(func() { _ = rt.Close() })

	return &fixture{
		root:   root,
		clock:  clock,
		reg:    reg,
		router: rt,
		mgr:    New(reg, rt, nil, WithClock(clock.Now)),
	}
}

// add registers a workspace of the given type and size and creates its
// store directory
func (f *fixture) add(t *testing.T, name string, wsType types.WorkspaceType, size int64) *types.WorkspaceEntry {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	e, err := f.reg.ResolveOrCreate(context.Background(), dir, wsType)
	require.NoError(t, err)
	require.NoError(t, f.reg.UpdateStatistics(context.Background(), e.ID, 1, 1, size))

	storeDir := f.router.StoreDir(e.ID)
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "symbols.db"), []byte("data"), 0o644))
	return e
}

func (f *fixture) exists(t *testing.T, id string) bool {
	t.Helper()
	ok, err := f.reg.Exists(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func evictedIDs(r *Report) []string {
	ids := make([]string, 0, len(r.Evicted))
	for _, e := range r.Evicted {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestSweep_EvictsExpiredEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primary, err := f.reg.ResolveOrCreate(ctx, f.root, types.WorkspacePrimary)
	require.NoError(t, err)
	ref := f.add(t, "lib", types.WorkspaceReference, 10)
	session := f.add(t, "scratch", types.WorkspaceSession, 10)

	f.clock.Advance(25 * time.Hour)

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)

	require.Len(t, report.Evicted, 1)
	assert.Equal(t, session.ID, report.Evicted[0].ID)
	assert.Equal(t, ReasonTTL, report.Evicted[0].Reason)
	assert.False(t, f.exists(t, session.ID))
	assert.False(t, dirExists(f.router.StoreDir(session.ID)))

	assert.True(t, f.exists(t, ref.ID))
	assert.True(t, f.exists(t, primary.ID))

	f.clock.Advance(30 * 24 * time.Hour)
	report, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ref.ID}, evictedIDs(report))
	assert.True(t, f.exists(t, primary.ID), "the primary never expires")
}

func TestSweep_ExpiredEntryIsRecreatedFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := f.add(t, "lib", types.WorkspaceReference, 10)
	f.clock.Advance(8 * 24 * time.Hour)

	_, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.False(t, f.exists(t, ref.ID))

	again, err := f.reg.ResolveOrCreate(ctx, ref.OriginalPath, types.WorkspaceReference)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, again.ID)
	assert.True(t, again.CreatedAt.After(ref.CreatedAt))
	assert.Zero(t, again.IndexSizeBytes)
	assert.False(t, dirExists(f.router.StoreDir(again.ID)), "no stale data survives")
}

func TestSweep_TouchExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.add(t, "scratch", types.WorkspaceSession, 10)
	f.clock.Advance(20 * time.Hour)
	require.NoError(t, f.reg.Touch(ctx, session.ID))
	f.clock.Advance(20 * time.Hour)

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Evicted)
	assert.True(t, f.exists(t, session.ID))
}

func TestSweep_LRUEvictsOldestUntilUnderLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.add(t, "a", types.WorkspaceReference, 100)
	f.clock.Advance(time.Minute)
	b := f.add(t, "b", types.WorkspaceReference, 200)
	f.clock.Advance(time.Minute)
	c := f.add(t, "c", types.WorkspaceReference, 150)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.reg.Touch(ctx, a.ID))

	require.NoError(t, f.reg.SetSizeLimit(ctx, 300))
	f.clock.Advance(time.Minute)
	d := f.add(t, "d", types.WorkspaceReference, 100)

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{b.ID, c.ID}, evictedIDs(report))
	for _, e := range report.Evicted {
		assert.Equal(t, ReasonLRU, e.Reason)
	}
	assert.Equal(t, int64(550), report.SizeBeforeBytes)
	assert.Equal(t, int64(200), report.SizeAfterBytes)
	assert.Equal(t, int64(350), report.ReclaimedBytes())

	assert.True(t, f.exists(t, a.ID))
	assert.True(t, f.exists(t, d.ID))
	assert.False(t, dirExists(f.router.StoreDir(b.ID)))
	assert.False(t, dirExists(f.router.StoreDir(c.ID)))
	assert.True(t, dirExists(f.router.StoreDir(a.ID)))
}

func TestSweep_LRUNeverEvictsPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primary, err := f.reg.ResolveOrCreate(ctx, f.root, types.WorkspacePrimary)
	require.NoError(t, err)
	require.NoError(t, f.reg.UpdateStatistics(ctx, primary.ID, 1, 1, 1000))
	f.clock.Advance(time.Minute)
	ref := f.add(t, "lib", types.WorkspaceReference, 50)

	require.NoError(t, f.reg.SetSizeLimit(ctx, 300))

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ref.ID}, evictedIDs(report))
	assert.True(t, f.exists(t, primary.ID))
	assert.Equal(t, int64(1000), report.SizeAfterBytes)
}

func TestSweep_UnderLimitEvictsNothing(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", types.WorkspaceReference, 100)
	f.add(t, "b", types.WorkspaceReference, 100)

	report, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Evicted)
	assert.Empty(t, report.Failed)
	assert.NotNil(t, f.reg.Snapshot().Statistics.LastCleanup)
}

type failingStores struct {
	*router.Router
	err error
}

func (s *failingStores) Delete(ctx context.Context, id string, commit func() error) error {
	return s.err
}

func TestSweep_FailedDeleteKeepsEntryDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.add(t, "scratch", types.WorkspaceSession, 10)
	f.clock.Advance(25 * time.Hour)

	boom := &types.StoreUnavailableError{WorkspaceID: session.ID, Err: os.ErrPermission}
	mgr := New(f.reg, &failingStores{Router: f.router, err: boom}, nil, WithClock(f.clock.Now))

	report, err := mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Evicted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, session.ID, report.Failed[0].ID)

	e, err := f.reg.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDegraded, e.Status)
	assert.NotEmpty(t, e.LastError)
	assert.True(t, dirExists(f.router.StoreDir(session.ID)))
}

func TestSweep_FailedDeleteClearsRemovalMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.add(t, "scratch", types.WorkspaceSession, 10)
	f.clock.Advance(25 * time.Hour)

	mgr := New(f.reg, &failingStores{Router: f.router, err: os.ErrPermission}, nil, WithClock(f.clock.Now))
	_, err := mgr.Sweep(ctx)
	require.NoError(t, err)

	assert.True(t, f.exists(t, session.ID), "an aborted eviction serves the entry again")
	_, err = f.router.Open(ctx, session.ID)
	assert.NoError(t, err)
}

// interleavingStores runs beforeCommit after the store is deleted and
// before the registry entry is dropped
type interleavingStores struct {
	*router.Router
	beforeCommit func(id string)
}

func (s *interleavingStores) Delete(ctx context.Context, id string, commit func() error) error {
	return s.Router.Delete(ctx, id, func() error {
		s.beforeCommit(id)
		return commit()
	})
}

func symbolBatch(path, name string) ingest.Batch {
	return ingest.Batch{
		Files:   []types.File{{Path: path, ContentFingerprint: "fp:" + path, Language: "go"}},
		Symbols: []types.Symbol{{ID: name, Name: name, Kind: types.KindFunction, Language: "go", FilePath: path}},
	}
}

func TestSweep_QueuedCommitCannotRecreateEvictedStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pipe := ingest.New(f.router, f.reg, nil)

	dir := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	session, err := f.reg.ResolveOrCreate(ctx, dir, types.WorkspaceSession)
	require.NoError(t, err)
	_, err = pipe.Commit(ctx, session.ID, symbolBatch("old.go", "Old"))
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	queued := make(chan error, 1)
	stores := &interleavingStores{Router: f.router, beforeCommit: func(id string) {
		go func() {
			_, err := pipe.Commit(ctx, id, symbolBatch("stale.go", "Stale"))
			queued <- err
		}()
		time.Sleep(50 * time.Millisecond)
	}}
	mgr := New(f.reg, stores, nil, WithClock(f.clock.Now))

	report, err := mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{session.ID}, evictedIDs(report))

	assert.ErrorIs(t, <-queued, types.ErrWorkspaceNotFound)
	assert.False(t, dirExists(f.router.StoreDir(session.ID)), "the store stays deleted")

	again, err := f.reg.ResolveOrCreate(ctx, dir, types.WorkspaceSession)
	require.NoError(t, err)
	require.Equal(t, session.ID, again.ID)
	h, err := f.router.Open(ctx, again.ID)
	require.NoError(t, err)
	for _, id := range []string{"Old", "Stale"} {
		ok, err := h.Store.SymbolExists(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "fresh entry sees symbol %s", id)
	}
}

func TestSweep_ClassifiesStoreWithoutDatabase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(f.router.StoreDir("broken_cafef00d"), 0o755))

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Orphans, 1)
	assert.Equal(t, "broken_cafef00d", report.Orphans[0].DirectoryName)
	assert.Equal(t, types.OrphanCorruptedIndex, report.Orphans[0].Reason)
}

func TestSweep_MarkedEntryIsNotAnOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lib := f.add(t, "lib", types.WorkspaceReference, 10)
	_, err := f.reg.BeginRemove(ctx, lib.ID)
	require.NoError(t, err)

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
}

func TestSweep_DetectsOrphansWithoutDeleting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept := f.add(t, "lib", types.WorkspaceReference, 10)
	orphanDir := f.router.StoreDir("stale_deadbeef")
	dbPath := f.router.DatabasePath("stale_deadbeef")
	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o755))
	require.NoError(t, os.WriteFile(dbPath, []byte("12345"), 0o644))

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Orphans, 1)
	o := report.Orphans[0]
	assert.Equal(t, "stale_deadbeef", o.DirectoryName)
	assert.Equal(t, types.OrphanNoRegistryEntry, o.Reason)
	assert.Equal(t, int64(5), o.SizeBytes)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), o.ScheduledForDeletion)
	assert.True(t, dirExists(orphanDir), "sweeps never delete orphans")
	assert.True(t, f.exists(t, kept.ID))

	// a second sweep keeps the original discovery time
	f.clock.Advance(time.Hour)
	report, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Orphans, 1)
	assert.Equal(t, o.DiscoveredAt, report.Orphans[0].DiscoveredAt)
}

func TestCleanOrphans_HonorsGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphanDir := f.router.StoreDir("stale_deadbeef")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	_, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)

	clean, err := f.mgr.CleanOrphans(ctx, CleanOptions{})
	require.NoError(t, err)
	assert.Empty(t, clean.Deleted)
	assert.Equal(t, []string{"stale_deadbeef"}, clean.Kept)
	assert.True(t, dirExists(orphanDir))

	f.clock.Advance(25 * time.Hour)
	clean, err = f.mgr.CleanOrphans(ctx, CleanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale_deadbeef"}, clean.Deleted)
	assert.False(t, dirExists(orphanDir))
	assert.Empty(t, f.reg.Orphans(ctx))
}

func TestCleanOrphans_Force(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphanDir := f.router.StoreDir("stale_deadbeef")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	_, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)

	clean, err := f.mgr.CleanOrphans(ctx, CleanOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale_deadbeef"}, clean.Deleted)
	assert.False(t, dirExists(orphanDir))
}

func TestCleanOrphans_SkipsReregistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a store directory whose entry was lost, then re-registered
	dir := filepath.Join(t.TempDir(), "lib")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	id, err := registry.WorkspaceID(dir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(f.router.StoreDir(id), 0o755))

	_, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, f.reg.Orphans(ctx), 1)

	_, err = f.reg.ResolveOrCreate(ctx, dir, types.WorkspaceReference)
	require.NoError(t, err)

	clean, err := f.mgr.CleanOrphans(ctx, CleanOptions{Force: true})
	require.NoError(t, err)
	assert.Empty(t, clean.Deleted)
	assert.True(t, dirExists(f.router.StoreDir(id)))
	assert.Empty(t, f.reg.Orphans(ctx))
}

// registeringStores registers path just before an orphan delete
type registeringStores struct {
	*router.Router
	register func()
}

func (s *registeringStores) DeleteOrphan(ctx context.Context, id string) error {
	s.register()
	return s.Router.DeleteOrphan(ctx, id)
}

func TestCleanOrphans_RegisteredDuringCleanupKeepsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "lib")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	id, err := registry.WorkspaceID(dir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(f.router.StoreDir(id), 0o755))

	_, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, f.reg.Orphans(ctx), 1)

	stores := &registeringStores{Router: f.router, register: func() {
		_, err := f.reg.ResolveOrCreate(ctx, dir, types.WorkspaceReference)
		require.NoError(t, err)
	}}
	mgr := New(f.reg, stores, nil, WithClock(f.clock.Now))

	clean, err := mgr.CleanOrphans(ctx, CleanOptions{Force: true})
	require.NoError(t, err)
	assert.Empty(t, clean.Deleted)
	assert.Empty(t, clean.Failed)
	assert.Equal(t, []string{id}, clean.Reregistered)
	assert.True(t, dirExists(f.router.StoreDir(id)), "a live workspace's store is never deleted")
	assert.Empty(t, f.reg.Orphans(ctx))
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	session := f.add(t, "scratch", types.WorkspaceSession, 10)
	f.clock.Advance(25 * time.Hour)

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return !f.exists(t, session.ID)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}
