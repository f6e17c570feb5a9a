package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/registry"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

const demoSource = `package main

type DemoStruct struct{}

func (d *DemoStruct) Method() {}
`

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

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Index.Workers = 2
	cfg.Index.WatchDebounce = 50 * time.Millisecond
	cfg.Registry.CacheTTL = 0
	return cfg
}

func openService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "main.go", demoSource)

	s, err := Open(context.Background(), root, testConfig(), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, root
}

func TestOpen_RegistersPrimary(t *testing.T) {
	s, _ := openService(t)

	primary, err := s.Registry().Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.Root(), primary.OriginalPath)
	assert.Equal(t, types.WorkspacePrimary, primary.WorkspaceType)
	assert.Nil(t, primary.ExpiresAt)
	assert.Equal(t, "new", s.LoadResult().Source)
}

func TestOpen_Reopen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(context.Background(), root, testConfig(), nil)
	require.NoError(t, err)
	primary, err := s.Registry().Primary(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), root, testConfig(), nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	again, err := s.Registry().Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, primary.ID, again.ID)
	assert.Equal(t, "main", s.LoadResult().Source)
}

func TestOpen_MissingRoot(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope"), nil, nil)
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestIndex_UpdatesStatistics(t *testing.T) {
	s, _ := openService(t)
	ctx := context.Background()

	res, err := s.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.FilesChanged)

	e := res.Workspace
	assert.Equal(t, types.StatusActive, e.Status)
	assert.Equal(t, 1, e.FileCount)
	assert.Equal(t, 2, e.DocumentCount)
	assert.Positive(t, e.IndexSizeBytes)

	syms, err := s.Symbols(ctx, "", "main.go")
	require.NoError(t, err)
	names := make([]string, 0, len(syms))
	for _, sym := range syms {
		names = append(names, sym.Name)
	}
	assert.ElementsMatch(t, []string{"DemoStruct", "Method"}, names)

	res, err = s.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.FilesChanged)
	assert.Equal(t, 1, res.Stats.FilesSkipped)

	res, err = s.Index(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.FilesChanged)
}

func TestAddListRemove(t *testing.T) {
	s, _ := openService(t)
	ctx := context.Background()

	lib := t.TempDir()
	writeFile(t, lib, "lib.py", "def helper():\n    pass\n")

	res, err := s.Add(ctx, lib, types.WorkspaceReference)
	require.NoError(t, err)
	ref := res.Workspace
	assert.Equal(t, types.WorkspaceReference, ref.WorkspaceType)
	assert.NotNil(t, ref.ExpiresAt)
	assert.Equal(t, 1, ref.DocumentCount)

	list := s.List(ctx)
	require.Len(t, list.Workspaces, 2)
	assert.Equal(t, types.WorkspacePrimary, list.Workspaces[0].WorkspaceType)
	assert.Empty(t, list.Orphans)

	removed, err := s.Remove(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, removed.ID)
	assert.Len(t, s.List(ctx).Workspaces, 1)
	_, err = os.Stat(filepath.Join(s.Root(), registry.DataDirName, "indexes", ref.ID))
	assert.True(t, os.IsNotExist(err))

	_, err = s.Remove(ctx, ref.ID)
	assert.ErrorIs(t, err, types.ErrWorkspaceNotFound)

	primary, err := s.Registry().Primary(ctx)
	require.NoError(t, err)
	_, err = s.Remove(ctx, primary.ID)
	assert.ErrorIs(t, err, types.ErrPrimaryImmutable)
}

func TestAdd_Validation(t *testing.T) {
	s, root := openService(t)
	ctx := context.Background()

	_, err := s.Add(ctx, filepath.Join(t.TempDir(), "missing"), types.WorkspaceReference)
	assert.ErrorIs(t, err, ErrPathNotFound)

	_, err = s.Add(ctx, filepath.Join(root, "main.go"), types.WorkspaceReference)
	assert.ErrorIs(t, err, ErrNotDirectory)

	_, err = s.Add(ctx, "", types.WorkspaceReference)
	assert.ErrorIs(t, err, ErrPathRequired)

	_, err = s.Add(ctx, t.TempDir(), types.WorkspacePrimary)
	assert.Error(t, err)
}

func TestRefresh_MissingSourceMarksDegraded(t *testing.T) {
	s, _ := openService(t)
	ctx := context.Background()

	lib := filepath.Join(t.TempDir(), "lib")
	writeFile(t, lib, "a.go", "package a\n\nfunc A() {}\n")
	res, err := s.Add(ctx, lib, types.WorkspaceSession)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(lib))
	_, err = s.Refresh(ctx, res.Workspace.ID, false)
	var unavailable *types.StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)

	e, err := s.Registry().Get(ctx, res.Workspace.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDegraded, e.Status)
	assert.NotEmpty(t, e.LastError)

	// the last good commit stays searchable
	found, err := s.Search(ctx, e.ID, "A", 10)
	require.NoError(t, err)
	require.Len(t, found.Hits, 1)
	assert.Equal(t, "A", found.Hits[0].Name)
}

func TestRefresh_UnknownWorkspace(t *testing.T) {
	s, _ := openService(t)
	_, err := s.Refresh(context.Background(), "nope_00000000", false)
	assert.ErrorIs(t, err, types.ErrWorkspaceNotFound)
}

func TestSearch(t *testing.T) {
	s, _ := openService(t)
	ctx := context.Background()
	_, err := s.Index(ctx, false)
	require.NoError(t, err)

	res, err := s.Search(ctx, "", "Demo", 10)
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "DemoStruct", res.Hits[0].Name)
	assert.Equal(t, "main.go", res.Hits[0].FilePath)

	_, err = s.Search(ctx, "", "", 10)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestStats(t *testing.T) {
	s, _ := openService(t)
	ctx := context.Background()
	res, err := s.Index(ctx, false)
	require.NoError(t, err)

	global, err := s.Stats(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, global.Registry)
	assert.Equal(t, 1, global.Registry.TotalWorkspaces)
	assert.Equal(t, registry.DefaultSettings().MaxTotalSizeBytes, global.Settings.MaxTotalSizeBytes)

	one, err := s.Stats(ctx, res.Workspace.ID)
	require.NoError(t, err)
	require.NotNil(t, one.Workspace)
	assert.Equal(t, 1, one.Workspace.Files)
	assert.Equal(t, 2, one.Workspace.Symbols)
	assert.Equal(t, 2, one.Workspace.SearchDocuments)
	assert.Positive(t, one.Workspace.StoreSizeBytes)
	assert.False(t, one.Workspace.IndexingInProgress)

	_, err = s.Stats(ctx, "nope_00000000")
	assert.ErrorIs(t, err, types.ErrWorkspaceNotFound)
}

func TestSetTTLAndLimit(t *testing.T) {
	s, _ := openService(t)
	ctx := context.Background()

	require.NoError(t, s.SetTTL(ctx, 48*time.Hour, false))
	require.NoError(t, s.SetTTL(ctx, time.Hour, true))
	require.NoError(t, s.SetLimit(ctx, 1<<20))

	settings := s.Registry().Settings()
	assert.Equal(t, 48*time.Hour, settings.DefaultTTL())
	assert.Equal(t, time.Hour, settings.SessionTTL())
	assert.Equal(t, int64(1<<20), settings.MaxTotalSizeBytes)

	assert.Error(t, s.SetTTL(ctx, 0, false))
	assert.Error(t, s.SetLimit(ctx, 0))
}

func TestClean_EvictsExpiredAndOrphans(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	s, root := openService(t, WithClock(clock.Now))
	ctx := context.Background()

	lib := t.TempDir()
	writeFile(t, lib, "a.go", "package a\n\nfunc A() {}\n")
	res, err := s.Add(ctx, lib, types.WorkspaceSession)
	require.NoError(t, err)

	orphan := filepath.Join(root, registry.DataDirName, "indexes", "stale_deadbeef")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	clock.Advance(25 * time.Hour)
	clean, err := s.Clean(ctx, false)
	require.NoError(t, err)

	require.Len(t, clean.Sweep.Evicted, 1)
	assert.Equal(t, res.Workspace.ID, clean.Sweep.Evicted[0].ID)
	assert.Empty(t, clean.Orphans.Deleted, "new orphans wait out their grace period")
	assert.DirExists(t, orphan)

	clean, err = s.Clean(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale_deadbeef"}, clean.Orphans.Deleted)
	assert.NoDirExists(t, orphan)

	primary, err := s.Registry().Primary(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Root(), primary.OriginalPath)
}

func TestStartWatching(t *testing.T) {
	s, root := openService(t)
	ctx := context.Background()
	_, err := s.Index(ctx, false)
	require.NoError(t, err)

	require.NoError(t, s.StartWatching(ctx))
	require.NoError(t, s.StartWatching(ctx), "second start is a no-op")

	writeFile(t, root, "extra.go", "package main\n\nfunc Extra() {}\n")
	require.Eventually(t, func() bool {
		syms, err := s.Symbols(ctx, "", "extra.go")
		return err == nil && len(syms) == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestClose_StopsBackgroundWork(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", demoSource)

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := Open(context.Background(), root, testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, s.StartWatching(context.Background()))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunEviction(runCtx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.StartWatching(context.Background()))
}
