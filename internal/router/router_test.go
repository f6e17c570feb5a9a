package router

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

	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

type fakeCatalog struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newFakeCatalog(ids ...string) *fakeCatalog {
	c := &fakeCatalog{ids: make(map[string]bool)}
	for _, id := range ids {
		c.ids[id] = true
	}
	return c
}

func (c *fakeCatalog) Exists(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[id], nil
}

func (c *fakeCatalog) set(id string, registered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[id] = registered
}

func newTestRouter(t *testing.T, ids ...string) *Router {
	t.Helper()
	r, _ := newTestRouterWithCatalog(t, ids...)
	return r
}

func newTestRouterWithCatalog(t *testing.T, ids ...string) (*Router, *fakeCatalog) {
	t.Helper()
	catalog := newFakeCatalog(ids...)
	r := New(filepath.Join(t.TempDir(), ".julie"), catalog, storage.DefaultOptions(), nil)
	t.Cleanup(func() { _ = r.Close() })
	return r, catalog
}

func TestOpen_UnknownWorkspace(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Open(context.Background(), "nope_12345678")
	assert.ErrorIs(t, err, types.ErrWorkspaceNotFound)

	ids, err := r.StoreIDs()
	require.NoError(t, err)
	assert.Empty(t, ids, "no directory is created for unknown ids")
}

func TestOpen_InvalidID(t *testing.T) {
	r := newTestRouter(t, "../escape")
	_, err := r.Open(context.Background(), "../escape")
	assert.Error(t, err)
}

func TestOpen_CreatesLayout(t *testing.T) {
	r := newTestRouter(t, "lib_aaaaaaaa")
	h, err := r.Open(context.Background(), "lib_aaaaaaaa")
	require.NoError(t, err)

	assert.Equal(t, "lib_aaaaaaaa", h.ID)
	assert.FileExists(t, filepath.Join(r.StoreDir("lib_aaaaaaaa"), "db", "symbols.db"))
	assert.FileExists(t, filepath.Join(r.StoreDir("lib_aaaaaaaa"), "index", "segment.db"))

	size, err := r.Size("lib_aaaaaaaa")
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestOpen_ConcurrentSharesHandle(t *testing.T) {
	r := newTestRouter(t, "lib_aaaaaaaa")
	ctx := context.Background()

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Open(ctx, "lib_aaaaaaaa")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestOpen_Isolation(t *testing.T) {
	r := newTestRouter(t, "a_11111111", "b_22222222")
	ctx := context.Background()

	a, err := r.Open(ctx, "a_11111111")
	require.NoError(t, err)
	b, err := r.Open(ctx, "b_22222222")
	require.NoError(t, err)

	require.NoError(t, a.Store.UpsertFile(ctx, &types.File{Path: "main.go", ContentFingerprint: "x"}))

	ok, err := b.Store.FileExists(ctx, "main.go")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, a.Store.Path(), b.Store.Path())
}

func TestLock_FIFO(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	unlock, err := r.Lock(ctx, "ws")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := r.Lock(ctx, "ws")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}(i)
		// let waiter i queue up before the next one
		time.Sleep(20 * time.Millisecond)
	}

	unlock()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLock_IndependentWorkspaces(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	ua, err := r.Lock(ctx, "a")
	require.NoError(t, err)
	defer ua()

	done := make(chan struct{})
	go func() {
		ub, err := r.Lock(ctx, "b")
		assert.NoError(t, err)
		ub()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestLock_Cancellable(t *testing.T) {
	r := newTestRouter(t)
	unlock, err := r.Lock(context.Background(), "ws")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, "ws")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLock_UnlockIsIdempotent(t *testing.T) {
	r := newTestRouter(t)
	unlock, err := r.Lock(context.Background(), "ws")
	require.NoError(t, err)
	unlock()
	unlock()

	again, err := r.Lock(context.Background(), "ws")
	require.NoError(t, err)
	again()
}

func TestDelete(t *testing.T) {
	r := newTestRouter(t, "lib_aaaaaaaa", "keep_bbbbbbbb")
	ctx := context.Background()

	_, err := r.Open(ctx, "lib_aaaaaaaa")
	require.NoError(t, err)
	_, err = r.Open(ctx, "keep_bbbbbbbb")
	require.NoError(t, err)

	ids, err := r.StoreIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"keep_bbbbbbbb", "lib_aaaaaaaa"}, ids)

	require.NoError(t, r.Delete(ctx, "lib_aaaaaaaa", nil))
	_, err = os.Stat(r.StoreDir("lib_aaaaaaaa"))
	assert.True(t, os.IsNotExist(err))

	ids, err = r.StoreIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"keep_bbbbbbbb"}, ids)

	// deleting a missing store is not an error
	require.NoError(t, r.Delete(ctx, "lib_aaaaaaaa", nil))
}

func TestDelete_WaitsForCommitLock(t *testing.T) {
	r := newTestRouter(t, "lib_aaaaaaaa")
	ctx := context.Background()
	_, err := r.Open(ctx, "lib_aaaaaaaa")
	require.NoError(t, err)

	unlock, err := r.Lock(ctx, "lib_aaaaaaaa")
	require.NoError(t, err)

	deleted := make(chan error, 1)
	go func() { deleted <- r.Delete(ctx, "lib_aaaaaaaa", nil) }()

	select {
	case <-deleted:
		t.Fatal("delete ran while a commit held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	assert.DirExists(t, r.StoreDir("lib_aaaaaaaa"))
	unlock()
	require.NoError(t, <-deleted)
	assert.NoDirExists(t, r.StoreDir("lib_aaaaaaaa"))
}

func TestDelete_CommitRunsBeforeReopen(t *testing.T) {
	r, catalog := newTestRouterWithCatalog(t, "lib_aaaaaaaa")
	ctx := context.Background()
	_, err := r.Open(ctx, "lib_aaaaaaaa")
	require.NoError(t, err)

	opened := make(chan error, 1)
	err = r.Delete(ctx, "lib_aaaaaaaa", func() error {
		go func() {
			_, err := r.Open(ctx, "lib_aaaaaaaa")
			opened <- err
		}()
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, opened, 0, "no open completes before the metadata is gone")
		catalog.set("lib_aaaaaaaa", false)
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, <-opened, types.ErrWorkspaceNotFound)
	assert.NoDirExists(t, r.StoreDir("lib_aaaaaaaa"))
}

func TestDelete_CommitError(t *testing.T) {
	r := newTestRouter(t, "lib_aaaaaaaa")
	ctx := context.Background()
	_, err := r.Open(ctx, "lib_aaaaaaaa")
	require.NoError(t, err)

	boom := errors.New("registry write failed")
	err = r.Delete(ctx, "lib_aaaaaaaa", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoDirExists(t, r.StoreDir("lib_aaaaaaaa"))
}

func TestDeleteOrphan_RefusesRegistered(t *testing.T) {
	r, catalog := newTestRouterWithCatalog(t, "lib_aaaaaaaa")
	ctx := context.Background()
	_, err := r.Open(ctx, "lib_aaaaaaaa")
	require.NoError(t, err)

	err = r.DeleteOrphan(ctx, "lib_aaaaaaaa")
	assert.ErrorIs(t, err, types.ErrWorkspaceRegistered)
	assert.DirExists(t, r.StoreDir("lib_aaaaaaaa"))

	h, err := r.Open(ctx, "lib_aaaaaaaa")
	require.NoError(t, err)
	_, err = h.Store.GetStatus(ctx)
	assert.NoError(t, err, "a refused delete leaves the handle open")

	catalog.set("lib_aaaaaaaa", false)
	require.NoError(t, r.DeleteOrphan(ctx, "lib_aaaaaaaa"))
	assert.NoDirExists(t, r.StoreDir("lib_aaaaaaaa"))

	assert.Error(t, r.DeleteOrphan(ctx, "../escape"))
}
