package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/internal/eviction"
	"github.com/dshills/codeindex-mcp/internal/indexer"
	"github.com/dshills/codeindex-mcp/internal/textindex"
	"github.com/dshills/codeindex-mcp/internal/workspace"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, validateFormat("json"))
	assert.NoError(t, validateFormat("text"))
	assert.Error(t, validateFormat("yaml"))
}

func TestResolveRoot(t *testing.T) {
	dir := t.TempDir()

	got, err := resolveRoot(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = resolveRoot(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = resolveRoot(file)
	assert.Error(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	got, err = resolveRoot("")
	require.NoError(t, err)
	assert.Equal(t, wd, got)
}

func TestParseLimit(t *testing.T) {
	got, err := parseLimit("500MB")
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), got)

	got, err = parseLimit("1GiB")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), got)

	_, err = parseLimit("0")
	assert.Error(t, err)
	_, err = parseLimit("lots")
	assert.Error(t, err)
}

func TestParseAddType(t *testing.T) {
	got, err := parseAddType("session")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceSession, got)

	got, err = parseAddType("")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceReference, got)

	_, err = parseAddType("primary")
	assert.Error(t, err)
	_, err = parseAddType("scratch")
	assert.Error(t, err)
}

func TestExpiryText(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(48 * time.Hour)

	assert.Equal(t, "never", expiryText(&types.WorkspaceEntry{WorkspaceType: types.WorkspacePrimary}, now))
	assert.Equal(t, "expired", expiryText(&types.WorkspaceEntry{WorkspaceType: types.WorkspaceSession, ExpiresAt: &past}, now))
	assert.Equal(t, "2 days from now", expiryText(&types.WorkspaceEntry{WorkspaceType: types.WorkspaceReference, ExpiresAt: &future}, now))
}

func TestWriteList(t *testing.T) {
	noColor(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	list := &workspace.ListResult{
		Workspaces: []*types.WorkspaceEntry{
			{ID: "app_00000001", WorkspaceType: types.WorkspacePrimary, Status: types.StatusActive,
				FileCount: 3, IndexSizeBytes: 2048, LastAccessedAt: now, OriginalPath: "/src/app"},
			{ID: "lib_00000002", WorkspaceType: types.WorkspaceReference, Status: types.StatusDegraded,
				LastAccessedAt: now.Add(-time.Hour), OriginalPath: "/src/lib", LastError: "store unavailable"},
		},
		Orphans: []types.OrphanedIndex{
			{DirectoryName: "old_00000003", Reason: types.OrphanNoRegistryEntry, SizeBytes: 10,
				ScheduledForDeletion: now.Add(24 * time.Hour)},
		},
	}

	var buf bytes.Buffer
	writeList(&buf, list, now)
	out := buf.String()

	assert.Contains(t, out, "Workspaces\n==========")
	assert.Contains(t, out, "app_00000001")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "2 workspaces, 2.0 kB total")
	assert.Contains(t, out, "⚠ lib_00000002: store unavailable")
	assert.Contains(t, out, "Orphaned indexes:")
	assert.Contains(t, out, "old_00000003")
}

func TestWriteIndexResult_ListsErrors(t *testing.T) {
	noColor(t)

	msgs := make([]string, 7)
	for i := range msgs {
		msgs[i] = "file" + string(rune('a'+i)) + ".go: parse error"
	}
	res := &workspace.IndexResult{
		Workspace: &types.WorkspaceEntry{ID: "app_00000001", DisplayName: "app", OriginalPath: "/src/app"},
		Stats: &indexer.Statistics{
			FilesScanned:     9,
			FilesChanged:     9,
			FilesFailed:      7,
			SymbolsExtracted: 4,
			ErrorMessages:    msgs,
		},
	}

	var buf bytes.Buffer
	writeIndexResult(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "✓ Indexed app (app_00000001)")
	assert.Contains(t, out, "⚠ 7 files had errors")
	assert.Contains(t, out, "filee.go")
	assert.NotContains(t, out, "filef.go")
	assert.Contains(t, out, "... and 2 more")
}

func TestWriteClean(t *testing.T) {
	noColor(t)

	res := &workspace.CleanResult{
		Sweep: &eviction.Report{
			Evicted:         []eviction.Eviction{{ID: "b_00000002", DisplayName: "b", Reason: eviction.ReasonLRU, SizeBytes: 200}},
			SizeBeforeBytes: 550,
			SizeAfterBytes:  350,
			LimitBytes:      400,
		},
		Orphans: &eviction.CleanReport{Kept: []string{"old_00000003"}},
	}

	var buf bytes.Buffer
	writeClean(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "✓ Evicted b (b_00000002, lru): 200 B")
	assert.Contains(t, out, "Total size: 350 B of 400 B (was 550 B)")
	assert.Contains(t, out, "1 orphans kept")
}

func TestWriteSearch(t *testing.T) {
	noColor(t)

	var buf bytes.Buffer
	writeSearch(&buf, &workspace.SearchResult{WorkspaceID: "app_00000001", Query: "nothing"})
	assert.Contains(t, buf.String(), `No symbols match "nothing"`)

	buf.Reset()
	writeSearch(&buf, &workspace.SearchResult{Hits: []textindex.Hit{
		{Name: "DemoStruct", Kind: "struct", FilePath: "main.go", Score: 3.5},
	}})
	assert.Regexp(t, `3\.50\s+DemoStruct\s+struct\s+main\.go`, buf.String())
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "func F()", firstLine("func F()"))
	assert.Equal(t, "type T struct {", firstLine("type T struct {\n\tA int\n}"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		flagForce = false
		flagWorkspace = ""
		flagLimit = 10
		flagFormat = "text"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands_IndexListSearch(t *testing.T) {
	noColor(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"),
		[]byte("package main\n\n// DemoStruct is indexed\ntype DemoStruct struct{}\n\nfunc main() {}\n"), 0o644))

	out, err := execute(t, "--root", root, "--no-color", "--format", "json", "index")
	require.NoError(t, err)
	var res workspace.IndexResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, types.WorkspacePrimary, res.Workspace.WorkspaceType)
	assert.Equal(t, 1, res.Stats.FilesChanged)

	out, err = execute(t, "--root", root, "--no-color", "--format", "text", "list")
	require.NoError(t, err)
	assert.Contains(t, out, res.Workspace.ID)
	assert.Contains(t, out, "primary")

	out, err = execute(t, "--root", root, "--no-color", "--format", "text", "search", "DemoStruct")
	require.NoError(t, err)
	assert.Contains(t, out, "DemoStruct")

	_, err = execute(t, "--root", root, "--format", "text", "search", "--limit", "0", "DemoStruct")
	assert.Error(t, err)

	out, err = execute(t, "--root", root, "--format", "text", "config")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "batch_size:"), out)
}

func TestCommands_InvalidFormat(t *testing.T) {
	_, err := execute(t, "--root", t.TempDir(), "--format", "xml", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
