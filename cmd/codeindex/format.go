package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dshills/codeindex-mcp/internal/ui"
	"github.com/dshills/codeindex-mcp/internal/workspace"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// maxListedErrors caps the per-file errors printed after an index run
const maxListedErrors = 5

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func bytesText(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// writeIndexResult formats the outcome of index, add and refresh
func writeIndexResult(w io.Writer, res *workspace.IndexResult) {
	e := res.Workspace
	ui.Successf(w, "Indexed %s (%s)", e.DisplayName, e.ID)
	fmt.Fprintf(w, "%s %s\n", ui.Label("Path:"), ui.DimText(e.OriginalPath))

	st := res.Stats
	if st == nil {
		return
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "  Files scanned\t%d\n", st.FilesScanned)
	fmt.Fprintf(tw, "  Files changed\t%d\n", st.FilesChanged)
	fmt.Fprintf(tw, "  Files unchanged\t%d\n", st.FilesSkipped)
	fmt.Fprintf(tw, "  Files deleted\t%d\n", st.FilesDeleted)
	fmt.Fprintf(tw, "  Symbols\t%d\n", st.SymbolsExtracted)
	fmt.Fprintf(tw, "  Relationships\t%d\n", st.RelationshipsExtracted)
	fmt.Fprintf(tw, "  Index size\t%s\n", bytesText(e.IndexSizeBytes))
	fmt.Fprintf(tw, "  Duration\t%s\n", st.Duration.Round(time.Millisecond))
	tw.Flush()

	if n := st.FilesFailed + st.ExtractErrors; n > 0 {
		ui.Warningf(w, "%d files had errors", n)
		for i, msg := range st.ErrorMessages {
			if i == maxListedErrors {
				fmt.Fprintf(w, "  %s\n", ui.DimText(fmt.Sprintf("... and %d more", len(st.ErrorMessages)-i)))
				break
			}
			fmt.Fprintf(w, "  %s\n", ui.DimText(msg))
		}
	}
}

// expiryText describes when a workspace expires relative to now
func expiryText(e *types.WorkspaceEntry, now time.Time) string {
	switch {
	case e.ExpiresAt == nil:
		return "never"
	case e.IsExpired(now):
		return "expired"
	default:
		return humanize.RelTime(*e.ExpiresAt, now, "ago", "from now")
	}
}

// writeList formats workspaces as aligned columns, followed by orphans
func writeList(w io.Writer, list *workspace.ListResult, now time.Time) {
	ui.Header(w, "Workspaces")
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tFILES\tSIZE\tLAST ACCESS\tEXPIRES\tPATH")
	var total int64
	for _, e := range list.Workspaces {
		total += e.IndexSizeBytes
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.WorkspaceType, ui.StatusText(string(e.Status)), e.FileCount,
			bytesText(e.IndexSizeBytes),
			humanize.RelTime(e.LastAccessedAt, now, "ago", "from now"),
			expiryText(e, now), e.OriginalPath)
	}
	tw.Flush()
	fmt.Fprintf(w, "%s workspaces, %s total\n", ui.CountText(len(list.Workspaces)), bytesText(total))

	for _, e := range list.Workspaces {
		if e.LastError != "" {
			ui.Warningf(w, "%s: %s", e.ID, e.LastError)
		}
	}

	if len(list.Orphans) == 0 {
		return
	}
	fmt.Fprintln(w)
	ui.SubHeader(w, "Orphaned indexes:")
	tw = newTable(w)
	fmt.Fprintln(tw, "DIRECTORY\tREASON\tSIZE\tDELETION")
	for _, o := range list.Orphans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.DirectoryName, o.Reason, bytesText(o.SizeBytes),
			humanize.RelTime(o.ScheduledForDeletion, now, "ago", "from now"))
	}
	tw.Flush()
}

// writeClean formats a sweep and the orphan cleanup that followed it
func writeClean(w io.Writer, res *workspace.CleanResult) {
	sweep := res.Sweep
	if len(sweep.Evicted) == 0 {
		ui.Infof(w, "No workspaces evicted")
	}
	for _, ev := range sweep.Evicted {
		ui.Successf(w, "Evicted %s (%s, %s): %s", ev.DisplayName, ev.ID, ev.Reason, bytesText(ev.SizeBytes))
	}
	for _, f := range sweep.Failed {
		ui.Errorf(w, "Failed to evict %s (%s): %s", f.ID, f.Reason, f.Error)
	}
	fmt.Fprintf(w, "%s %s of %s (was %s)\n", ui.Label("Total size:"),
		bytesText(sweep.SizeAfterBytes), bytesText(sweep.LimitBytes), bytesText(sweep.SizeBeforeBytes))

	orphans := res.Orphans
	if orphans == nil {
		return
	}
	for _, dir := range orphans.Deleted {
		ui.Successf(w, "Deleted orphan %s", dir)
	}
	for _, dir := range orphans.Failed {
		ui.Errorf(w, "Failed to delete orphan %s", dir)
	}
	if n := len(orphans.Kept); n > 0 {
		ui.Warningf(w, "%d orphans kept until their grace period ends (use --force to delete now)", n)
	}
	if orphans.FreedBytes > 0 {
		fmt.Fprintf(w, "%s %s\n", ui.Label("Orphan space freed:"), bytesText(orphans.FreedBytes))
	}
}

// writeStats formats registry-wide or per-workspace statistics
func writeStats(w io.Writer, stats *workspace.Stats) {
	if ws := stats.Workspace; ws != nil {
		e := ws.Workspace
		ui.Header(w, fmt.Sprintf("%s (%s)", e.DisplayName, e.ID))
		tw := newTable(w)
		fmt.Fprintf(tw, "Type\t%s\n", e.WorkspaceType)
		fmt.Fprintf(tw, "Status\t%s\n", ui.StatusText(string(e.Status)))
		fmt.Fprintf(tw, "Path\t%s\n", e.OriginalPath)
		fmt.Fprintf(tw, "Files\t%s\n", ui.CountText(ws.Files))
		fmt.Fprintf(tw, "Symbols\t%s\n", ui.CountText(ws.Symbols))
		fmt.Fprintf(tw, "Relationships\t%s\n", ui.CountText(ws.Relationships))
		fmt.Fprintf(tw, "Search documents\t%s\n", ui.CountText(ws.SearchDocuments))
		fmt.Fprintf(tw, "Store size\t%s\n", bytesText(ws.StoreSizeBytes))
		fmt.Fprintf(tw, "Schema version\t%s\n", ws.SchemaVersion)
		if !ws.LastIndexedAt.IsZero() {
			fmt.Fprintf(tw, "Last indexed\t%s\n", humanize.Time(ws.LastIndexedAt))
		}
		if ws.IndexingInProgress {
			fmt.Fprintf(tw, "Indexing\t%s\n", ui.StatusText("indexing"))
		}
		tw.Flush()
		return
	}

	ui.Header(w, "Registry")
	tw := newTable(w)
	if r := stats.Registry; r != nil {
		fmt.Fprintf(tw, "Workspaces\t%s\n", ui.CountText(r.TotalWorkspaces))
		fmt.Fprintf(tw, "Orphans\t%s\n", ui.CountText(r.TotalOrphans))
		fmt.Fprintf(tw, "Files\t%s\n", ui.CountText(r.TotalFiles))
		fmt.Fprintf(tw, "Symbols\t%s\n", ui.CountText(r.TotalDocuments))
		fmt.Fprintf(tw, "Index size\t%s\n", bytesText(r.TotalIndexSizeBytes))
		if r.LastCleanup != nil {
			fmt.Fprintf(tw, "Last cleanup\t%s\n", humanize.Time(*r.LastCleanup))
		}
	}
	if s := stats.Settings; s != nil {
		fmt.Fprintf(tw, "Reference TTL\t%s\n", s.DefaultTTL())
		fmt.Fprintf(tw, "Session TTL\t%s\n", s.SessionTTL())
		fmt.Fprintf(tw, "Size limit\t%s\n", bytesText(s.MaxTotalSizeBytes))
		fmt.Fprintf(tw, "Auto cleanup\t%t\n", s.AutoCleanupEnabled)
	}
	tw.Flush()
}

// writeSearch formats search hits as aligned columns
func writeSearch(w io.Writer, res *workspace.SearchResult) {
	if len(res.Hits) == 0 {
		ui.Infof(w, "No symbols match %q in %s", res.Query, res.WorkspaceID)
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SCORE\tNAME\tKIND\tFILE")
	for _, h := range res.Hits {
		fmt.Fprintf(tw, "%.2f\t%s\t%s\t%s\n", h.Score, h.Name, h.Kind, h.FilePath)
	}
	tw.Flush()
}

// writeSymbols formats the symbols of one file as aligned columns
func writeSymbols(w io.Writer, syms []*types.Symbol) {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tKIND\tLINE\tSIGNATURE")
	for _, s := range syms {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Name, s.Kind, s.Start.Line, firstLine(s.Signature))
	}
	tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
