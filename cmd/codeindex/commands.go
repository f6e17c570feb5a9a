package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/ui"
	"github.com/dshills/codeindex-mcp/internal/workspace"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

var (
	flagForce     bool
	flagType      string
	flagSession   bool
	flagWorkspace string
	flagLimit     int
	flagWrite     bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the primary workspace",
	Long:  "Walks the primary root and re-extracts every file whose fingerprint changed since the last run.",
	Args:  cobra.NoArgs,
	RunE:  runIndex,
}

var addCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register and index a reference or session workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var removeCmd = &cobra.Command{
	Use:   "remove <workspace-id>",
	Short: "Delete a workspace's store and registry entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces and orphaned index directories",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Evict expired and least recently used workspaces, then delete orphans",
	Long: "Runs one eviction sweep (TTL, then the total size limit) and deletes orphaned index\n" +
		"directories whose grace period has passed. --force deletes every orphan.",
	Args: cobra.NoArgs,
	RunE: runClean,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [workspace-id]",
	Short: "Re-index one workspace (default: the primary)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRefresh,
}

var statsCmd = &cobra.Command{
	Use:   "stats [workspace-id]",
	Short: "Show registry-wide or per-workspace statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

var setTTLCmd = &cobra.Command{
	Use:   "set-ttl <duration>",
	Short: "Change the reference (or --session) workspace TTL, e.g. 72h or 7d",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetTTL,
}

var setLimitCmd = &cobra.Command{
	Use:   "set-limit <size>",
	Short: "Change the total index size limit, e.g. 500MB",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetLimit,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the symbols of an indexed workspace",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols <file>",
	Short: "List the symbols stored for one file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSymbols,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	indexCmd.Flags().BoolVar(&flagForce, "force", false, "re-extract every file, ignoring fingerprints")
	refreshCmd.Flags().BoolVar(&flagForce, "force", false, "re-extract every file, ignoring fingerprints")
	cleanCmd.Flags().BoolVar(&flagForce, "force", false, "delete orphans still inside their grace period")

	addCmd.Flags().StringVar(&flagType, "type", "reference", "workspace type: reference|session")
	setTTLCmd.Flags().BoolVar(&flagSession, "session", false, "change the session TTL instead of the reference TTL")

	searchCmd.Flags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace id (default: the primary)")
	searchCmd.Flags().IntVarP(&flagLimit, "limit", "n", 10, "maximum number of results (1-100)")
	symbolsCmd.Flags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace id (default: the primary)")

	configCmd.Flags().BoolVar(&flagWrite, "write", false, "also save the effective configuration to the config file")
}

func runIndex(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Index(cmd.Context(), flagForce)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), res, func(w io.Writer) { writeIndexResult(w, res) })
}

func runAdd(cmd *cobra.Command, args []string) error {
	wsType, err := parseAddType(flagType)
	if err != nil {
		return err
	}
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Add(cmd.Context(), args[0], wsType)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), res, func(w io.Writer) { writeIndexResult(w, res) })
}

// parseAddType accepts the workspace types add can create
func parseAddType(s string) (types.WorkspaceType, error) {
	wsType, err := types.ParseWorkspaceType(s)
	if err != nil {
		return "", err
	}
	if wsType == types.WorkspacePrimary {
		return "", fmt.Errorf("the primary workspace is indexed with index, not add")
	}
	return wsType, nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	removed, err := svc.Remove(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), removed, func(w io.Writer) {
		ui.Successf(w, "Removed %s (%s), freed %s", removed.DisplayName, removed.ID,
			humanize.Bytes(uint64(removed.IndexSizeBytes)))
	})
}

func runList(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	list := svc.List(cmd.Context())
	return output(cmd.OutOrStdout(), list, func(w io.Writer) { writeList(w, list, time.Now()) })
}

func runClean(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Clean(cmd.Context(), flagForce)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), res, func(w io.Writer) { writeClean(w, res) })
}

func runRefresh(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	var id string
	if len(args) == 1 {
		id = args[0]
	}
	res, err := svc.Refresh(cmd.Context(), id, flagForce)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), res, func(w io.Writer) { writeIndexResult(w, res) })
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	var id string
	if len(args) == 1 {
		id = args[0]
	}
	stats, err := svc.Stats(cmd.Context(), id)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), stats, func(w io.Writer) { writeStats(w, stats) })
}

func runSetTTL(cmd *cobra.Command, args []string) error {
	ttl, err := workspace.ParseTTL(args[0])
	if err != nil {
		return fmt.Errorf("invalid ttl %q: %w", args[0], err)
	}
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.SetTTL(cmd.Context(), ttl, flagSession); err != nil {
		return err
	}
	kind := "reference"
	if flagSession {
		kind = "session"
	}
	result := map[string]any{"ttl": ttl.String(), "session": flagSession}
	return output(cmd.OutOrStdout(), result, func(w io.Writer) {
		ui.Successf(w, "%s TTL set to %s", kind, ttl)
	})
}

func runSetLimit(cmd *cobra.Command, args []string) error {
	limit, err := parseLimit(args[0])
	if err != nil {
		return err
	}
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.SetLimit(cmd.Context(), int64(limit)); err != nil {
		return err
	}
	result := map[string]any{"limit_bytes": limit, "limit": humanize.Bytes(limit)}
	return output(cmd.OutOrStdout(), result, func(w io.Writer) {
		ui.Successf(w, "Size limit set to %s", humanize.Bytes(limit))
	})
}

// parseLimit parses a human readable, non-zero byte size
func parseLimit(s string) (uint64, error) {
	limit, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if limit == 0 {
		return 0, fmt.Errorf("size limit must be positive")
	}
	return limit, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	if flagLimit < 1 || flagLimit > 100 {
		return fmt.Errorf("limit must be between 1 and 100, got %d", flagLimit)
	}
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return workspace.ErrEmptyQuery
	}

	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Search(cmd.Context(), flagWorkspace, query, flagLimit)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), res, func(w io.Writer) { writeSearch(w, res) })
}

func runSymbols(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	syms, err := svc.Symbols(cmd.Context(), flagWorkspace, args[0])
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), syms, func(w io.Writer) { writeSymbols(w, syms) })
}

func runConfig(cmd *cobra.Command, args []string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if flagWrite {
		path := flagConfig
		if path == "" {
			path = config.DefaultPath(rootDir)
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		logger.Info("config.saved", "path", path)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
