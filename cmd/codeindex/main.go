package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/ui"
	"github.com/dshills/codeindex-mcp/internal/workspace"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	flagRoot     string
	flagConfig   string
	flagLogLevel string
	flagFormat   string
	flagNoColor  bool
)

// Resolved by the root command before any subcommand runs.
var (
	rootDir string
	cfg     *config.Config
	logger  *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ui.Errorf(os.Stderr, "%s", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codeindex",
	Short: "Multi-workspace code index with an MCP server",
	Long: "codeindex extracts symbols and relationships from source trees into one SQLite store per workspace.\n" +
		"The primary workspace is the project root; reference and session workspaces are added on demand\n" +
		"and evicted by TTL and a total size limit.",
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.SetVersionTemplate(versionText())

	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "primary workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: <root>/.julie/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log.level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: json|text")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(indexCmd, addCmd, removeCmd, listCmd, cleanCmd, refreshCmd,
		statsCmd, setTTLCmd, setLimitCmd, searchCmd, symbolsCmd, configCmd, serveCmd)
}

func versionText() string {
	return fmt.Sprintf("codeindex %s\nBuild Time: %s\nBuild Mode: %s\nSQLite Driver: %s\n",
		version, buildTime, storage.BuildMode, storage.DriverName)
}

// setup resolves the root, loads the configuration and builds the logger
func setup(cmd *cobra.Command, args []string) error {
	if err := validateFormat(flagFormat); err != nil {
		return err
	}
	ui.InitColors(flagNoColor)

	root, err := resolveRoot(flagRoot)
	if err != nil {
		return err
	}

	path := flagConfig
	if path == "" {
		path = config.DefaultPath(root)
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if flagLogLevel != "" {
		c.Log.Level = flagLogLevel
		if err := c.Validate(); err != nil {
			return err
		}
	}

	rootDir = root
	cfg = c
	// stdout is reserved for command output and the MCP protocol
	logger = c.NewLogger(cmd.ErrOrStderr())
	return nil
}

func validateFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid format %q: must be json or text", format)
	}
}

// resolveRoot returns the absolute primary root, defaulting to the
// working directory
func resolveRoot(root string) (string, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", abs)
	}
	return abs, nil
}

func openService(cmd *cobra.Command) (*workspace.Service, error) {
	return workspace.Open(cmd.Context(), rootDir, cfg, logger)
}

// output writes v as indented JSON or calls text
func output(w io.Writer, v any, text func(io.Writer)) error {
	if flagFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
