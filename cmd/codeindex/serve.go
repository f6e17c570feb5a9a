package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeindex-mcp/internal/mcp"
	"github.com/dshills/codeindex-mcp/internal/storage"
)

var (
	flagMetricsAddr  string
	flagWatch        bool
	flagIndexOnStart bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools over stdio",
	Long: "Speaks the Model Context Protocol on stdin/stdout. The primary workspace is indexed on\n" +
		"start and re-indexed as files change; eviction sweeps run in the background.\n" +
		"Logs go to stderr.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "HTTP address for Prometheus metrics (default: metrics.addr)")
	serveCmd.Flags().BoolVar(&flagWatch, "watch", true, "re-index the primary workspace when its files change")
	serveCmd.Flags().BoolVar(&flagIndexOnStart, "index", true, "index the primary workspace on start")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logger.Info("serve.start", "version", version, "root", rootDir,
		"build_mode", storage.BuildMode, "driver", storage.DriverName)

	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("serve.close_failed", "error", err)
		}
	}()

	if flagWatch {
		if err := svc.StartWatching(ctx); err != nil {
			logger.Warn("serve.watch_failed", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if flagIndexOnStart {
		g.Go(func() error {
			res, err := svc.Index(gctx, false)
			if err != nil {
				logger.Warn("serve.initial_index_failed", "error", err)
				return nil
			}
			logger.Info("serve.initial_index_done",
				"files_changed", res.Stats.FilesChanged,
				"symbols", res.Stats.SymbolsExtracted,
				"duration", res.Stats.Duration)
			return nil
		})
	}

	g.Go(func() error {
		if err := svc.RunEviction(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	addr := flagMetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr) })
	}

	g.Go(func() error {
		defer cancel()
		logger.Info("serve.ready", "transport", "stdio")
		server := mcp.NewServer(svc)
		err := server.Serve(gctx, os.Stdin, os.Stdout, log.New(cmd.ErrOrStderr(), "mcp: ", log.LstdFlags))
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err = g.Wait()
	logger.Info("serve.stopped")
	return err
}

// serveMetrics exposes the Prometheus registry on addr until ctx ends
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics.http.start", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics.http.error", "err", err)
		return err
	}
	return nil
}
