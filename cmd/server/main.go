package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/zynqcloud/archivecas/internal/config"
	"github.com/zynqcloud/archivecas/internal/handler"
	"github.com/zynqcloud/archivecas/internal/workspace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration error", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o750); err != nil {
		logger.Error("failed to create workspace root", "err", err, "dir", cfg.WorkspaceDir)
		os.Exit(1)
	}

	// Root context — cancelled when a shutdown signal arrives. Every
	// workspace's periodic temp-sweep goroutine (internal/handler,
	// internal/workspace) receives this context so they stop cleanly without
	// needing their own signal wiring.
	ctx, cancel := context.WithCancel(context.Background())

	readinessDone := runReadinessPoll(ctx, cfg, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler.New(ctx, cfg, logger),
		// ReadHeaderTimeout closes Slowloris: a client that never finishes
		// sending headers holds a goroutine until this fires.
		ReadHeaderTimeout: 10 * time.Second,
		// ReadTimeout and WriteTimeout are intentionally disabled (0 = no
		// limit): a multi-gigabyte nested archive submitted over a slow link,
		// or a long read_file_by_hash stream, must not be silently aborted by
		// a finite deadline. The SSE progress endpoint holds its connection
		// open for a task's whole lifetime for the same reason.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("ingestion service starting",
			"port", cfg.Port,
			"workspace_dir", cfg.WorkspaceDir,
			"max_workers", cfg.MaxWorkers,
			"max_concurrent_submits", cfg.MaxConcurrentSubmits,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// shutdownSignals is defined in signals.go (os.Interrupt) and extended by
	// signals_unix.go (+ SIGTERM) via build tags — no OS-specific imports here.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, shutdownSignals...)
	<-quit

	logger.Info("shutdown signal received — draining connections")

	// Cancel the root context first so background goroutines (workspace
	// sweeps, the readiness poller) stop accepting new work before the HTTP
	// server drains.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}

	<-readinessDone

	logger.Info("ingestion service stopped")
}

// runReadinessPoll periodically logs disk-space headroom for the workspace
// root at config.PollCheckpointInterval, so an operator sees a warning in
// the logs before /healthz/ready starts failing rather than only at the
// moment it does.
func runReadinessPoll(ctx context.Context, cfg *config.Config, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(config.PollCheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := workspace.Readiness(cfg.WorkspaceDir)
				if stats.TotalBytes > 0 && stats.AvailableBytes < uint64(cfg.MinFreeBytes) {
					logger.Warn("workspace disk space below configured minimum",
						"available_bytes", stats.AvailableBytes, "min_free_bytes", cfg.MinFreeBytes)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
