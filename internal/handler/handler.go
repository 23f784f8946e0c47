// Package handler is the ingestion core's HTTP front door: submit, cancel,
// progress (SSE), tree, and read endpoints, per SPEC_FULL.md §4.10.
//
// Generalises the teacher's internal/handler package — same Handler struct
// holding shared dependencies, same writeJSON/writeError response helpers,
// same auth/logging/limiter middleware stack — from a single-store upload
// API to a multi-workspace archive ingestion API. Routing moves from the
// teacher's bare net/http.ServeMux to github.com/go-chi/chi/v5 (used
// elsewhere in the retrieved corpus for services with this many routes),
// which also brings chi/middleware's request-ID and panic-recovery
// middleware — the latter a second line of defense alongside the
// TaskCoordinator's own per-task recover() (internal/coordinator), since an
// HTTP handler itself (JSON decode, path parsing) can panic independently
// of any extraction task.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zynqcloud/archivecas/internal/cas"
	"github.com/zynqcloud/archivecas/internal/codec"
	codecgz "github.com/zynqcloud/archivecas/internal/codec/gz"
	codecrar "github.com/zynqcloud/archivecas/internal/codec/rar"
	codecsevenz "github.com/zynqcloud/archivecas/internal/codec/sevenz"
	codectar "github.com/zynqcloud/archivecas/internal/codec/tar"
	codeczip "github.com/zynqcloud/archivecas/internal/codec/zip"
	"github.com/zynqcloud/archivecas/internal/config"
	"github.com/zynqcloud/archivecas/internal/coordinator"
	"github.com/zynqcloud/archivecas/internal/engine"
	"github.com/zynqcloud/archivecas/internal/errs"
	"github.com/zynqcloud/archivecas/internal/middleware"
	"github.com/zynqcloud/archivecas/internal/pathmgr"
	"github.com/zynqcloud/archivecas/internal/tree"
	"github.com/zynqcloud/archivecas/internal/workspace"
)

// Handler holds shared dependencies for every route. One Handler serves
// every workspace; each workspace's Engine/Coordinator/tree.API is opened
// lazily and cached in workspaces.
type Handler struct {
	ctx     context.Context // server lifetime; bounds each workspace's periodic sweep goroutine
	cfg     *config.Config
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	workspaces map[string]*workspaceHandle
}

// sweepInterval is how often an open workspace's CAS temp directory is
// swept for crash orphans in the background, per workspace.RunPeriodicSweep.
const sweepInterval = 5 * time.Minute

// workspaceHandle bundles one open workspace's ingestion stack.
type workspaceHandle struct {
	ws    *workspace.Workspace
	coord *coordinator.Coordinator
	tree  *tree.API
}

// New wires dependencies and registers all routes, returning the root
// http.Handler, mirroring the teacher's New(cfg, backend, logger) shape.
// ctx bounds the lifetime of background goroutines opened workspaces start
// (periodic temp-file sweeps); it is the same root context main() cancels
// on shutdown.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) http.Handler {
	h := &Handler{
		ctx:        ctx,
		cfg:        cfg,
		logger:     logger,
		metrics:    newMetrics(),
		workspaces: make(map[string]*workspaceHandle),
	}

	auth := middleware.ServiceToken(cfg.ServiceToken)
	logMW := middleware.RequestLog(logger)
	limiter := middleware.NewSubmitLimiter(cfg.MaxConcurrentSubmits)

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.With(auth).Get("/healthz/ready", h.Readiness)
	r.With(auth).Handle("/metrics", h.metrics.handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.With(limiter.Limit).Post("/workspaces/{workspace}/imports", h.Submit)
		r.Delete("/tasks/{taskId}", h.Cancel)
		r.Get("/tasks/{taskId}/events", h.Events)
		r.Get("/workspaces/{workspace}/tree", h.Tree)
		r.Get("/workspaces/{workspace}/blobs/{sha256}", h.ReadBlob)
	})

	return logMW(r)
}

// workspaceHandleFor lazily opens (and caches) the ingestion stack for
// workspaceID, rooted at cfg.WorkspaceDir/<workspaceID>.
func (h *Handler) workspaceHandleFor(workspaceID string) (*workspaceHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if wh, ok := h.workspaces[workspaceID]; ok {
		return wh, nil
	}

	root := filepath.Join(h.cfg.WorkspaceDir, workspaceID)
	// Workspace lifetime spans many requests, so it is bootstrapped against
	// Background rather than any one request's context.
	ws, err := workspace.Open(context.Background(), root, workspaceID, pathmgr.Config{})
	if err != nil {
		return nil, err
	}

	eng := &engine.Engine{
		CAS:         ws.CAS,
		Meta:        ws.Meta,
		PathMgr:     ws.PathMgr,
		Registry:    codec.NewRegistry(codeczip.New(), codectar.New(), codecgz.New(), codecrar.New(), codecsevenz.New()),
		Checkpoints: ws.Checkpoints,
		Policy:      h.cfg.Policy,
	}

	workspace.RunPeriodicSweep(h.ctx, ws, sweepInterval, h.logger)

	wh := &workspaceHandle{
		ws:    ws,
		coord: coordinator.New(eng, h.cfg.MaxWorkers, h.logger),
		tree:  tree.New(ws.Meta, ws.CAS),
	}
	h.workspaces[workspaceID] = wh
	return wh, nil
}

// Readiness is the Kubernetes readiness probe handler: process is alive and
// the workspace root is accessible with adequate free disk space.
func (h *Handler) Readiness(w http.ResponseWriter, _ *http.Request) {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
		Msg  string `json:"msg,omitempty"`
	}
	var checks []check
	allOK := true

	if _, err := os.Stat(h.cfg.WorkspaceDir); err != nil {
		checks = append(checks, check{"workspace_dir_accessible", false, "stat failed"})
		allOK = false
	} else {
		checks = append(checks, check{"workspace_dir_accessible", true, ""})
	}

	stats := workspace.Readiness(h.cfg.WorkspaceDir)
	if stats.TotalBytes > 0 {
		if stats.AvailableBytes < uint64(h.cfg.MinFreeBytes) {
			checks = append(checks, check{"disk_space", false, "below configured minimum"})
			allOK = false
		} else {
			checks = append(checks, check{"disk_space", true, ""})
		}
	}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": allOK, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForErr maps an internal/errs.Kind to an HTTP status, per
// SPEC_FULL.md §7 ("HTTP handlers map ErrorKind to status codes the same
// way the teacher's writeError helper maps failures to JSON bodies").
func statusForErr(err error) int {
	var e *errs.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind() {
	case errs.KindIO:
		return http.StatusNotFound
	case errs.KindSecurity:
		return http.StatusUnprocessableEntity
	case errs.KindConfig:
		return http.StatusBadRequest
	case errs.KindCancelled:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
