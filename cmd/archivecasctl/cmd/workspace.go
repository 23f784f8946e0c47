package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/zynqcloud/archivecas/internal/codec"
	codecgz "github.com/zynqcloud/archivecas/internal/codec/gz"
	codecrar "github.com/zynqcloud/archivecas/internal/codec/rar"
	codecsevenz "github.com/zynqcloud/archivecas/internal/codec/sevenz"
	codectar "github.com/zynqcloud/archivecas/internal/codec/tar"
	codeczip "github.com/zynqcloud/archivecas/internal/codec/zip"
	"github.com/zynqcloud/archivecas/internal/config"
	"github.com/zynqcloud/archivecas/internal/engine"
	"github.com/zynqcloud/archivecas/internal/pathmgr"
	"github.com/zynqcloud/archivecas/internal/workspace"
)

// cliWorkspace bundles an opened workspace plus the Engine built against it,
// mirroring internal/handler's workspaceHandleFor but scoped to one CLI
// invocation instead of a long-lived server process.
type cliWorkspace struct {
	ws  *workspace.Workspace
	eng *engine.Engine
}

func openWorkspace(ctx context.Context) (*cliWorkspace, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	ws, err := workspace.Open(ctx, filepath.Join(workspaceDir, workspaceID), workspaceID, pathmgr.Config{})
	if err != nil {
		return nil, err
	}

	eng := &engine.Engine{
		CAS:         ws.CAS,
		Meta:        ws.Meta,
		PathMgr:     ws.PathMgr,
		Registry:    codec.NewRegistry(codeczip.New(), codectar.New(), codecgz.New(), codecrar.New(), codecsevenz.New()),
		Checkpoints: ws.Checkpoints,
		Policy:      cfg.Policy,
	}
	return &cliWorkspace{ws: ws, eng: eng}, nil
}

func (c *cliWorkspace) Close() error {
	return c.ws.Close()
}

func cliLogger() *slog.Logger {
	return slog.Default()
}

func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}
