// Package workspace owns the on-disk layout and lifecycle of one ingestion
// workspace: its CAS root, its SQLite metadata database, and its checkpoint
// directory, plus the housekeeping that keeps them healthy across restarts.
//
// Grounded on the teacher's internal/store.NewLocal (MkdirAll + filepath.Abs
// root resolution) and internal/cleanup's periodic-sweep/retry-tolerant
// removal idiom, both generalized from a single upload-session directory to
// a full workspace tree.
package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zynqcloud/archivecas/internal/cas"
	"github.com/zynqcloud/archivecas/internal/checkpoint"
	"github.com/zynqcloud/archivecas/internal/errs"
	"github.com/zynqcloud/archivecas/internal/metadata"
	"github.com/zynqcloud/archivecas/internal/pathmgr"
)

const (
	objectsDirName     = "objects"
	checkpointsDirName = "checkpoints"
	metadataFileName   = "metadata.db"
)

// Workspace bundles the storage components scoped to one workspace_id.
type Workspace struct {
	ID          string
	Root        string
	CAS         *cas.Store
	Meta        *metadata.Store
	PathMgr     *pathmgr.Manager
	Checkpoints *checkpoint.Store
}

// Open creates (if needed) and wires up a workspace rooted at root: an
// objects/ CAS tree, a metadata.db SQLite connection, a checkpoints/
// directory, and a PathManager bound to workspaceID. Any orphaned CAS temp
// files from a prior crash are swept before Open returns, per spec §4.1.
func Open(ctx context.Context, root, workspaceID string, pathCfg pathmgr.Config) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "workspace: resolve root", err)
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, errs.Wrap(errs.KindIO, "workspace: create root", err).WithContext("root", absRoot)
	}

	store, err := cas.New(filepath.Join(absRoot, objectsDirName))
	if err != nil {
		return nil, err
	}
	if err := store.SweepTemp(); err != nil {
		return nil, errs.Wrap(errs.KindIO, "workspace: sweep orphan temp files", err)
	}

	meta, err := metadata.Open(ctx, filepath.Join(absRoot, metadataFileName))
	if err != nil {
		return nil, err
	}

	pm, err := pathmgr.New(meta, workspaceID, pathCfg)
	if err != nil {
		meta.Close()
		return nil, err
	}

	cp, err := checkpoint.Open(filepath.Join(absRoot, checkpointsDirName))
	if err != nil {
		meta.Close()
		return nil, err
	}

	return &Workspace{ID: workspaceID, Root: absRoot, CAS: store, Meta: meta, PathMgr: pm, Checkpoints: cp}, nil
}

// Close releases the workspace's metadata connection. The CAS and checkpoint
// stores hold no open handles between calls, so only Meta needs closing.
func (w *Workspace) Close() error {
	return w.Meta.Close()
}

// removeRetryDelays mirrors the teacher's observation that a just-closed
// SQLite file or a CAS blob held open by a straggling reader can transiently
// fail os.RemoveAll; a short retry-with-backoff absorbs that without the
// caller needing to know about it.
var removeRetryDelays = []time.Duration{0, 20 * time.Millisecond, 100 * time.Millisecond, 500 * time.Millisecond}

// Delete closes the workspace and removes its entire directory tree,
// retrying removal with backoff since a recently-closed database file can
// remain transiently locked on some filesystems.
func Delete(w *Workspace) error {
	if err := w.Close(); err != nil {
		return errs.Wrap(errs.KindIO, "workspace: close before delete", err)
	}

	var lastErr error
	for _, delay := range removeRetryDelays {
		if delay > 0 {
			time.Sleep(delay)
		}
		lastErr = os.RemoveAll(w.Root)
		if lastErr == nil {
			return nil
		}
	}
	return errs.Wrap(errs.KindIO, "workspace: remove root after retries", lastErr).WithContext("root", w.Root)
}

// Stats reports disk-space readiness for a workspace's root filesystem.
type Stats struct {
	AvailableBytes uint64
	TotalBytes     uint64
}

// Readiness reports disk space available to the filesystem backing root. A
// zero Stats means the platform doesn't support the stat call (non-Linux);
// callers should treat that as "unknown," not "full."
func Readiness(root string) Stats {
	avail, total := diskStats(root)
	return Stats{AvailableBytes: avail, TotalBytes: total}
}

// RunPeriodicSweep starts a background goroutine that sweeps ws's CAS temp
// directory for crash orphans on every interval, until ctx is cancelled.
// Grounded on the teacher's cleanup.RunPeriodic: an immediate first pass
// plus a ticker loop selecting on ctx.Done().
func RunPeriodicSweep(ctx context.Context, ws *Workspace, interval time.Duration, logger *slog.Logger) {
	go func() {
		sweepOnce(ws, logger)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweepOnce(ws, logger)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func sweepOnce(ws *Workspace, logger *slog.Logger) {
	if err := ws.CAS.SweepTemp(); err != nil {
		logger.Warn("workspace: periodic sweep failed", "workspace_id", ws.ID, "err", err)
	}
}
