package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zynqcloud/archivecas/internal/security"
)

// SubmitRequest is the POST /v1/workspaces/{workspace}/imports body, per
// spec §4.8's submit(archive_path, workspace_id, policy). TaskID, when set,
// resumes a previously issued task_id (spec §4.7's resumption scenario)
// instead of minting a fresh one — the caller's own record of a task_id
// that survived a crash or restart.
type SubmitRequest struct {
	ArchivePath string           `json:"archive_path"`
	Policy      *security.Policy `json:"policy,omitempty"`
	TaskID      string           `json:"task_id,omitempty"`
}

// SubmitResponse carries the accepted task_id.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// Submit accepts a new extraction task for one workspace and returns its
// task_id immediately; the task itself queues on the TaskCoordinator's
// concurrency semaphore, per spec §4.8.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace")

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ArchivePath == "" {
		writeError(w, http.StatusBadRequest, "archive_path is required")
		return
	}

	wh, err := h.workspaceHandleFor(workspaceID)
	if err != nil {
		h.logger.Error("submit: open workspace failed", "workspace", workspaceID, "err", err)
		writeError(w, statusForErr(err), "failed to open workspace")
		return
	}

	var taskID string
	if req.TaskID != "" {
		taskID, err = wh.coord.Resume(r.Context(), req.TaskID, workspaceID, req.ArchivePath, req.Policy)
	} else {
		taskID, err = wh.coord.Submit(r.Context(), workspaceID, req.ArchivePath, req.Policy)
	}
	if err != nil {
		writeError(w, statusForErr(err), "submit failed")
		return
	}

	h.metrics.tasksSubmitted.Inc()
	h.metrics.activeTasks.Inc()
	go h.trackTaskMetrics(wh, taskID, time.Now())

	h.logger.Info("task submitted", "workspace", workspaceID, "task_id", taskID, "archive_path", req.ArchivePath)
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: taskID})
}

// trackTaskMetrics holds its own subscription to a task's event stream
// (independent of any SSE client's) purely to drive Prometheus counters
// from the deltas in each ProgressUpdate, and to decrement activeTasks once
// the task reaches a terminal state.
func (h *Handler) trackTaskMetrics(wh *workspaceHandle, taskID string, start time.Time) {
	defer h.metrics.activeTasks.Dec()

	events, unsubscribe, err := wh.coord.Subscribe(taskID)
	if err != nil {
		return
	}
	defer unsubscribe()

	var lastFiles, lastBytes int64
	for ev := range events {
		switch {
		case ev.Progress != nil:
			if d := ev.Progress.FilesProcessed - lastFiles; d > 0 {
				h.metrics.filesProcessed.Add(float64(d))
			}
			if d := ev.Progress.BytesProcessed - lastBytes; d > 0 {
				h.metrics.bytesProcessed.Add(float64(d))
			}
			lastFiles, lastBytes = ev.Progress.FilesProcessed, ev.Progress.BytesProcessed
		case ev.Security != nil:
			h.metrics.securityEvents.WithLabelValues(ev.Security.Kind.String()).Inc()
		}
	}
	h.metrics.taskDurationSecs.Observe(time.Since(start).Seconds())
}
