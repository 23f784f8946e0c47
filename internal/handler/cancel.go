package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Cancel requests cooperative cancellation of a running or queued task, per
// spec §4.8. taskId alone is enough to locate the task — tasks are looked
// up by ID across all open workspaces.
//
// DELETE /v1/tasks/{taskId}
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	h.mu.Lock()
	handles := make([]*workspaceHandle, 0, len(h.workspaces))
	for _, wh := range h.workspaces {
		handles = append(handles, wh)
	}
	h.mu.Unlock()

	for _, wh := range handles {
		if err := wh.coord.Cancel(taskID); err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}
