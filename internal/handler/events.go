package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zynqcloud/archivecas/internal/coordinator"
)

// Events streams a task's ProgressUpdate/SecurityEvent records as
// Server-Sent Events, one JSON-encoded coordinator.Event per "data:" line.
// Only events published after the client subscribes are sent; earlier ones
// are not replayed.
// Each update already carries a monotonic version (spec §4.8), so a
// reconnecting client can discard anything at or below the last version it
// saw.
//
// GET /v1/tasks/{taskId}/events
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h.mu.Lock()
	handles := make([]*workspaceHandle, 0, len(h.workspaces))
	for _, wh := range h.workspaces {
		handles = append(handles, wh)
	}
	h.mu.Unlock()

	var events <-chan coordinator.Event
	var unsubscribe func()
	for _, wh := range handles {
		c, u, err := wh.coord.Subscribe(taskID)
		if err == nil {
			events, unsubscribe = c, u
			break
		}
	}
	if events == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
