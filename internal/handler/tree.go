package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Tree assembles and returns the full virtual tree for one workspace, per
// spec §4.9's get_tree(workspace_id).
//
// GET /v1/workspaces/{workspace}/tree
func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace")
	wh, err := h.workspaceHandleFor(workspaceID)
	if err != nil {
		writeError(w, statusForErr(err), "failed to open workspace")
		return
	}
	nodes, err := wh.tree.GetTree(r.Context())
	if err != nil {
		writeError(w, statusForErr(err), "failed to assemble tree")
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// ReadBlob streams a CAS blob by its content hash, optionally capped by the
// max_len query parameter, per spec §4.9's
// read_file_by_hash(workspace_id, sha256, max_len?).
//
// GET /v1/workspaces/{workspace}/blobs/{sha256}
func (h *Handler) ReadBlob(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace")
	sha256hex := chi.URLParam(r, "sha256")

	var maxLen int64
	if v := r.URL.Query().Get("max_len"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max_len must be a non-negative integer")
			return
		}
		maxLen = n
	}

	wh, err := h.workspaceHandleFor(workspaceID)
	if err != nil {
		writeError(w, statusForErr(err), "failed to open workspace")
		return
	}

	rc, size, err := wh.tree.ReadFileByHash(sha256hex, maxLen)
	if err != nil {
		writeError(w, statusForErr(err), "blob not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	io.Copy(w, rc) //nolint:errcheck
}
