package handler

import (
	"io"
	"net/http"
)

// TarExport streams a gzipped tar of a workspace subtree. Globs are applied
// server-side; the response body is chunked.
func (h *Handler) TarExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID  string   `json:"container_id"`
		Path         string   `json:"path"`
		IncludeGlobs []string `json:"include_globs,omitempty"`
		ExcludeGlobs []string `json:"exclude_globs,omitempty"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, r, "invalid request body")
		return
	}

	c, err := h.manager.Resolve(r.Context(), req.ContainerID)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	rc, err := h.gateway.TarExport(r.Context(), c, req.Path, req.IncludeGlobs, req.ExcludeGlobs)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is note the broken stream.
		h.logger.Warn("tar export stream aborted",
			"container_id", c.ID, "path", req.Path, "error", err)
	}
}

// TarImport unpacks a tar (optionally gzipped) request body under dest.
// The archive rides in the body, so the target comes from query parameters.
func (h *Handler) TarImport(w http.ResponseWriter, r *http.Request) {
	if h.refuseDraining(w, r) {
		return
	}

	q := r.URL.Query()
	c, err := h.manager.Resolve(r.Context(), q.Get("container_id"))
	if err != nil {
		h.Error(w, r, err)
		return
	}

	summary, err := h.gateway.TarImport(r.Context(), c, q.Get("dest"), r.Body)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, summary)
}
