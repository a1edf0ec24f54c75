package handler

import (
	"net/http"
	"time"

	"github.com/devbench-ai/devbench/internal/workspace"
)

type fsReadResponse struct {
	Path    string    `json:"path"`
	Content string    `json:"content"`
	Size    int64     `json:"size"`
	ETag    string    `json:"etag"`
	Mtime   time.Time `json:"mtime"`
	Mime    string    `json:"mime_type,omitempty"`
}

// FSRead returns the content and metadata of one file. Content travels as a
// string; invalid UTF-8 is replaced during encoding. Binary-exact transfer
// goes through tar_export.
func (h *Handler) FSRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"container_id"`
		Path        string `json:"path"`
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

	res, err := h.gateway.Read(r.Context(), c, req.Path)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, fsReadResponse{
		Path:    res.Info.Path,
		Content: string(res.Content),
		Size:    res.Info.Size,
		ETag:    res.Info.ETag,
		Mtime:   res.Info.Mtime,
		Mime:    res.Info.Mime,
	})
}

// FSWrite stores content atomically, honoring an if_match_etag precondition.
func (h *Handler) FSWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"container_id"`
		Path        string `json:"path"`
		Content     string `json:"content"`
		IfMatchETag string `json:"if_match_etag,omitempty"`
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

	info, err := h.gateway.Write(r.Context(), c, req.Path, []byte(req.Content), req.IfMatchETag)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"etag": info.ETag,
		"size": info.Size,
	})
}

// FSDelete removes a file or, with recursive set, a directory tree.
func (h *Handler) FSDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"container_id"`
		Path        string `json:"path"`
		Recursive   bool   `json:"recursive,omitempty"`
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

	if err := h.gateway.Delete(r.Context(), c, req.Path, req.Recursive); err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// FSStat returns metadata for one path.
func (h *Handler) FSStat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"container_id"`
		Path        string `json:"path"`
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

	info, err := h.gateway.Stat(r.Context(), c, req.Path)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, info)
}

// FSList returns directory entries with stat-level metadata.
func (h *Handler) FSList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"container_id"`
		Path        string `json:"path"`
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

	entries, err := h.gateway.List(r.Context(), c, req.Path)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type fsBatchOp struct {
	Op          string `json:"op"`
	Path        string `json:"path"`
	Content     string `json:"content,omitempty"`
	IfMatchETag string `json:"if_match_etag,omitempty"`
	Recursive   bool   `json:"recursive,omitempty"`
}

type fsBatchResult struct {
	Op      string              `json:"op"`
	Path    string              `json:"path"`
	Content string              `json:"content,omitempty"`
	Info    *workspace.FileInfo `json:"info,omitempty"`
}

func batchResultsToWire(results []workspace.BatchResult) []fsBatchResult {
	out := make([]fsBatchResult, 0, len(results))
	for _, res := range results {
		out = append(out, fsBatchResult{
			Op:      res.Op,
			Path:    res.Path,
			Content: string(res.Content),
			Info:    res.Info,
		})
	}
	return out
}

// FSBatch runs grouped filesystem steps in order with etag preflight. A
// failure stops the batch; the error envelope names the failing entry and
// the steps that had completed.
func (h *Handler) FSBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string      `json:"container_id"`
		Ops         []fsBatchOp `json:"ops"`
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

	ops := make([]workspace.BatchOp, 0, len(req.Ops))
	for _, op := range req.Ops {
		ops = append(ops, workspace.BatchOp{
			Op:          op.Op,
			Path:        op.Path,
			Content:     []byte(op.Content),
			IfMatchETag: op.IfMatchETag,
			Recursive:   op.Recursive,
		})
	}

	results, err := h.gateway.Batch(r.Context(), c, ops)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"results": batchResultsToWire(results)})
}
