package handler

import (
	"net/http"

	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/version"
)

type statusResponse struct {
	Status            string `json:"status"`
	RuntimeConnected  bool   `json:"runtime_connected"`
	DatabaseReady     bool   `json:"database_ready"`
	ActiveContainers  int64  `json:"active_containers"`
	ActiveAttachments int64  `json:"active_attachments"`
	Version           string `json:"version"`
}

// Status reports server health: runtime and database reachability plus
// container and attachment counts.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	res := statusResponse{Version: version.Get()}

	res.RuntimeConnected = h.rt.Ping(r.Context()) == nil

	counts, err := h.store.CountContainersByStatus(r.Context())
	if err == nil {
		res.DatabaseReady = true
		res.ActiveContainers = counts[model.ContainerStatusRunning]
	}
	if n, err := h.store.CountActiveAttachments(r.Context()); err == nil {
		res.ActiveAttachments = n
	}

	switch {
	case h.coordinator != nil && h.coordinator.Draining():
		res.Status = "draining"
	case !res.RuntimeConnected || !res.DatabaseReady:
		res.Status = "degraded"
	default:
		res.Status = "ok"
	}

	h.JSON(w, http.StatusOK, res)
}

// Reconcile runs an on-demand reconciliation pass and reports what changed.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, stats)
}

// GC runs the maintenance pass on demand and reports what it removed.
func (h *Handler) GC(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.maintenance.RunGC(r.Context()))
}
