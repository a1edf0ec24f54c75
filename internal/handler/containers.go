package handler

import (
	"net/http"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/manager"
)

type spawnResponse struct {
	ContainerID string  `json:"container_id"`
	Alias       *string `json:"alias,omitempty"`
	Status      string  `json:"status"`
}

// Spawn provisions a container, claiming from the warm pool when possible.
func (h *Handler) Spawn(w http.ResponseWriter, r *http.Request) {
	if h.refuseDraining(w, r) {
		return
	}

	var req struct {
		Image          string `json:"image"`
		Persistent     bool   `json:"persistent,omitempty"`
		Alias          string `json:"alias,omitempty"`
		TTLSeconds     *int64 `json:"ttl_s,omitempty"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, r, "invalid request body")
		return
	}
	if req.Image == "" {
		h.Error(w, r, apperr.New(apperr.CodeInvalidArgument, "image is required"))
		return
	}

	res, err := h.manager.Spawn(r.Context(), manager.SpawnRequest{
		Image:          req.Image,
		Alias:          req.Alias,
		Persistent:     req.Persistent,
		TTLSeconds:     req.TTLSeconds,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if res.Warm && h.warmPool != nil {
		h.warmPool.Kick()
	}

	h.JSON(w, http.StatusOK, spawnResponse{
		ContainerID: res.ContainerID,
		Alias:       res.Alias,
		Status:      res.Status,
	})
}

type attachResponse struct {
	ContainerID string   `json:"container_id"`
	Alias       *string  `json:"alias,omitempty"`
	Roots       []string `json:"roots"`
}

// Attach records a client session against an existing container.
func (h *Handler) Attach(w http.ResponseWriter, r *http.Request) {
	if h.refuseDraining(w, r) {
		return
	}

	var req struct {
		Target     string `json:"target"`
		ClientName string `json:"client_name"`
		SessionID  string `json:"session_id"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, r, "invalid request body")
		return
	}

	res, err := h.manager.Attach(r.Context(), req.Target, req.ClientName, req.SessionID)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, attachResponse{
		ContainerID: res.ContainerID,
		Alias:       res.Alias,
		Roots:       res.Roots,
	})
}

// Kill stops and removes a container. Killing an already-stopped container
// reports its terminal status without error.
func (h *Handler) Kill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"container_id"`
		Force       bool   `json:"force,omitempty"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, r, "invalid request body")
		return
	}

	status, err := h.manager.Kill(r.Context(), req.ContainerID, req.Force)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": status})
}

// ListContainers returns every container row, live and terminal.
func (h *Handler) ListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := h.manager.List(r.Context())
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"containers": containers})
}
