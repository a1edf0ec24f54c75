package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devbench-ai/devbench/internal/exec"
	"github.com/devbench-ai/devbench/internal/model"
)

// ExecStart launches a command asynchronously inside a container; output is
// collected through ExecPoll.
func (h *Handler) ExecStart(w http.ResponseWriter, r *http.Request) {
	if h.refuseDraining(w, r) {
		return
	}

	var req struct {
		ContainerID    string            `json:"container_id"`
		Cmd            []string          `json:"cmd"`
		Cwd            string            `json:"cwd,omitempty"`
		Env            map[string]string `json:"env,omitempty"`
		AsRoot         bool              `json:"as_root,omitempty"`
		TimeoutSeconds int64             `json:"timeout_s,omitempty"`
		IdempotencyKey string            `json:"idempotency_key,omitempty"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, r, "invalid request body")
		return
	}

	// Get folds in the runtime's live view, so a container that died since
	// its last transition is refused here rather than at exec attach.
	c, err := h.manager.Get(r.Context(), req.ContainerID)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	execution, err := h.engine.Start(r.Context(), c, exec.StartRequest{
		Argv:           req.Cmd,
		Cwd:            req.Cwd,
		Env:            req.Env,
		AsRoot:         req.AsRoot,
		TimeoutSeconds: req.TimeoutSeconds,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{
		"exec_id": execution.ID,
		"status":  execution.Status,
	})
}

// ExecCancel requests cancellation. Cancelling a terminal execution is a
// no-op that reports the terminal status.
func (h *Handler) ExecCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExecID string `json:"exec_id"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, r, "invalid request body")
		return
	}

	status, err := h.engine.Cancel(r.Context(), req.ExecID, "")
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"exec_id": req.ExecID,
	})
}

// execMessage is the wire form of one output frame. Payload bytes ride as
// strings; invalid UTF-8 is replaced during JSON encoding while usage keeps
// the exact byte counts.
type execMessage struct {
	Seq      uint64       `json:"seq"`
	Stream   string       `json:"stream"`
	Data     string       `json:"data,omitempty"`
	TS       time.Time    `json:"ts"`
	ExitCode *int         `json:"exit_code,omitempty"`
	Usage    *model.Usage `json:"usage,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

type execPollResponse struct {
	Messages   []execMessage `json:"messages"`
	Complete   bool          `json:"complete"`
	GapFromSeq uint64        `json:"gap_from_seq,omitempty"`
}

// ExecPoll returns buffered output frames after a cursor.
func (h *Handler) ExecPoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExecID   string `json:"exec_id"`
		AfterSeq uint64 `json:"after_seq,omitempty"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, r, "invalid request body")
		return
	}

	res, err := h.engine.Poll(r.Context(), req.ExecID, req.AfterSeq)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	out := execPollResponse{
		Messages:   make([]execMessage, 0, len(res.Frames)),
		Complete:   res.Complete,
		GapFromSeq: res.GapFromSeq,
	}
	for _, f := range res.Frames {
		out.Messages = append(out.Messages, execMessage{
			Seq:      f.Seq,
			Stream:   f.Stream,
			Data:     string(f.Data),
			TS:       f.TS,
			ExitCode: f.ExitCode,
			Usage:    f.Usage,
			Reason:   f.Reason,
		})
	}

	h.JSON(w, http.StatusOK, out)
}

// ListExecs returns execution rows, optionally filtered by container and
// status, newest first.
func (h *Handler) ListExecs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var statuses []string
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, s)
			}
		}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.badRequest(w, r, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	execs, err := h.store.ListExecutions(r.Context(), q.Get("container_id"), statuses, limit)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"execs": execs})
}
