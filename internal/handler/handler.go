// Package handler exposes the tool-RPC surface over HTTP. Every tool is a
// POST with a typed JSON body (or a GET for read-only diagnostics); errors
// leave with a stable taxonomy code and a one-line message.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/exec"
	"github.com/devbench-ai/devbench/internal/manager"
	"github.com/devbench-ai/devbench/internal/reconcile"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/shutdown"
	"github.com/devbench-ai/devbench/internal/store"
	"github.com/devbench-ai/devbench/internal/workspace"
)

// Handler contains all tool-RPC handlers
type Handler struct {
	store       *store.Store
	cfg         *config.Config
	rt          runtime.Runtime
	manager     *manager.Manager
	engine      *exec.Engine
	gateway     *workspace.Gateway
	reconciler  *reconcile.Reconciler
	maintenance *reconcile.Maintenance
	warmPool    *reconcile.WarmPool
	coordinator *shutdown.Coordinator
	logger      *slog.Logger
}

// New creates a new Handler. warmPool and coordinator may be nil when the
// warm pool is disabled or no drain coordination is wanted (tests).
func New(
	s *store.Store,
	cfg *config.Config,
	rt runtime.Runtime,
	mgr *manager.Manager,
	engine *exec.Engine,
	gateway *workspace.Gateway,
	reconciler *reconcile.Reconciler,
	maintenance *reconcile.Maintenance,
	warmPool *reconcile.WarmPool,
	coordinator *shutdown.Coordinator,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:       s,
		cfg:         cfg,
		rt:          rt,
		manager:     mgr,
		engine:      engine,
		gateway:     gateway,
		reconciler:  reconciler,
		maintenance: maintenance,
		warmPool:    warmPool,
		coordinator: coordinator,
		logger:      logger.With("component", "handler"),
	}
}

// errorBody is the wire form of a failed tool call.
type errorBody struct {
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Batch         *batchFailure `json:"batch,omitempty"`
}

// batchFailure carries per-entry detail when an fs_batch stops early.
type batchFailure struct {
	Index     int             `json:"index"`
	Op        string          `json:"op"`
	Path      string          `json:"path"`
	Completed []fsBatchResult `json:"completed"`
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error maps err onto the taxonomy and writes the error envelope.
func (h *Handler) Error(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	body := errorBody{
		Code:    string(code),
		Message: apperr.MessageOf(err),
	}
	if code == apperr.CodeInternal {
		body.CorrelationID = chimiddleware.GetReqID(r.Context())
		h.logger.Error("tool call failed",
			"path", r.URL.Path, "correlation_id", body.CorrelationID, "error", err)
	}
	var be *workspace.BatchError
	if errors.As(err, &be) {
		body.Batch = &batchFailure{
			Index:     be.Index,
			Op:        be.Op,
			Path:      be.Path,
			Completed: batchResultsToWire(be.Completed),
		}
	}
	h.JSON(w, apperr.HTTPStatus(code), map[string]errorBody{"error": body})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// badRequest reports a malformed body through the normal error path.
func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	h.Error(w, r, apperr.New(apperr.CodeInvalidArgument, "%s", msg))
}

// refuseDraining rejects work-creating tools once shutdown has begun.
// Poll, cancel, kill and the read-only tools stay available so clients can
// collect final frames and detach cleanly.
func (h *Handler) refuseDraining(w http.ResponseWriter, r *http.Request) bool {
	if h.coordinator != nil && h.coordinator.Draining() {
		h.Error(w, r, apperr.New(apperr.CodeRuntimeUnavailable, "server is draining"))
		return true
	}
	return false
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
