package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/database"
	"github.com/devbench-ai/devbench/internal/exec"
	"github.com/devbench-ai/devbench/internal/manager"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/policy"
	"github.com/devbench-ai/devbench/internal/reconcile"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/runtime/mock"
	"github.com/devbench-ai/devbench/internal/shutdown"
	"github.com/devbench-ai/devbench/internal/store"
	"github.com/devbench-ai/devbench/internal/workspace"
)

// testEnv holds the handler test environment
type testEnv struct {
	Store       *store.Store
	RT          *mock.Provider
	Manager     *manager.Manager
	Engine      *exec.Engine
	Coordinator *shutdown.Coordinator
	Handler     *Handler
	Cleanup     func()
}

func testSetup(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:       fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()),
		DatabaseDriver:    "sqlite",
		AllowedRegistries: []string{"docker.io", "ghcr.io"},
		WorkspaceMount:    "/workspace",
		MemoryLimitBytes:  2 << 30,
		CPULimit:          2.0,
		PidsLimit:         512,
		NetworkMode:       "bridge",
		ExecsPerContainer: 4,
		DrainGrace:        200 * time.Millisecond,
		TransientGCDays:   7,
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	pol, err := policy.NewResolver(cfg)
	if err != nil {
		t.Fatalf("Failed to build policy resolver: %v", err)
	}

	st := store.New(db.DB)
	rt := mock.NewProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditLog := audit.New(logger)

	engine := exec.NewEngine(st, rt, auditLog, logger, exec.Options{
		SlotsPerContainer: cfg.ExecsPerContainer,
		DefaultTimeout:    5 * time.Second,
		KillGrace:         50 * time.Millisecond,
	})
	mgr := manager.New(st, rt, pol, engine, cfg, auditLog, logger)
	gw := workspace.New(rt, cfg.WorkspaceMount, 0, auditLog, logger)
	reconciler := reconcile.NewReconciler(st, rt, cfg, auditLog, logger)
	maintenance := reconcile.NewMaintenance(st, rt, db, engine, mgr, cfg, auditLog, logger)
	coordinator := shutdown.New(st, engine, mgr, cfg, auditLog, logger)

	h := New(st, cfg, rt, mgr, engine, gw, reconciler, maintenance, nil, coordinator, logger)

	return &testEnv{
		Store:       st,
		RT:          rt,
		Manager:     mgr,
		Engine:      engine,
		Coordinator: coordinator,
		Handler:     h,
		Cleanup: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = engine.Shutdown(ctx)
			db.Close()
		},
	}
}

// postTool invokes a handler with a JSON body and returns the recorder.
func postTool(t *testing.T, fn http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/test", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

// getTool invokes a GET handler with an optional query string.
func getTool(t *testing.T, fn http.HandlerFunc, query string) *httptest.ResponseRecorder {
	t.Helper()

	target := "/v1/tools/test"
	if query != "" {
		target += "?" + query
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

// errorCode extracts the taxonomy code from an error envelope.
func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	decodeBody(t, w, &body)
	return body.Error.Code
}

func (e *testEnv) spawnContainer(t *testing.T, body map[string]any) spawnResponse {
	t.Helper()

	w := postTool(t, e.Handler.Spawn, body)
	if w.Code != http.StatusOK {
		t.Fatalf("Spawn returned %d: %s", w.Code, w.Body.String())
	}
	var res spawnResponse
	decodeBody(t, w, &res)
	return res
}

func TestSpawnTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	res := env.spawnContainer(t, map[string]any{"image": "python:3.11-slim", "alias": "w1"})
	if !strings.HasPrefix(res.ContainerID, "c_") {
		t.Errorf("container_id = %q, want c_ prefix", res.ContainerID)
	}
	if res.Status != model.ContainerStatusRunning {
		t.Errorf("status = %q, want running", res.Status)
	}
	if res.Alias == nil || *res.Alias != "w1" {
		t.Errorf("alias = %v, want w1", res.Alias)
	}
}

func TestSpawnToolValidation(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	w := postTool(t, env.Handler.Spawn, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing image returned %d, want 400", w.Code)
	}
	if code := errorCode(t, w); code != "invalid_argument" {
		t.Errorf("error code = %q, want invalid_argument", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/spawn", strings.NewReader("{not json"))
	w = httptest.NewRecorder()
	env.Handler.Spawn(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body returned %d, want 400", w.Code)
	}
}

func TestSpawnToolImagePolicy(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	w := postTool(t, env.Handler.Spawn, map[string]any{"image": "evil.example.com/x:latest"})
	if w.Code != http.StatusForbidden {
		t.Errorf("disallowed registry returned %d, want 403", w.Code)
	}
	if code := errorCode(t, w); code != "image_policy" {
		t.Errorf("error code = %q, want image_policy", code)
	}
}

func TestAttachAndKillTools(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	spawned := env.spawnContainer(t, map[string]any{"image": "python:3.11-slim", "alias": "w1"})

	w := postTool(t, env.Handler.Attach, map[string]any{
		"target":      "w1",
		"client_name": "test-client",
		"session_id":  "s-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Attach returned %d: %s", w.Code, w.Body.String())
	}
	var attach attachResponse
	decodeBody(t, w, &attach)
	if attach.ContainerID != spawned.ContainerID {
		t.Errorf("attach resolved %q, want %q", attach.ContainerID, spawned.ContainerID)
	}
	if len(attach.Roots) != 1 || attach.Roots[0] != "workspace:"+spawned.ContainerID {
		t.Errorf("roots = %v", attach.Roots)
	}

	w = postTool(t, env.Handler.Kill, map[string]any{"container_id": spawned.ContainerID})
	if w.Code != http.StatusOK {
		t.Fatalf("Kill returned %d: %s", w.Code, w.Body.String())
	}
	var killed map[string]string
	decodeBody(t, w, &killed)
	if killed["status"] != model.ContainerStatusStopped {
		t.Errorf("kill status = %q, want stopped", killed["status"])
	}

	// Killing again reports the terminal status without error.
	w = postTool(t, env.Handler.Kill, map[string]any{"container_id": spawned.ContainerID})
	if w.Code != http.StatusOK {
		t.Fatalf("second Kill returned %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &killed)
	if killed["status"] != model.ContainerStatusStopped {
		t.Errorf("second kill status = %q, want stopped", killed["status"])
	}
}

func TestKillUnknownContainer(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	w := postTool(t, env.Handler.Kill, map[string]any{"container_id": "c_missing"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown container returned %d, want 404", w.Code)
	}
	if code := errorCode(t, w); code != "not_found" {
		t.Errorf("error code = %q, want not_found", code)
	}
}

// pollUntilComplete polls an execution from seq 0 until the terminal frame
// arrives.
func (e *testEnv) pollUntilComplete(t *testing.T, execID string) execPollResponse {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := postTool(t, e.Handler.ExecPoll, map[string]any{"exec_id": execID})
		if w.Code != http.StatusOK {
			t.Fatalf("ExecPoll returned %d: %s", w.Code, w.Body.String())
		}
		var res execPollResponse
		decodeBody(t, w, &res)
		if res.Complete {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution never completed")
	return execPollResponse{}
}

func TestExecToolsLifecycle(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	spawned := env.spawnContainer(t, map[string]any{"image": "python:3.11-slim"})
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return mock.NewScriptedStream("hello", "world", 0), nil
	}

	w := postTool(t, env.Handler.ExecStart, map[string]any{
		"container_id": spawned.ContainerID,
		"cmd":          []string{"sh", "-c", "printf hello; printf world 1>&2"},
		"timeout_s":    10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ExecStart returned %d: %s", w.Code, w.Body.String())
	}
	var started map[string]string
	decodeBody(t, w, &started)
	execID := started["exec_id"]
	if !strings.HasPrefix(execID, "e_") {
		t.Fatalf("exec_id = %q, want e_ prefix", execID)
	}

	res := env.pollUntilComplete(t, execID)
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 frames, got %d: %+v", len(res.Messages), res.Messages)
	}

	var sawStdout, sawStderr bool
	var lastSeq uint64
	for _, m := range res.Messages {
		if m.Seq <= lastSeq {
			t.Errorf("sequence not strictly increasing: %d after %d", m.Seq, lastSeq)
		}
		lastSeq = m.Seq
		switch m.Stream {
		case "stdout":
			sawStdout = true
			if m.Data != "hello" {
				t.Errorf("stdout data = %q, want hello", m.Data)
			}
		case "stderr":
			sawStderr = true
			if m.Data != "world" {
				t.Errorf("stderr data = %q, want world", m.Data)
			}
		}
	}
	if !sawStdout || !sawStderr {
		t.Errorf("missing stream frames: stdout=%v stderr=%v", sawStdout, sawStderr)
	}

	last := res.Messages[len(res.Messages)-1]
	if last.Stream != "control" {
		t.Fatalf("last frame stream = %q, want control", last.Stream)
	}
	if last.ExitCode == nil || *last.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", last.ExitCode)
	}
	if last.Usage == nil {
		t.Error("terminal frame missing usage")
	}

	// Polling past the terminal frame returns an empty, still-complete page.
	w = postTool(t, env.Handler.ExecPoll, map[string]any{"exec_id": execID, "after_seq": last.Seq})
	var tail execPollResponse
	decodeBody(t, w, &tail)
	if len(tail.Messages) != 0 || !tail.Complete {
		t.Errorf("tail poll = %+v, want empty complete page", tail)
	}
}

func TestExecPollUnknownExecution(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	w := postTool(t, env.Handler.ExecPoll, map[string]any{"exec_id": "e_missing"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown exec returned %d, want 404", w.Code)
	}
	if code := errorCode(t, w); code != "not_found" {
		t.Errorf("error code = %q, want not_found", code)
	}
}

func TestExecCancelTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	spawned := env.spawnContainer(t, map[string]any{"image": "python:3.11-slim"})
	stream := mock.NewStream()
	stream.SignalFunc = func(ctx context.Context, sig string) error {
		if sig == "TERM" {
			go stream.Exit(143)
		}
		return nil
	}
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return stream, nil
	}

	w := postTool(t, env.Handler.ExecStart, map[string]any{
		"container_id": spawned.ContainerID,
		"cmd":          []string{"sleep", "100"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ExecStart returned %d: %s", w.Code, w.Body.String())
	}
	var started map[string]string
	decodeBody(t, w, &started)
	execID := started["exec_id"]

	w = postTool(t, env.Handler.ExecCancel, map[string]any{"exec_id": execID})
	if w.Code != http.StatusOK {
		t.Fatalf("ExecCancel returned %d: %s", w.Code, w.Body.String())
	}
	var cancelled map[string]string
	decodeBody(t, w, &cancelled)
	if cancelled["exec_id"] != execID {
		t.Errorf("cancel echoed exec_id %q, want %q", cancelled["exec_id"], execID)
	}

	res := env.pollUntilComplete(t, execID)
	last := res.Messages[len(res.Messages)-1]
	if last.Stream != "control" {
		t.Fatalf("last frame stream = %q, want control", last.Stream)
	}

	// A second cancel is a no-op reporting the terminal status.
	w = postTool(t, env.Handler.ExecCancel, map[string]any{"exec_id": execID})
	if w.Code != http.StatusOK {
		t.Fatalf("second ExecCancel returned %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &cancelled)
	if cancelled["status"] != model.ExecStatusCancelled {
		t.Errorf("second cancel status = %q, want cancelled", cancelled["status"])
	}
}

func TestListContainersTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	spawned := env.spawnContainer(t, map[string]any{"image": "python:3.11-slim"})

	w := getTool(t, env.Handler.ListContainers, "")
	if w.Code != http.StatusOK {
		t.Fatalf("ListContainers returned %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		Containers []model.Container `json:"containers"`
	}
	decodeBody(t, w, &res)
	if len(res.Containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(res.Containers))
	}
	if res.Containers[0].ID != spawned.ContainerID {
		t.Errorf("listed id = %q, want %q", res.Containers[0].ID, spawned.ContainerID)
	}
}

func TestListExecsTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	spawned := env.spawnContainer(t, map[string]any{"image": "python:3.11-slim"})
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return mock.NewScriptedStream("ok", "", 0), nil
	}

	w := postTool(t, env.Handler.ExecStart, map[string]any{
		"container_id": spawned.ContainerID,
		"cmd":          []string{"true"},
	})
	var started map[string]string
	decodeBody(t, w, &started)
	env.pollUntilComplete(t, started["exec_id"])

	w = getTool(t, env.Handler.ListExecs, "container_id="+spawned.ContainerID+"&status=exited&limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("ListExecs returned %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		Execs []model.Execution `json:"execs"`
	}
	decodeBody(t, w, &res)
	if len(res.Execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(res.Execs))
	}
	if res.Execs[0].ID != started["exec_id"] {
		t.Errorf("listed exec %q, want %q", res.Execs[0].ID, started["exec_id"])
	}

	w = getTool(t, env.Handler.ListExecs, "limit=bogus")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus limit returned %d, want 400", w.Code)
	}
}

func TestStatusTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	env.spawnContainer(t, map[string]any{"image": "python:3.11-slim"})

	w := getTool(t, env.Handler.Status, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status returned %d: %s", w.Code, w.Body.String())
	}
	var res statusResponse
	decodeBody(t, w, &res)
	if res.Status != "ok" {
		t.Errorf("status = %q, want ok", res.Status)
	}
	if !res.RuntimeConnected || !res.DatabaseReady {
		t.Errorf("connectivity = runtime:%v db:%v, want both true", res.RuntimeConnected, res.DatabaseReady)
	}
	if res.ActiveContainers != 1 {
		t.Errorf("active_containers = %d, want 1", res.ActiveContainers)
	}
	if res.Version == "" {
		t.Error("version is empty")
	}
}

func TestStatusToolDegraded(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	env.RT.PingFunc = func(ctx context.Context) error {
		return fmt.Errorf("daemon gone")
	}

	w := getTool(t, env.Handler.Status, "")
	var res statusResponse
	decodeBody(t, w, &res)
	if res.Status != "degraded" || res.RuntimeConnected {
		t.Errorf("status = %q runtime_connected = %v, want degraded/false", res.Status, res.RuntimeConnected)
	}
}

func TestReconcileTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	env.spawnContainer(t, map[string]any{"image": "python:3.11-slim"})

	w := postTool(t, env.Handler.Reconcile, map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("Reconcile returned %d: %s", w.Code, w.Body.String())
	}
	var stats reconcile.Stats
	decodeBody(t, w, &stats)
	if stats.Discovered != 1 {
		t.Errorf("discovered = %d, want 1", stats.Discovered)
	}
	if stats.Errors != 0 {
		t.Errorf("errors = %d, want 0", stats.Errors)
	}
}

func TestGCTool(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	w := postTool(t, env.Handler.GC, map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("GC returned %d: %s", w.Code, w.Body.String())
	}
	var stats reconcile.GCStats
	decodeBody(t, w, &stats)
	if stats.Errors != 0 {
		t.Errorf("errors = %d, want 0", stats.Errors)
	}
}

func TestDrainingRefusesNewWork(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	spawned := env.spawnContainer(t, map[string]any{"image": "python:3.11-slim"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.Coordinator.Drain(ctx)

	refused := []struct {
		name string
		fn   http.HandlerFunc
		body map[string]any
	}{
		{"spawn", env.Handler.Spawn, map[string]any{"image": "python:3.11-slim"}},
		{"attach", env.Handler.Attach, map[string]any{"target": spawned.ContainerID, "client_name": "c", "session_id": "s"}},
		{"exec_start", env.Handler.ExecStart, map[string]any{"container_id": spawned.ContainerID, "cmd": []string{"true"}}},
	}
	for _, tc := range refused {
		w := postTool(t, tc.fn, tc.body)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s during drain returned %d, want 503", tc.name, w.Code)
		}
		if code := errorCode(t, w); code != "runtime_unavailable" {
			t.Errorf("%s error code = %q, want runtime_unavailable", tc.name, code)
		}
	}

	// Kill stays available so clients can clean up during the drain window.
	w := postTool(t, env.Handler.Kill, map[string]any{"container_id": spawned.ContainerID})
	if w.Code != http.StatusOK {
		t.Errorf("kill during drain returned %d, want 200", w.Code)
	}

	w = getTool(t, env.Handler.Status, "")
	var res statusResponse
	decodeBody(t, w, &res)
	if res.Status != "draining" {
		t.Errorf("status = %q, want draining", res.Status)
	}
}

func TestHealthz(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	w := getTool(t, env.Handler.Healthz, "")
	if w.Code != http.StatusOK {
		t.Errorf("healthz returned %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("healthz body = %q", w.Body.String())
	}
}
