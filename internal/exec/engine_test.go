package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/database"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/runtime/mock"
	"github.com/devbench-ai/devbench/internal/store"
)

// testEnv holds the engine test environment
type testEnv struct {
	Store   *store.Store
	RT      *mock.Provider
	Engine  *Engine
	Logger  *slog.Logger
	Cleanup func()
}

// testSetup creates a store, mock runtime and engine with short grace
// periods so escalation paths run quickly.
func testSetup(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()),
		DatabaseDriver: "sqlite",
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	st := store.New(db.DB)
	rt := mock.NewProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(st, rt, audit.New(logger), logger, Options{
		SlotsPerContainer: 2,
		DefaultTimeout:    5 * time.Second,
		KillGrace:         50 * time.Millisecond,
	})

	return &testEnv{
		Store:  st,
		RT:     rt,
		Engine: engine,
		Logger: logger,
		Cleanup: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = engine.Shutdown(ctx)
			db.Close()
		},
	}
}

// createRunningContainer registers a running container in both the store and
// the mock runtime.
func (e *testEnv) createRunningContainer(t *testing.T) *model.Container {
	t.Helper()

	runtimeID := "rt-test"
	e.RT.SeedContainer(&runtime.ContainerInfo{
		RuntimeID: runtimeID,
		Status:    runtime.StatusRunning,
	})

	container := &model.Container{
		RuntimeID:       &runtimeID,
		Image:           "python:3.11-slim",
		Status:          model.ContainerStatusRunning,
		WorkspaceVolume: "devbench-transient-test",
	}
	if err := e.Store.CreateContainer(context.Background(), container); err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}
	return container
}

// waitTerminal polls the store until the execution reaches a terminal status.
func (e *testEnv) waitTerminal(t *testing.T, execID string) *model.Execution {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := e.Store.GetExecutionByID(context.Background(), execID)
		if err != nil {
			t.Fatalf("Failed to load execution: %v", err)
		}
		if model.ExecStatusIsTerminal(exec.Status) {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Execution %s never reached a terminal status", execID)
	return nil
}

// pollAll drains the buffer until the control frame arrives.
func (e *testEnv) pollAll(t *testing.T, execID string) []Frame {
	t.Helper()

	var frames []Frame
	var after uint64
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := e.Engine.Poll(context.Background(), execID, after)
		if err != nil {
			t.Fatalf("Failed to poll execution: %v", err)
		}
		for _, f := range res.Frames {
			frames = append(frames, f)
			after = f.Seq
		}
		if res.Complete {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Execution %s never completed", execID)
	return nil
}

func TestStartRunsToCompletion(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return mock.NewScriptedStream("hello", "world", 0), nil
	}

	exec, err := env.Engine.Start(context.Background(), c, StartRequest{
		Argv: []string{"sh", "-c", "echo hello; echo world >&2"},
	})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}
	if exec.Status != model.ExecStatusRunning {
		t.Errorf("Expected running status on start, got %q", exec.Status)
	}

	frames := env.pollAll(t, exec.ID)
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d: %+v", len(frames), frames)
	}
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Errorf("Frame %d: expected seq %d, got %d", i, i+1, f.Seq)
		}
	}
	// Interleaving between streams is unspecified; check each stream's
	// payload and that the control frame closes the sequence.
	byStream := make(map[string]string)
	for _, f := range frames[:2] {
		byStream[f.Stream] = string(f.Data)
	}
	if byStream[StreamStdout] != "hello" {
		t.Errorf("Expected stdout frame %q, got %q", "hello", byStream[StreamStdout])
	}
	if byStream[StreamStderr] != "world" {
		t.Errorf("Expected stderr frame %q, got %q", "world", byStream[StreamStderr])
	}
	last := frames[2]
	if last.Stream != StreamControl {
		t.Fatalf("Expected control frame last, got %q", last.Stream)
	}
	if last.ExitCode == nil || *last.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", last.ExitCode)
	}
	if last.Usage == nil || last.Usage.StdoutBytes != 5 || last.Usage.StderrBytes != 5 {
		t.Errorf("Unexpected usage on control frame: %+v", last.Usage)
	}

	row := env.waitTerminal(t, exec.ID)
	if row.Status != model.ExecStatusExited {
		t.Errorf("Expected exited status, got %q", row.Status)
	}
	if row.ExitCode == nil || *row.ExitCode != 0 {
		t.Errorf("Expected exit code 0 on the row, got %v", row.ExitCode)
	}
	usage, ok := model.UnmarshalUsage(row.Usage)
	if !ok {
		t.Fatal("Expected usage recorded on the row")
	}
	if usage.StdoutBytes != 5 {
		t.Errorf("Expected 5 stdout bytes in usage, got %d", usage.StdoutBytes)
	}
	if env.Engine.Inflight() != 0 {
		t.Errorf("Expected no inflight executions, got %d", env.Engine.Inflight())
	}
}

func TestStartValidatesArgv(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	_, err := env.Engine.Start(context.Background(), c, StartRequest{})
	if !apperr.IsCode(err, apperr.CodeInvalidArgument) {
		t.Errorf("Expected invalid_argument for empty argv, got %v", err)
	}
}

func TestStartRequiresRunningContainer(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	container := &model.Container{
		Image:           "python:3.11-slim",
		Status:          model.ContainerStatusCreating,
		WorkspaceVolume: "devbench-transient-x",
	}
	if err := env.Store.CreateContainer(context.Background(), container); err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}

	_, err := env.Engine.Start(context.Background(), container, StartRequest{Argv: []string{"true"}})
	if !apperr.IsCode(err, apperr.CodeInvalidArgument) {
		t.Errorf("Expected invalid_argument for non-running container, got %v", err)
	}
}

func TestStartConcurrencyLimit(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	var streams []*mock.Stream
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		s := mock.NewStream()
		streams = append(streams, s)
		return s, nil
	}

	for i := 0; i < 2; i++ {
		if _, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep"}}); err != nil {
			t.Fatalf("Failed to start execution %d: %v", i, err)
		}
	}

	_, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep"}})
	if !apperr.IsCode(err, apperr.CodeConcurrencyLimit) {
		t.Fatalf("Expected concurrency_limit on the third start, got %v", err)
	}

	// Finishing one execution frees its slot.
	streams[0].Exit(0)
	deadline := time.Now().Add(5 * time.Second)
	for env.Engine.Inflight() >= 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep"}}); err != nil {
		t.Fatalf("Expected a freed slot to admit a new execution, got %v", err)
	}

	for _, s := range streams {
		s.Exit(0)
	}
}

func TestStartRuntimeFailureLeavesNothingBehind(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return nil, apperr.New(apperr.CodeRuntimeError, "exec create failed")
	}

	_, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"true"}})
	if !apperr.IsCode(err, apperr.CodeRuntimeError) {
		t.Fatalf("Expected runtime_error, got %v", err)
	}

	execs, err := env.Store.ListExecutions(context.Background(), c.ID, nil, 0)
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("Expected no execution rows after a failed start, got %d", len(execs))
	}
	if env.Engine.Inflight() != 0 {
		t.Errorf("Expected no inflight executions, got %d", env.Engine.Inflight())
	}

	// The slot must have been released.
	env.RT.ExecStartFunc = nil
	if _, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"true"}}); err != nil {
		t.Errorf("Expected a start to succeed after the failure, got %v", err)
	}
}

func TestStartIdempotencyKey(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	var starts int
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		starts++
		return mock.NewScriptedStream("once", "", 0), nil
	}

	first, err := env.Engine.Start(context.Background(), c, StartRequest{
		Argv:           []string{"true"},
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}
	env.waitTerminal(t, first.ID)

	second, err := env.Engine.Start(context.Background(), c, StartRequest{
		Argv:           []string{"true"},
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Failed to replay execution: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the original execution back, got %s and %s", first.ID, second.ID)
	}
	if starts != 1 {
		t.Errorf("Expected exactly one runtime exec, got %d", starts)
	}
}

func TestCancelSignalsAndRecordsTerminalState(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

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

	exec, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep", "100"}})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}

	status, err := env.Engine.Cancel(context.Background(), exec.ID, "")
	if err != nil {
		t.Fatalf("Failed to cancel execution: %v", err)
	}
	if status != model.ExecStatusCancelling {
		t.Errorf("Expected cancelling status, got %q", status)
	}

	row := env.waitTerminal(t, exec.ID)
	if row.Status != model.ExecStatusCancelled {
		t.Errorf("Expected cancelled status, got %q", row.Status)
	}

	sigs := stream.Signals()
	if len(sigs) == 0 || sigs[0] != "TERM" {
		t.Errorf("Expected a TERM signal first, got %v", sigs)
	}

	// A repeated cancel after the terminal transition is a no-op that
	// reports the terminal status.
	status, err = env.Engine.Cancel(context.Background(), exec.ID, "")
	if err != nil {
		t.Fatalf("Failed to re-cancel execution: %v", err)
	}
	if status != model.ExecStatusCancelled {
		t.Errorf("Expected terminal status from repeated cancel, got %q", status)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	_, err := env.Engine.Cancel(context.Background(), "e_missing", "")
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestTimeoutEscalatesToKill(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	// Separate engine with a very short default timeout; the stream ignores
	// signals so the engine has to escalate to KILL and then force-close.
	engine := NewEngine(env.Store, env.RT, audit.New(env.Logger), env.Logger, Options{
		SlotsPerContainer: 2,
		DefaultTimeout:    100 * time.Millisecond,
		KillGrace:         50 * time.Millisecond,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	}()

	stream := mock.NewStream()
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return stream, nil
	}

	exec, err := engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep", "100"}})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}

	row := env.waitTerminal(t, exec.ID)
	if row.Status != model.ExecStatusTimedOut {
		t.Errorf("Expected timed_out status, got %q", row.Status)
	}
	usage, ok := model.UnmarshalUsage(row.Usage)
	if !ok || !usage.TimedOut {
		t.Errorf("Expected timed_out marker in usage, got %+v", usage)
	}

	sigs := stream.Signals()
	if len(sigs) < 2 || sigs[0] != "TERM" || sigs[1] != "KILL" {
		t.Errorf("Expected TERM then KILL, got %v", sigs)
	}
}

func TestCancelAllForShutdown(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	makeStream := func() *mock.Stream {
		s := mock.NewStream()
		s.SignalFunc = func(ctx context.Context, sig string) error {
			go s.Exit(137)
			return nil
		}
		return s
	}
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return makeStream(), nil
	}

	first, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep"}})
	if err != nil {
		t.Fatalf("Failed to start first execution: %v", err)
	}
	second, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep"}})
	if err != nil {
		t.Fatalf("Failed to start second execution: %v", err)
	}

	n := env.Engine.CancelAll(context.Background(), "server_shutdown")
	if n != 2 {
		t.Errorf("Expected 2 cancelled executions, got %d", n)
	}

	for _, id := range []string{first.ID, second.ID} {
		row := env.waitTerminal(t, id)
		if row.Status != model.ExecStatusCancelled {
			t.Errorf("Execution %s: expected cancelled, got %q", id, row.Status)
		}
		frames := env.pollAll(t, id)
		last := frames[len(frames)-1]
		if last.Stream != StreamControl || last.Reason != "server_shutdown" {
			t.Errorf("Execution %s: expected shutdown control frame, got %+v", id, last)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.Engine.Inflight() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := env.Engine.Inflight(); got != 0 {
		t.Errorf("Expected no inflight executions after drain, got %d", got)
	}
}

func TestPollUnknownExecution(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	_, err := env.Engine.Poll(context.Background(), "e_missing", 0)
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestPollAfterSweepReportsNotFound(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	exec, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"true"}})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}
	env.waitTerminal(t, exec.ID)
	env.pollAll(t, exec.ID)

	time.Sleep(10 * time.Millisecond)
	if n := env.Engine.Sweep(time.Millisecond); n != 1 {
		t.Fatalf("Expected 1 swept buffer, got %d", n)
	}

	_, err = env.Engine.Poll(context.Background(), exec.ID, 0)
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("Expected not_found after sweep, got %v", err)
	}

	// The execution row itself is retained.
	if _, err := env.Store.GetExecutionByID(context.Background(), exec.ID); err != nil {
		t.Errorf("Expected execution row to survive the sweep, got %v", err)
	}
}

func TestSweepKeepsLiveBuffers(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	stream := mock.NewStream()
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		return stream, nil
	}

	exec, err := env.Engine.Start(context.Background(), c, StartRequest{Argv: []string{"sleep"}})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}

	if n := env.Engine.Sweep(0); n != 0 {
		t.Errorf("Expected live buffers to survive the sweep, swept %d", n)
	}
	if _, err := env.Engine.Poll(context.Background(), exec.ID, 0); err != nil {
		t.Errorf("Expected live execution to remain pollable, got %v", err)
	}

	stream.Exit(0)
}

func TestEnvReachesRuntimeButNotTheDatabase(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()
	c := env.createRunningContainer(t)

	var delivered map[string]string
	env.RT.ExecStartFunc = func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
		delivered = spec.Env
		return mock.NewScriptedStream("", "", 0), nil
	}

	exec, err := env.Engine.Start(context.Background(), c, StartRequest{
		Argv: []string{"env"},
		Env:  map[string]string{"API_TOKEN": "hunter2"},
	})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}
	if delivered["API_TOKEN"] != "hunter2" {
		t.Errorf("Expected env delivered to the runtime, got %v", delivered)
	}

	row := env.waitTerminal(t, exec.ID)
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("Failed to marshal row: %v", err)
	}
	if strings.Contains(string(raw), "hunter2") {
		t.Errorf("Expected env values to stay out of the execution row, got %s", raw)
	}
}
