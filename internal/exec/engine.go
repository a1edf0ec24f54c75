package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/store"
)

const readChunkBytes = 32 << 10

// Users commands run as. Containers are created with a non-root default
// user; as_root opts into uid 0 per execution.
const (
	sandboxUser = "1000"
	rootUser    = "0"
)

// Options configure the execution engine.
type Options struct {
	SlotsPerContainer int64
	BufferBudget      int64
	PollLimitBytes    int64
	DefaultTimeout    time.Duration
	// KillGrace is how long a signalled process gets before escalation.
	KillGrace  time.Duration
	DefaultCwd string
}

func (o *Options) withDefaults() {
	if o.SlotsPerContainer <= 0 {
		o.SlotsPerContainer = 4
	}
	if o.BufferBudget <= 0 {
		o.BufferBudget = DefaultBudgetBytes
	}
	if o.PollLimitBytes <= 0 {
		o.PollLimitBytes = DefaultPollBytes
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Minute
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 5 * time.Second
	}
	if o.DefaultCwd == "" {
		o.DefaultCwd = "/workspace"
	}
}

// StartRequest describes one command to run inside a container. Env is
// handed to the runtime at start time and is never persisted or logged.
type StartRequest struct {
	Argv           []string
	Cwd            string
	Env            map[string]string
	AsRoot         bool
	TimeoutSeconds int64
	IdempotencyKey string
}

type waitResult struct {
	code int
	err  error
}

// entry tracks one execution from start until its buffer is swept.
type entry struct {
	containerID string
	buffer      *Buffer
	cancelCh    chan struct{}
	cancelOnce  sync.Once
	reason      string
	done        chan struct{}
}

// cancel requests termination once. The reason write is published by the
// channel close.
func (en *entry) cancel(reason string) {
	en.cancelOnce.Do(func() {
		en.reason = reason
		close(en.cancelCh)
	})
}

func (en *entry) live() bool {
	select {
	case <-en.done:
		return false
	default:
		return true
	}
}

// Engine runs commands inside containers, enforcing per-container
// concurrency slots and buffering output for polling.
type Engine struct {
	store  *store.Store
	rt     runtime.Runtime
	audit  *audit.Logger
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	entries map[string]*entry
	sems    map[string]*semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an execution engine.
func NewEngine(st *store.Store, rt runtime.Runtime, auditLog *audit.Logger, logger *slog.Logger, opts Options) *Engine {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   st,
		rt:      rt,
		audit:   auditLog,
		logger:  logger.With("component", "exec_engine"),
		opts:    opts,
		entries: make(map[string]*entry),
		sems:    make(map[string]*semaphore.Weighted),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (e *Engine) semFor(containerID string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.sems[containerID]
	if !ok {
		sem = semaphore.NewWeighted(e.opts.SlotsPerContainer)
		e.sems[containerID] = sem
	}
	return sem
}

// Start launches a command in a running container. It returns once the
// process has started and the execution row is persisted; completion is
// observed through Poll. A runtime failure surfaces here and leaves no
// execution row behind.
func (e *Engine) Start(ctx context.Context, c *model.Container, req StartRequest) (*model.Execution, error) {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "argv must not be empty")
	}
	if c.Status != model.ContainerStatusRunning || c.RuntimeID == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "container %s is %s, not running", c.ID, c.Status)
	}

	if req.IdempotencyKey != "" {
		k, err := e.store.GetIdempotencyKey(ctx, model.IdempotencyKindExec, req.IdempotencyKey)
		switch {
		case err == nil:
			prior, perr := e.store.GetExecutionByID(ctx, k.RefID)
			if perr == nil {
				return prior, nil
			}
			if !errors.Is(perr, store.ErrNotFound) {
				return nil, apperr.Wrap(apperr.CodeInternal, perr, "idempotency lookup failed")
			}
			// The mapping outlived its execution row; run fresh without
			// re-registering the key.
			req.IdempotencyKey = ""
		case !errors.Is(err, store.ErrNotFound):
			return nil, apperr.Wrap(apperr.CodeInternal, err, "idempotency lookup failed")
		}
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if req.TimeoutSeconds <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = e.opts.DefaultCwd
	}
	user := sandboxUser
	if req.AsRoot {
		user = rootUser
	}

	sem := e.semFor(c.ID)
	if !sem.TryAcquire(1) {
		return nil, apperr.New(apperr.CodeConcurrencyLimit,
			"container %s already has %d executions in flight", c.ID, e.opts.SlotsPerContainer)
	}

	startStats, _ := e.rt.StatsSnapshot(ctx, *c.RuntimeID)
	started := time.Now()
	stream, err := e.rt.ExecStart(ctx, *c.RuntimeID, runtime.ExecSpec{
		Argv: req.Argv,
		Cwd:  cwd,
		Env:  req.Env,
		User: user,
	})
	if err != nil {
		sem.Release(1)
		return nil, err
	}

	exec := &model.Execution{
		ID:             model.NewExecID(),
		ContainerID:    c.ID,
		Argv:           model.MarshalArgv(req.Argv),
		Cwd:            cwd,
		AsRoot:         req.AsRoot,
		TimeoutSeconds: int64(timeout / time.Second),
		Status:         model.ExecStatusRunning,
	}
	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			return tx.CreateIdempotencyKey(ctx, &model.IdempotencyKey{
				Key:   req.IdempotencyKey,
				Kind:  model.IdempotencyKindExec,
				RefID: exec.ID,
			})
		}
		return nil
	})
	if err != nil {
		sem.Release(1)
		_ = stream.Signal(ctx, "KILL")
		_ = stream.Close()
		// A concurrent retry carrying the same key may have won the insert.
		if req.IdempotencyKey != "" {
			if k, kerr := e.store.GetIdempotencyKey(ctx, model.IdempotencyKindExec, req.IdempotencyKey); kerr == nil {
				if prior, perr := e.store.GetExecutionByID(ctx, k.RefID); perr == nil {
					return prior, nil
				}
			}
		}
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to persist execution")
	}

	ent := &entry{
		containerID: c.ID,
		buffer:      NewBuffer(e.opts.BufferBudget),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	e.mu.Lock()
	e.entries[exec.ID] = ent
	e.mu.Unlock()

	metrics.InflightExecs.Inc()
	e.audit.Event(audit.EventExecStart,
		"exec_id", exec.ID,
		"container_id", c.ID,
		"argv0", req.Argv[0],
		"as_root", req.AsRoot,
		"timeout_s", exec.TimeoutSeconds)
	if req.AsRoot {
		e.audit.Event(audit.EventAsRoot, "exec_id", exec.ID, "container_id", c.ID)
	}

	e.wg.Add(1)
	go e.supervise(ent, exec, *c.RuntimeID, stream, startStats, started, timeout)
	return exec, nil
}

// supervise pumps output into the ring buffer and drives the execution to
// its single terminal transition.
func (e *Engine) supervise(ent *entry, exec *model.Execution, runtimeID string, stream runtime.ExecStream, startStats *runtime.Stats, started time.Time, timeout time.Duration) {
	defer e.wg.Done()

	var stdoutBytes, stderrBytes atomic.Int64
	var g errgroup.Group
	g.Go(func() error { return pump(stream.Stdout(), StreamStdout, ent.buffer, &stdoutBytes) })
	g.Go(func() error { return pump(stream.Stderr(), StreamStderr, ent.buffer, &stderrBytes) })
	readersDone := make(chan struct{})
	go func() {
		defer close(readersDone)
		_ = g.Wait()
	}()

	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := stream.Wait(e.baseCtx)
		waitCh <- waitResult{code: code, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	status := model.ExecStatusExited
	exitCode := -1
	var errMsg *string
	var usage model.Usage
	reason := ""

	select {
	case w := <-waitCh:
		if w.err != nil {
			status = model.ExecStatusFailed
			msg := apperr.MessageOf(w.err)
			errMsg = &msg
		} else {
			exitCode = w.code
		}
	case <-timer.C:
		status = model.ExecStatusTimedOut
		usage.TimedOut = true
		reason = "timeout"
		msg := fmt.Sprintf("execution exceeded its %s timeout", timeout)
		errMsg = &msg
		exitCode = e.terminate(stream, waitCh)
	case <-ent.cancelCh:
		status = model.ExecStatusCancelled
		reason = ent.reason
		if reason != "" {
			msg := reason
			errMsg = &msg
		}
		exitCode = e.terminate(stream, waitCh)
	case <-e.baseCtx.Done():
		status = model.ExecStatusFailed
		reason = "server_shutdown"
		msg := "server shut down during execution"
		errMsg = &msg
		exitCode = e.terminate(stream, waitCh)
	}

	// Capture remaining output before the control frame so the terminal
	// frame carries the largest sequence number.
	select {
	case <-readersDone:
	case <-time.After(e.opts.KillGrace):
		_ = stream.Close()
		<-readersDone
	}
	_ = stream.Close()

	usage.WallMs = time.Since(started).Milliseconds()
	usage.StdoutBytes = stdoutBytes.Load()
	usage.StderrBytes = stderrBytes.Load()
	if endStats, err := e.rt.StatsSnapshot(e.baseCtx, runtimeID); err == nil && endStats != nil {
		if startStats != nil && endStats.CPUNanos >= startStats.CPUNanos {
			usage.CPUMs = int64(endStats.CPUNanos-startStats.CPUNanos) / 1e6
		}
		peak := endStats.MemoryPeakBytes
		if endStats.MemoryBytes > peak {
			peak = endStats.MemoryBytes
		}
		usage.MemPeakBytes = int64(peak)
	}

	e.finalize(ent, exec, status, exitCode, usage, errMsg, reason)
}

// terminate asks the process to stop and escalates to KILL after the grace
// period. Returns the exit code when the process was reaped in time.
func (e *Engine) terminate(stream runtime.ExecStream, waitCh <-chan waitResult) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.opts.KillGrace+10*time.Second)
	defer cancel()

	if err := stream.Signal(ctx, "TERM"); err != nil {
		e.logger.Debug("TERM signal failed", "error", err)
	}
	select {
	case w := <-waitCh:
		return w.code
	case <-time.After(e.opts.KillGrace):
	}

	if err := stream.Signal(ctx, "KILL"); err != nil {
		e.logger.Debug("KILL signal failed", "error", err)
	}
	select {
	case w := <-waitCh:
		return w.code
	case <-time.After(e.opts.KillGrace):
	}

	_ = stream.Close()
	return -1
}

// finalize records the terminal transition, closes the buffer and releases
// the concurrency slot, in that order. It uses a detached context so
// completions land even while the server is shutting down.
func (e *Engine) finalize(ent *entry, exec *model.Execution, status string, exitCode int, usage model.Usage, errMsg *string, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	did, err := e.store.CompleteExecution(ctx, exec.ID, status, &exitCode, model.MarshalUsage(usage), errMsg)
	if err != nil {
		e.logger.Error("failed to record execution completion",
			"exec_id", exec.ID, "status", status, "error", err)
	} else if !did {
		e.logger.Warn("execution was already terminal at completion",
			"exec_id", exec.ID, "status", status)
	}

	ent.buffer.AppendControl(exitCode, usage, reason)
	close(ent.done)
	e.semFor(ent.containerID).Release(1)

	metrics.InflightExecs.Dec()
	metrics.ExecsTotal.WithLabelValues(status).Inc()
	metrics.ExecDuration.Observe(float64(usage.WallMs) / 1000)
	metrics.ExecOutputBytes.Observe(float64(usage.StdoutBytes + usage.StderrBytes))

	e.audit.Event(audit.EventExecComplete,
		"exec_id", exec.ID,
		"container_id", exec.ContainerID,
		"status", status,
		"exit_code", exitCode,
		"wall_ms", usage.WallMs)
}

func pump(r io.Reader, stream string, buf *Buffer, total *atomic.Int64) error {
	chunk := make([]byte, readChunkBytes)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Append(stream, chunk[:n])
			total.Add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Poll reads buffered frames after the given cursor. Output buffers do not
// survive restarts: polling an execution from a previous server process
// reports not_found even though its row is still listed.
func (e *Engine) Poll(ctx context.Context, execID string, afterSeq uint64) (PollResult, error) {
	e.mu.Lock()
	ent := e.entries[execID]
	e.mu.Unlock()

	if ent == nil {
		if _, err := e.store.GetExecutionByID(ctx, execID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return PollResult{}, apperr.New(apperr.CodeNotFound, "execution %s not found", execID)
			}
			return PollResult{}, apperr.Wrap(apperr.CodeInternal, err, "failed to load execution")
		}
		return PollResult{}, apperr.New(apperr.CodeNotFound,
			"output for execution %s is no longer available", execID)
	}
	return ent.buffer.Poll(afterSeq, e.opts.PollLimitBytes), nil
}

// Cancel requests cancellation of an execution. Calling it again is safe:
// once the execution is terminal the terminal status is returned unchanged.
func (e *Engine) Cancel(ctx context.Context, execID, reason string) (string, error) {
	exec, err := e.store.GetExecutionByID(ctx, execID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.New(apperr.CodeNotFound, "execution %s not found", execID)
		}
		return "", apperr.Wrap(apperr.CodeInternal, err, "failed to load execution")
	}
	if model.ExecStatusIsTerminal(exec.Status) {
		return exec.Status, nil
	}

	if _, err := e.store.MarkExecutionCancelling(ctx, execID); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "failed to mark execution cancelling")
	}
	if reason == "" {
		reason = "cancelled"
	}

	e.mu.Lock()
	ent := e.entries[execID]
	e.mu.Unlock()

	e.audit.Event(audit.EventExecCancel,
		"exec_id", execID, "container_id", exec.ContainerID, "reason", reason)

	if ent == nil {
		// Row from a previous server process with no supervisor behind it.
		code := -1
		_, _ = e.store.CompleteExecution(ctx, execID, model.ExecStatusCancelled, &code, model.MarshalUsage(model.Usage{}), &reason)
		return model.ExecStatusCancelled, nil
	}

	ent.cancel(reason)
	return model.ExecStatusCancelling, nil
}

// CancelForContainer cancels every live execution in a container. Returns
// how many were signalled.
func (e *Engine) CancelForContainer(ctx context.Context, containerID, reason string) int {
	return e.cancelMatching(ctx, reason, func(ent *entry) bool {
		return ent.containerID == containerID
	})
}

// CancelAll cancels every live execution. Used by the shutdown coordinator
// once the drain grace expires.
func (e *Engine) CancelAll(ctx context.Context, reason string) int {
	return e.cancelMatching(ctx, reason, func(*entry) bool { return true })
}

func (e *Engine) cancelMatching(ctx context.Context, reason string, match func(*entry) bool) int {
	e.mu.Lock()
	targets := make(map[string]*entry)
	for id, ent := range e.entries {
		if ent.live() && match(ent) {
			targets[id] = ent
		}
	}
	e.mu.Unlock()

	for id, ent := range targets {
		if _, err := e.store.MarkExecutionCancelling(ctx, id); err != nil {
			e.logger.Warn("failed to mark execution cancelling", "exec_id", id, "error", err)
		}
		ent.cancel(reason)
	}
	return len(targets)
}

// Inflight reports how many executions still hold a concurrency slot.
func (e *Engine) Inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ent := range e.entries {
		if ent.live() {
			n++
		}
	}
	return n
}

// Sweep drops buffers of executions that have been terminal and unread for
// longer than olderThan. Returns how many buffers were released.
func (e *Engine) Sweep(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, ent := range e.entries {
		if !ent.live() {
			if ent.buffer.idleSince().Before(cutoff) {
				delete(e.entries, id)
				n++
			}
		}
	}
	return n
}

// Shutdown cancels the engine context and waits for supervisors to finish.
// The caller is expected to have drained or cancelled executions first.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("exec engine shutdown timeout exceeded")
	}
}
