// Package shutdown coordinates graceful drain: refuse new work, let
// in-flight executions finish within the grace window, cancel the rest,
// then stop transient containers while leaving persistent ones running.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/store"
)

const (
	// drainPollInterval is how often the drain loop re-checks the engine.
	drainPollInterval = 250 * time.Millisecond

	// cancelSettleTimeout bounds the wait for cancelled executions to
	// finalize before container teardown starts pulling processes out
	// from under them.
	cancelSettleTimeout = 5 * time.Second
)

// Engine is the slice of the exec engine the coordinator drains.
type Engine interface {
	Inflight() int
	CancelAll(ctx context.Context, reason string) int
}

// Killer tears down one container. Satisfied by manager.Manager.
type Killer interface {
	Kill(ctx context.Context, target string, force bool) (string, error)
}

// Stats reports what one drain did.
type Stats struct {
	Drained           bool `json:"drained"`
	Cancelled         int  `json:"cancelled"`
	StoppedTransients int  `json:"stopped_transients"`
	Errors            int  `json:"errors"`
}

// Coordinator runs the drain sequence exactly once and answers whether it
// has begun, which is how the handler layer refuses new work.
type Coordinator struct {
	store  *store.Store
	engine Engine
	killer Killer
	cfg    *config.Config
	audit  *audit.Logger
	logger *slog.Logger

	mu       sync.Mutex
	draining bool
}

// New builds a Coordinator.
func New(st *store.Store, engine Engine, killer Killer, cfg *config.Config, auditLog *audit.Logger, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		engine: engine,
		killer: killer,
		cfg:    cfg,
		audit:  auditLog,
		logger: logger.With("component", "shutdown"),
	}
}

// Draining reports whether shutdown has begun. Spawn, attach and exec_start
// are refused once this flips.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// Drain runs the shutdown sequence. A second call returns immediately with
// empty stats; errors along the way are counted and logged, never fatal,
// because the process is exiting either way.
func (c *Coordinator) Drain(ctx context.Context) *Stats {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return &Stats{}
	}
	c.draining = true
	c.mu.Unlock()

	stats := &Stats{}
	grace := c.cfg.DrainGrace

	c.logger.Info("draining", "grace", grace, "inflight", c.engine.Inflight())

	stats.Drained = c.awaitIdle(ctx, grace)
	if !stats.Drained {
		stats.Cancelled = c.engine.CancelAll(ctx, "server_shutdown")
		c.logger.Warn("drain grace expired, cancelled in-flight executions", "count", stats.Cancelled)
		// Let the cancellations finalize so the terminal rows are written
		// before their containers disappear.
		c.awaitIdle(ctx, cancelSettleTimeout)
	}

	c.stopTransients(ctx, stats)

	c.audit.Event(audit.EventSystemShutdown,
		"drained", stats.Drained,
		"cancelled", stats.Cancelled,
		"stopped_transients", stats.StoppedTransients,
		"errors", stats.Errors,
	)
	c.logger.Info("drain completed",
		"drained", stats.Drained,
		"cancelled", stats.Cancelled,
		"stopped_transients", stats.StoppedTransients,
		"errors", stats.Errors,
	)
	return stats
}

// awaitIdle polls until the engine has no live executions or the window
// closes. Reports whether the engine went idle.
func (c *Coordinator) awaitIdle(ctx context.Context, window time.Duration) bool {
	if c.engine.Inflight() == 0 {
		return true
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.engine.Inflight() == 0
		case <-deadline.C:
			return c.engine.Inflight() == 0
		case <-ticker.C:
			if c.engine.Inflight() == 0 {
				return true
			}
		}
	}
}

// stopTransients tears down every live transient container, warm pool
// included. Persistent containers keep running in the engine; the next
// boot re-adopts them.
func (c *Coordinator) stopTransients(ctx context.Context, stats *Stats) {
	transients, err := c.store.ListLiveTransientContainers(ctx)
	if err != nil {
		c.logger.Error("failed to list transient containers", "error", err)
		stats.Errors++
		return
	}

	for _, t := range transients {
		if _, err := c.killer.Kill(ctx, t.ID, true); err != nil {
			c.logger.Error("failed to stop transient container", "container_id", t.ID, "error", err)
			stats.Errors++
			continue
		}
		c.logger.Info("stopped transient container", "container_id", t.ID)
		stats.StoppedTransients++
	}
}
