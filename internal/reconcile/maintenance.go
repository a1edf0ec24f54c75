package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/database"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/store"
)

const (
	maintenanceInterval = time.Hour
	maintenanceRetry    = time.Minute

	// Terminal execution rows and idle output buffers are kept this long
	// for post-mortem polling, then dropped.
	execRetention   = 24 * time.Hour
	bufferRetention = 24 * time.Hour
)

// Sweeper releases idle output buffers. Satisfied by exec.Engine.
type Sweeper interface {
	Sweep(olderThan time.Duration) int
}

// Killer tears down containers. Satisfied by manager.Manager.
type Killer interface {
	Kill(ctx context.Context, target string, force bool) (string, error)
}

// GCStats summarizes one maintenance pass.
type GCStats struct {
	PurgedContainers int64 `json:"purged_containers"`
	PurgedExecutions int64 `json:"purged_executions"`
	ExpiredKeys      int64 `json:"expired_keys"`
	SweptBuffers     int   `json:"swept_buffers"`
	DetachedClients  int64 `json:"detached_clients"`
	ExpiredTTL       int   `json:"expired_ttl"`
	SyncedContainers int   `json:"synced_containers"`
	Errors           int   `json:"errors"`
}

// Maintenance runs the hourly housekeeping pass: TTL enforcement, row and
// buffer garbage collection, drift verification and database vacuuming. The
// same pass backs the on-demand gc tool.
type Maintenance struct {
	store  *store.Store
	rt     runtime.Runtime
	db     *database.DB
	engine Sweeper
	killer Killer
	cfg    *config.Config
	audit  *audit.Logger
	logger *slog.Logger

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewMaintenance builds a Maintenance worker.
func NewMaintenance(st *store.Store, rt runtime.Runtime, db *database.DB, engine Sweeper, killer Killer, cfg *config.Config, auditLog *audit.Logger, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		store:    st,
		rt:       rt,
		db:       db,
		engine:   engine,
		killer:   killer,
		cfg:      cfg,
		audit:    auditLog,
		logger:   logger.With("component", "maintenance"),
		stopChan: make(chan struct{}),
	}
}

// Start begins the hourly maintenance loop.
func (m *Maintenance) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("maintenance started", "interval", maintenanceInterval)
}

// Shutdown stops the maintenance loop.
func (m *Maintenance) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		close(m.stopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("shutdown timeout exceeded")
			m.logger.Error("maintenance shutdown timeout")
		}
	})
	return err
}

func (m *Maintenance) loop(ctx context.Context) {
	defer m.wg.Done()

	interval := maintenanceInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-time.After(interval):
			stats := m.RunGC(ctx)
			if stats.Errors > 0 {
				interval = maintenanceRetry
			} else {
				interval = maintenanceInterval
			}
		}
	}
}

// RunGC executes one full maintenance pass and reports what it did. Steps are
// independent: a failure in one is counted and the rest still run.
func (m *Maintenance) RunGC(ctx context.Context) *GCStats {
	stats := &GCStats{}

	stats.ExpiredTTL = m.expireTTL(ctx, stats)
	m.purgeContainers(ctx, stats)

	if n, err := m.store.DeleteOldExecutions(ctx, execRetention); err != nil {
		m.logger.Error("failed to purge executions", "error", err)
		stats.Errors++
	} else {
		stats.PurgedExecutions = n
	}

	if n, err := m.store.DeleteExpiredIdempotencyKeys(ctx); err != nil {
		m.logger.Error("failed to purge idempotency keys", "error", err)
		stats.Errors++
	} else {
		stats.ExpiredKeys = n
	}

	if n, err := m.store.DetachAbandonedAttachments(ctx); err != nil {
		m.logger.Error("failed to detach abandoned attachments", "error", err)
		stats.Errors++
	} else {
		stats.DetachedClients = n
	}

	if m.engine != nil {
		stats.SweptBuffers = m.engine.Sweep(bufferRetention)
	}

	stats.SyncedContainers = m.syncState(ctx, stats)

	if err := m.db.Vacuum(ctx); err != nil {
		m.logger.Warn("vacuum failed", "error", err)
	}

	syncGauges(ctx, m.store, m.logger)

	m.audit.Event(audit.EventSystemGC,
		"purged_containers", stats.PurgedContainers,
		"purged_executions", stats.PurgedExecutions,
		"expired_keys", stats.ExpiredKeys,
		"swept_buffers", stats.SweptBuffers,
		"detached_clients", stats.DetachedClients,
		"expired_ttl", stats.ExpiredTTL,
		"synced_containers", stats.SyncedContainers,
		"errors", stats.Errors,
	)
	m.logger.Info("maintenance completed",
		"purged_containers", stats.PurgedContainers,
		"purged_executions", stats.PurgedExecutions,
		"expired_ttl", stats.ExpiredTTL,
		"synced", stats.SyncedContainers,
		"errors", stats.Errors,
	)
	return stats
}

// expireTTL kills transient containers idle past their requested TTL. TTL is
// measured from last activity, so a container in steady use never expires
// under its client.
func (m *Maintenance) expireTTL(ctx context.Context, stats *GCStats) int {
	live, err := m.store.ListLiveTransientContainers(ctx)
	if err != nil {
		m.logger.Error("failed to list transient containers", "error", err)
		stats.Errors++
		return 0
	}

	expired := 0
	for _, c := range live {
		if c.TTLSeconds == nil || *c.TTLSeconds <= 0 || c.Warm {
			continue
		}
		idle := time.Since(c.LastSeenAt)
		if idle <= time.Duration(*c.TTLSeconds)*time.Second {
			continue
		}
		m.logger.Info("killing expired container",
			"container_id", c.ID,
			"idle_s", int64(idle.Seconds()),
			"ttl_s", *c.TTLSeconds)
		if _, err := m.killer.Kill(ctx, c.ID, true); err != nil {
			m.logger.Error("failed to kill expired container", "container_id", c.ID, "error", err)
			stats.Errors++
			continue
		}
		expired++
	}
	return expired
}

// purgeContainers releases engine resources still held by purgeable rows,
// then deletes the rows with their attachments and executions.
func (m *Maintenance) purgeContainers(ctx context.Context, stats *GCStats) {
	gcAge := time.Duration(m.cfg.TransientGCDays) * 24 * time.Hour

	purgeable, err := m.store.ListPurgeableContainers(ctx, gcAge)
	if err != nil {
		m.logger.Error("failed to list purgeable containers", "error", err)
		stats.Errors++
		return
	}

	for _, c := range purgeable {
		if c.RuntimeID != nil {
			if err := m.rt.RemoveContainer(ctx, *c.RuntimeID, true); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
				m.logger.Warn("failed to remove container", "container_id", c.ID, "error", err)
			}
		}
		if !c.Persistent {
			if err := m.rt.RemoveVolume(ctx, c.WorkspaceVolume, true); err != nil {
				m.logger.Warn("failed to remove volume", "container_id", c.ID, "error", err)
			}
		}
	}

	purged, err := m.store.PurgeTerminalContainers(ctx, gcAge)
	if err != nil {
		m.logger.Error("failed to purge containers", "error", err)
		stats.Errors++
		return
	}
	stats.PurgedContainers = purged
}

// syncState verifies live rows against the engine and repairs drift. Skipped
// entirely when the engine is unreachable: an outage is not evidence that any
// particular container stopped.
func (m *Maintenance) syncState(ctx context.Context, stats *GCStats) int {
	if err := m.rt.Ping(ctx); err != nil {
		m.logger.Warn("skipping drift check, runtime unreachable", "error", err)
		return 0
	}

	live, err := m.store.ListLiveContainers(ctx)
	if err != nil {
		m.logger.Error("failed to list live containers", "error", err)
		stats.Errors++
		return 0
	}

	synced := 0
	for _, c := range live {
		if c.RuntimeID == nil {
			continue
		}

		var desired string
		var msg *string
		info, err := m.rt.InspectContainer(ctx, *c.RuntimeID)
		switch {
		case apperr.IsCode(err, apperr.CodeNotFound):
			desired = model.ContainerStatusStopped
		case err != nil:
			m.logger.Warn("failed to inspect container", "container_id", c.ID, "error", err)
			stats.Errors++
			continue
		default:
			desired, msg = statusFromInfo(info)
		}

		if desired == c.Status {
			continue
		}
		if err := m.store.UpdateContainerStatus(ctx, c.ID, desired, msg); err != nil {
			m.logger.Error("failed to sync container status", "container_id", c.ID, "error", err)
			stats.Errors++
			continue
		}
		m.logger.Info("drift repaired", "container_id", c.ID, "from", c.Status, "to", desired)
		synced++
	}
	return synced
}
