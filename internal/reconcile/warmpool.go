package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/manager"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/policy"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/store"
)

const probeTimeout = 10 * time.Second

// WarmPool keeps a configured number of pre-started containers of the default
// image idle and claimable. The spawn path claims one with a single store CAS;
// the pool notices the shortfall and replenishes in the background.
type WarmPool struct {
	store  *store.Store
	rt     runtime.Runtime
	mgr    *manager.Manager
	logger *slog.Logger

	enabled  bool
	image    string // policy-normalized reference the pool maintains
	size     int
	interval time.Duration
	mount    string

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	kick         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewWarmPool builds a WarmPool. The configured image is validated up front
// so a bad default fails the boot instead of silently disabling warm starts.
func NewWarmPool(st *store.Store, rt runtime.Runtime, mgr *manager.Manager, pol *policy.Resolver, cfg *config.Config, logger *slog.Logger) (*WarmPool, error) {
	p := &WarmPool{
		store:    st,
		rt:       rt,
		mgr:      mgr,
		logger:   logger.With("component", "warm_pool"),
		enabled:  cfg.WarmPoolEnabled,
		size:     cfg.WarmPoolSize,
		interval: cfg.WarmHealthInterval,
		mount:    cfg.WorkspaceMount,
		stopChan: make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
	if !p.enabled {
		return p, nil
	}

	resolved, err := pol.Validate(cfg.WarmPoolImage)
	if err != nil {
		return nil, err
	}
	p.image = resolved.Ref
	return p, nil
}

// Start fills the pool and begins the health loop.
func (p *WarmPool) Start(ctx context.Context) {
	if !p.enabled || p.size <= 0 {
		p.logger.Info("warm pool disabled")
		return
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)

	p.logger.Info("warm pool started",
		"image", p.image,
		"size", p.size,
		"health_interval", p.interval)
}

// Shutdown stops the pool loop. Pooled containers are left to the shutdown
// coordinator, which removes them with the rest of the transients.
func (p *WarmPool) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("shutdown timeout exceeded")
			p.logger.Error("warm pool shutdown timeout")
		}
	})
	return err
}

// Kick nudges the pool to replenish after a claim. Never blocks.
func (p *WarmPool) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *WarmPool) loop(ctx context.Context) {
	defer p.wg.Done()

	p.replenish(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-p.kick:
			p.replenish(ctx)
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// replenish tops the pool back up to its configured size.
func (p *WarmPool) replenish(ctx context.Context) {
	warm, err := p.store.ListWarmContainers(ctx, p.image)
	if err != nil {
		p.logger.Error("failed to list warm containers", "error", err)
		return
	}

	have := len(warm)
	for have < p.size {
		c, err := p.mgr.SpawnWarm(ctx, p.image)
		if err != nil {
			p.logger.Error("failed to provision warm container", "error", err)
			break
		}
		p.scrub(ctx, c)
		p.logger.Info("warm container ready", "container_id", c.ID)
		have++
	}
	metrics.WarmContainers.Set(float64(have))
}

// sweep probes every pooled container and replaces the unhealthy ones.
func (p *WarmPool) sweep(ctx context.Context) {
	warm, err := p.store.ListWarmContainers(ctx, p.image)
	if err != nil {
		p.logger.Error("failed to list warm containers", "error", err)
		return
	}

	for _, c := range warm {
		if p.healthy(ctx, c) {
			continue
		}
		p.logger.Warn("replacing unhealthy warm container", "container_id", c.ID)
		if _, err := p.mgr.Kill(ctx, c.ID, true); err != nil {
			p.logger.Error("failed to remove unhealthy warm container", "container_id", c.ID, "error", err)
		}
	}

	p.replenish(ctx)
}

// healthy checks that the container is running and can still exec as the
// sandbox user.
func (p *WarmPool) healthy(ctx context.Context, c *model.Container) bool {
	if c.RuntimeID == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	info, err := p.rt.InspectContainer(probeCtx, *c.RuntimeID)
	if err != nil || info.Status != runtime.StatusRunning {
		return false
	}

	stream, err := p.rt.ExecStart(probeCtx, *c.RuntimeID, runtime.ExecSpec{
		Argv: []string{"echo", "health_check"},
		User: "1000",
	})
	if err != nil {
		return false
	}
	defer stream.Close()
	drain(stream)

	code, err := stream.Wait(probeCtx)
	return err == nil && code == 0
}

// scrub empties the workspace before the container enters the pool. A named
// volume picks up whatever the image ships at the mount point; claimants
// expect an empty workspace.
func (p *WarmPool) scrub(ctx context.Context, c *model.Container) {
	if c.RuntimeID == nil {
		return
	}

	scrubCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stream, err := p.rt.ExecStart(scrubCtx, *c.RuntimeID, runtime.ExecSpec{
		Argv: []string{"sh", "-c", `cd "$1" || exit 1; rm -rf ./* ./.[!.]* ./..?* 2>/dev/null; true`, "ws", p.mount},
		User: "1000",
	})
	if err != nil {
		p.logger.Warn("failed to scrub workspace", "container_id", c.ID, "error", err)
		return
	}
	defer stream.Close()
	drain(stream)

	if code, err := stream.Wait(scrubCtx); err != nil || code != 0 {
		p.logger.Warn("workspace scrub did not complete", "container_id", c.ID, "exit", code, "error", err)
	}
}

// drain consumes a stream's output so the process never blocks on a full pipe.
func drain(stream runtime.ExecStream) {
	go func() {
		_, _ = io.Copy(io.Discard, stream.Stdout())
	}()
	go func() {
		_, _ = io.Copy(io.Discard, stream.Stderr())
	}()
}
