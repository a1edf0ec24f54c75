// Package manager owns the container lifecycle: spawn, attach, kill and
// target resolution. It records intent in the state store, drives the
// runtime to match, and leaves drift repair to the reconciler.
package manager

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/policy"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/store"
)

const (
	// stopTimeout is how long a container gets to exit after SIGTERM
	// before the engine force-kills it.
	stopTimeout = 10 * time.Second

	// sandboxUID owns the workspace volume and runs all sandboxed work.
	sandboxUID = 1000
)

// ExecCanceller cancels in-flight executions. Satisfied by exec.Engine.
type ExecCanceller interface {
	CancelForContainer(ctx context.Context, containerID, reason string) int
}

// Manager coordinates container lifecycle across the store and the runtime.
type Manager struct {
	store  *store.Store
	rt     runtime.Runtime
	policy *policy.Resolver
	execs  ExecCanceller
	cfg    *config.Config
	audit  *audit.Logger
	logger *slog.Logger
}

// New builds a Manager.
func New(st *store.Store, rt runtime.Runtime, pol *policy.Resolver, execs ExecCanceller, cfg *config.Config, auditLog *audit.Logger, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		rt:     rt,
		policy: pol,
		execs:  execs,
		cfg:    cfg,
		audit:  auditLog,
		logger: logger.With("component", "manager"),
	}
}

// SpawnRequest carries the client's spawn parameters.
type SpawnRequest struct {
	Image          string
	Alias          string
	Persistent     bool
	TTLSeconds     *int64
	IdempotencyKey string
}

// SpawnResult reports the outcome of a spawn.
type SpawnResult struct {
	ContainerID string
	Alias       *string
	Status      string
	Warm        bool // satisfied by a warm-pool claim
}

// VolumeName returns the workspace volume name for a container. Persistent
// volumes survive kill; transient volumes are removed with the container.
func VolumeName(containerID string, persistent bool) string {
	if persistent {
		return "devbench-persist-" + containerID
	}
	return "devbench-transient-" + containerID
}

// Spawn provisions a new sandbox container. The image is validated against
// policy first; an unexpired idempotency key short-circuits to the previous
// container; a warm-pool claim skips the cold-start path entirely.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if req.Image == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "image is required")
	}

	resolved, err := m.policy.Validate(req.Image)
	if err != nil {
		m.audit.Event(audit.EventPolicyViolation,
			"kind", "image_policy",
			"image", req.Image,
		)
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if prior, err := m.priorSpawn(ctx, req.IdempotencyKey); err != nil {
			return nil, err
		} else if prior != nil {
			return prior, nil
		}
	}

	if req.Alias != "" {
		n, err := m.store.CountLiveContainersByAlias(ctx, req.Alias)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, err, "check alias %q", req.Alias)
		}
		if n > 0 {
			return nil, apperr.New(apperr.CodeAlreadyExists, "alias %q is already in use", req.Alias)
		}
	}

	var alias *string
	if req.Alias != "" {
		alias = &req.Alias
	}

	// Warm claim: a single CAS flips an idle pre-started container to owned.
	claimed, err := m.store.ClaimWarmContainer(ctx, resolved.Ref, alias, req.Persistent, req.TTLSeconds)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "claim warm container")
	}
	if claimed != nil {
		if err := m.recordSpawnKey(ctx, req.IdempotencyKey, claimed.ID); err != nil {
			return nil, err
		}
		metrics.ContainerSpawns.WithLabelValues(claimed.Image).Inc()
		metrics.WarmContainers.Dec()
		m.audit.Event(audit.EventContainerSpawn,
			"container_id", claimed.ID,
			"image", claimed.Image,
			"alias", req.Alias,
			"persistent", req.Persistent,
			"warm_claim", true,
		)
		return &SpawnResult{
			ContainerID: claimed.ID,
			Alias:       claimed.Alias,
			Status:      claimed.Status,
			Warm:        true,
		}, nil
	}

	return m.coldSpawn(ctx, req, resolved, alias)
}

// priorSpawn returns the result of an earlier spawn recorded under the same
// idempotency key, or nil when the key is unknown or its container is gone.
func (m *Manager) priorSpawn(ctx context.Context, key string) (*SpawnResult, error) {
	rec, err := m.store.GetIdempotencyKey(ctx, model.IdempotencyKindSpawn, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "look up idempotency key")
	}

	c, err := m.store.GetContainerByID(ctx, rec.RefID)
	if errors.Is(err, store.ErrNotFound) {
		// The container was purged while its key lived on; run fresh.
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load container %s", rec.RefID)
	}

	m.logger.Info("returning container for idempotency key",
		"container_id", c.ID,
		"key_age_s", time.Since(rec.CreatedAt).Seconds(),
	)
	return &SpawnResult{ContainerID: c.ID, Alias: c.Alias, Status: c.Status}, nil
}

func (m *Manager) recordSpawnKey(ctx context.Context, key, containerID string) error {
	if key == "" {
		return nil
	}
	err := m.store.CreateIdempotencyKey(ctx, &model.IdempotencyKey{
		Key:   key,
		Kind:  model.IdempotencyKindSpawn,
		RefID: containerID,
	})
	if store.IsUniqueViolation(err) {
		// Two concurrent spawns raced on the key. The winner's mapping
		// stands; this spawn still produced a usable container.
		m.logger.Warn("idempotency key already recorded", "container_id", containerID)
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "record idempotency key")
	}
	return nil
}

// coldSpawn reserves the row in status creating, provisions the runtime
// container, and promotes the row to running. Runtime failures roll back
// the engine side and leave the row in status error for the GC to purge.
func (m *Manager) coldSpawn(ctx context.Context, req SpawnRequest, resolved *policy.Resolved, alias *string) (*SpawnResult, error) {
	if err := m.rt.EnsureImage(ctx, resolved.Ref, m.policy.RegistryAuth(resolved.Registry)); err != nil {
		return nil, err
	}

	digest, err := m.policy.ResolveDigest(ctx, m.rt, resolved.Ref)
	if err != nil {
		m.logger.Warn("failed to resolve image digest", "image", resolved.Ref, "error", err)
	}

	c := &model.Container{
		ID:         model.NewContainerID(),
		Image:      resolved.Ref,
		Alias:      alias,
		Persistent: req.Persistent,
		TTLSeconds: req.TTLSeconds,
		Status:     model.ContainerStatusCreating,
	}
	if digest != "" {
		c.ImageDigest = &digest
	}
	c.WorkspaceVolume = VolumeName(c.ID, req.Persistent)

	if err := m.createAndStart(ctx, c); err != nil {
		return nil, err
	}

	if err := m.recordSpawnKey(ctx, req.IdempotencyKey, c.ID); err != nil {
		return nil, err
	}

	metrics.ContainerSpawns.WithLabelValues(c.Image).Inc()
	metrics.ActiveContainers.Inc()
	m.audit.Event(audit.EventContainerSpawn,
		"container_id", c.ID,
		"image", c.Image,
		"alias", req.Alias,
		"persistent", req.Persistent,
		"warm_claim", false,
	)
	return &SpawnResult{ContainerID: c.ID, Alias: c.Alias, Status: c.Status}, nil
}

// createAndStart reserves the row in status creating, provisions the runtime
// side, and promotes the row to running. Runtime failures roll back engine
// resources and leave the row in status error for the GC to purge.
func (m *Manager) createAndStart(ctx context.Context, c *model.Container) error {
	if err := m.store.CreateContainer(ctx, c); err != nil {
		if store.IsUniqueViolation(err) {
			alias := ""
			if c.Alias != nil {
				alias = *c.Alias
			}
			return apperr.New(apperr.CodeAlreadyExists, "alias %q is already in use", alias)
		}
		return apperr.Wrap(apperr.CodeInternal, err, "reserve container row")
	}

	runtimeID, err := m.provision(ctx, c)
	if err != nil {
		msg := apperr.MessageOf(err)
		if uerr := m.store.UpdateContainerStatus(ctx, c.ID, model.ContainerStatusError, &msg); uerr != nil {
			m.logger.Error("failed to mark container error", "container_id", c.ID, "error", uerr)
		}
		return err
	}

	c.RuntimeID = &runtimeID
	c.Status = model.ContainerStatusRunning
	if err := m.store.UpdateContainer(ctx, c); err != nil {
		// The runtime side is up but the row is stuck in creating; the
		// reconciler will adopt it from labels.
		return apperr.Wrap(apperr.CodeInternal, err, "persist running container")
	}
	return nil
}

// SpawnWarm provisions an unclaimed warm-pool container. Warm containers
// carry no alias and no TTL; a later claim fills those in.
func (m *Manager) SpawnWarm(ctx context.Context, image string) (*model.Container, error) {
	resolved, err := m.policy.Validate(image)
	if err != nil {
		return nil, err
	}
	if err := m.rt.EnsureImage(ctx, resolved.Ref, m.policy.RegistryAuth(resolved.Registry)); err != nil {
		return nil, err
	}

	digest, err := m.policy.ResolveDigest(ctx, m.rt, resolved.Ref)
	if err != nil {
		m.logger.Warn("failed to resolve image digest", "image", resolved.Ref, "error", err)
	}

	c := &model.Container{
		ID:     model.NewContainerID(),
		Image:  resolved.Ref,
		Status: model.ContainerStatusCreating,
		Warm:   true,
	}
	if digest != "" {
		c.ImageDigest = &digest
	}
	c.WorkspaceVolume = VolumeName(c.ID, false)

	if err := m.createAndStart(ctx, c); err != nil {
		return nil, err
	}

	metrics.ActiveContainers.Inc()
	m.audit.Event(audit.EventContainerSpawn,
		"container_id", c.ID,
		"image", c.Image,
		"warm_pool", true,
	)
	return c, nil
}

// provision creates the volume and hardened container, starts it, and hands
// the workspace to the sandbox user. On failure every runtime side-effect
// is removed best-effort before returning.
func (m *Manager) provision(ctx context.Context, c *model.Container) (string, error) {
	labels := map[string]string{
		runtime.LabelContainerID: c.ID,
	}
	if c.Alias != nil {
		labels[runtime.LabelAlias] = *c.Alias
	}
	if c.Warm {
		labels[runtime.LabelWarm] = "true"
	}

	if err := m.rt.CreateVolume(ctx, c.WorkspaceVolume, map[string]string{
		runtime.LabelContainerID: c.ID,
	}); err != nil {
		return "", err
	}

	runtimeID, err := m.rt.CreateContainer(ctx, runtime.CreateOptions{
		Name:            "devbench-" + c.ID,
		Image:           c.Image,
		Labels:          labels,
		WorkspaceVolume: c.WorkspaceVolume,
		WorkspaceMount:  m.cfg.WorkspaceMount,
		User:            fmt.Sprintf("%d:%d", sandboxUID, sandboxUID),
		MemoryBytes:     m.cfg.MemoryLimitBytes,
		NanoCPUs:        int64(m.cfg.CPULimit * 1e9),
		PidsLimit:       m.cfg.PidsLimit,
		NetworkMode:     m.cfg.NetworkMode,
	})
	if err != nil {
		m.rollback(c, "", true)
		return "", err
	}

	// A fresh named volume surfaces root-owned. Extracting a directory
	// header onto the mount point re-owns it for the sandbox user without
	// granting the container CAP_CHOWN.
	if err := m.initWorkspace(ctx, runtimeID); err != nil {
		m.rollback(c, runtimeID, true)
		return "", err
	}

	if err := m.rt.StartContainer(ctx, runtimeID); err != nil {
		m.rollback(c, runtimeID, true)
		return "", err
	}
	return runtimeID, nil
}

func (m *Manager) initWorkspace(ctx context.Context, runtimeID string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := tw.WriteHeader(&tar.Header{
		Name:     "./",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		Uid:      sandboxUID,
		Gid:      sandboxUID,
		ModTime:  time.Now().UTC(),
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "build workspace init archive")
	}
	if err := tw.Close(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "build workspace init archive")
	}
	return m.rt.CopyTo(ctx, runtimeID, m.cfg.WorkspaceMount, &buf)
}

// rollback removes runtime side-effects of a failed spawn. Detached context:
// the request may already be cancelled.
func (m *Manager) rollback(c *model.Container, runtimeID string, removeVolume bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if runtimeID != "" {
		if err := m.rt.RemoveContainer(ctx, runtimeID, true); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
			m.logger.Warn("spawn rollback: remove container", "container_id", c.ID, "error", err)
		}
	}
	if removeVolume {
		if err := m.rt.RemoveVolume(ctx, c.WorkspaceVolume, true); err != nil {
			m.logger.Warn("spawn rollback: remove volume", "container_id", c.ID, "error", err)
		}
	}
}

// Resolve maps an id or alias to a live container. Terminal containers are
// reported as not_found; the row is touched so TTL accounting sees use.
func (m *Manager) Resolve(ctx context.Context, target string) (*model.Container, error) {
	if target == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "container target is required")
	}

	c, err := m.store.ResolveContainer(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "container %s not found", target)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "resolve container %s", target)
	}
	if model.ContainerStatusIsTerminal(c.Status) {
		return nil, apperr.New(apperr.CodeNotFound, "container %s is %s", target, c.Status)
	}

	if err := m.store.TouchContainer(ctx, c.ID); err != nil {
		m.logger.Warn("failed to touch container", "container_id", c.ID, "error", err)
	}
	return c, nil
}

// AttachResult reports a recorded attachment.
type AttachResult struct {
	ContainerID string
	Alias       *string
	Roots       []string
}

// Attach records a client session against a container. The container itself
// is not modified.
func (m *Manager) Attach(ctx context.Context, target, clientName, sessionID string) (*AttachResult, error) {
	if clientName == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "client_name is required")
	}

	c, err := m.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	att := &model.Attachment{
		ContainerID: c.ID,
		ClientName:  clientName,
		SessionID:   sessionID,
	}
	if err := m.store.CreateAttachment(ctx, att); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "record attachment")
	}

	metrics.ActiveAttachments.Inc()
	m.audit.Event(audit.EventContainerAttach,
		"container_id", c.ID,
		"client_name", clientName,
		"session_id", sessionID,
	)
	return &AttachResult{
		ContainerID: c.ID,
		Alias:       c.Alias,
		Roots:       []string{"workspace:" + c.ID},
	}, nil
}

// Kill stops and removes a container. Already-terminal containers return
// their status without error, so repeated kills are safe. Transient
// workspace volumes are removed; persistent volumes survive.
func (m *Manager) Kill(ctx context.Context, target string, force bool) (string, error) {
	c, err := m.store.ResolveContainer(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.New(apperr.CodeNotFound, "container %s not found", target)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "resolve container %s", target)
	}

	if model.ContainerStatusIsTerminal(c.Status) {
		return c.Status, nil
	}

	if err := m.store.UpdateContainerStatus(ctx, c.ID, model.ContainerStatusStopping, nil); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "mark container stopping")
	}

	if n := m.execs.CancelForContainer(ctx, c.ID, "container_kill"); n > 0 {
		m.logger.Info("cancelled executions for kill", "container_id", c.ID, "count", n)
	}

	if c.RuntimeID != nil {
		if err := m.rt.StopContainer(ctx, *c.RuntimeID, stopTimeout); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
			if !force {
				return "", err
			}
			m.logger.Warn("force kill: stop failed", "container_id", c.ID, "error", err)
		}
		if err := m.rt.RemoveContainer(ctx, *c.RuntimeID, true); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
			return "", err
		}
	}

	if !c.Persistent {
		if err := m.rt.RemoveVolume(ctx, c.WorkspaceVolume, true); err != nil {
			m.logger.Warn("failed to remove transient volume", "container_id", c.ID, "error", err)
		}
	}

	if _, err := m.store.DetachAttachmentsForContainer(ctx, c.ID); err != nil {
		m.logger.Warn("failed to detach clients", "container_id", c.ID, "error", err)
	}
	if err := m.store.UpdateContainerStatus(ctx, c.ID, model.ContainerStatusStopped, nil); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "mark container stopped")
	}

	metrics.ActiveContainers.Dec()
	m.audit.Event(audit.EventContainerKill,
		"container_id", c.ID,
		"force", force,
		"persistent", c.Persistent,
	)
	return model.ContainerStatusStopped, nil
}

// Get resolves a container and folds in the runtime's current view: a row
// that claims running while the engine reports otherwise is synced down to
// stopped or error before it is returned.
func (m *Manager) Get(ctx context.Context, target string) (*model.Container, error) {
	c, err := m.store.ResolveContainer(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "container %s not found", target)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "resolve container %s", target)
	}

	if c.Status != model.ContainerStatusRunning || c.RuntimeID == nil {
		return c, nil
	}

	info, err := m.rt.InspectContainer(ctx, *c.RuntimeID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		if uerr := m.store.UpdateContainerStatus(ctx, c.ID, model.ContainerStatusStopped, nil); uerr == nil {
			c.Status = model.ContainerStatusStopped
		}
		return c, nil
	}
	if err != nil {
		// Runtime unreachable; report the stored view.
		return c, nil
	}

	switch info.Status {
	case runtime.StatusRunning:
	case runtime.StatusFailed:
		msg := fmt.Sprintf("container exited with code %d", info.ExitCode)
		if uerr := m.store.UpdateContainerStatus(ctx, c.ID, model.ContainerStatusError, &msg); uerr == nil {
			c.Status = model.ContainerStatusError
			c.ErrorMessage = &msg
		}
	default:
		if uerr := m.store.UpdateContainerStatus(ctx, c.ID, model.ContainerStatusStopped, nil); uerr == nil {
			c.Status = model.ContainerStatusStopped
		}
	}
	return c, nil
}

// List returns every container row, live and terminal.
func (m *Manager) List(ctx context.Context) ([]*model.Container, error) {
	containers, err := m.store.ListContainers(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list containers")
	}
	return containers, nil
}
