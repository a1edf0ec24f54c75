// Package reconcile repairs drift between the state store and the container
// runtime, keeps the warm pool stocked, and runs periodic garbage collection.
// The store records intent; the engine holds reality; this package makes the
// two agree after crashes, restarts and out-of-band changes.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/model"
	"github.com/devbench-ai/devbench/internal/runtime"
	"github.com/devbench-ai/devbench/internal/store"
)

// Stats summarizes one reconciliation pass.
type Stats struct {
	Discovered int `json:"discovered"`
	Adopted    int `json:"adopted"`
	CleanedUp  int `json:"cleaned_up"`
	Orphaned   int `json:"orphaned"`
	Errors     int `json:"errors"`
}

// Reconciler aligns the state store with the runtime's actual containers.
type Reconciler struct {
	store  *store.Store
	rt     runtime.Runtime
	cfg    *config.Config
	audit  *audit.Logger
	logger *slog.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(st *store.Store, rt runtime.Runtime, cfg *config.Config, auditLog *audit.Logger, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		rt:     rt,
		cfg:    cfg,
		audit:  auditLog,
		logger: logger.With("component", "reconciler"),
	}
}

// Boot runs the restart recovery sequence before the server accepts traffic.
// Executions that were running when the last process died are failed (their
// ring buffers did not survive), client attachments are closed, then a full
// reconcile pass aligns the store with the engine.
func (r *Reconciler) Boot(ctx context.Context) (*Stats, error) {
	failed, err := r.store.FailRunningExecutions(ctx, "server_restart")
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "fail interrupted executions")
	}
	if failed > 0 {
		r.logger.Info("failed interrupted executions", "count", failed)
	}

	detached, err := r.store.DetachAllAttachments(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "detach stale attachments")
	}
	if detached > 0 {
		r.logger.Info("detached stale attachments", "count", detached)
	}

	return r.Reconcile(ctx)
}

// Reconcile discovers every runtime container bearing the managed label and
// aligns it with the store: known containers get their status synced, unknown
// ones are adopted from their labels, unknown transients past the GC age are
// removed, and rows whose runtime object vanished are closed out. A stats
// struct is always returned, even on error, so callers can report partial
// progress.
func (r *Reconciler) Reconcile(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	discovered, err := r.rt.ListContainers(ctx, runtime.ManagedSelector())
	if err != nil {
		stats.Errors++
		return stats, apperr.Wrap(apperr.CodeRuntimeUnavailable, err, "discover managed containers")
	}
	stats.Discovered = len(discovered)

	rows, err := r.store.ListContainers(ctx)
	if err != nil {
		stats.Errors++
		return stats, apperr.Wrap(apperr.CodeInternal, err, "list container rows")
	}

	byID := make(map[string]*model.Container, len(rows))
	byRuntimeID := make(map[string]*model.Container, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
		if c.RuntimeID != nil {
			byRuntimeID[*c.RuntimeID] = c
		}
	}

	matched := make(map[string]bool, len(rows)) // row IDs with a live engine object

	for _, info := range discovered {
		row, known := byRuntimeID[info.RuntimeID]
		if !known {
			// A row may exist without its runtime id persisted when the
			// previous process died between create and commit.
			if id := info.Labels[runtime.LabelContainerID]; id != "" {
				if orphanRow, ok := byID[id]; ok && orphanRow.RuntimeID == nil {
					orphanRow.RuntimeID = &info.RuntimeID
					if err := r.store.UpdateContainer(ctx, orphanRow); err != nil {
						r.logger.Error("failed to re-bind container", "container_id", orphanRow.ID, "error", err)
						stats.Errors++
						matched[orphanRow.ID] = true
						continue
					}
					r.logger.Info("re-bound container to runtime object",
						"container_id", orphanRow.ID, "runtime_id", info.RuntimeID)
					row, known = orphanRow, true
				}
			}
		}

		if known {
			matched[row.ID] = true
			cleaned, err := r.syncRow(ctx, row, info)
			if err != nil {
				r.logger.Error("failed to sync container", "container_id", row.ID, "error", err)
				stats.Errors++
			} else if cleaned {
				stats.CleanedUp++
			}
			continue
		}

		if r.expiredUnknownTransient(info) {
			if err := r.removeUnknown(ctx, info); err != nil {
				r.logger.Error("failed to remove aged container", "runtime_id", info.RuntimeID, "error", err)
				stats.Errors++
			} else {
				stats.Orphaned++
			}
			continue
		}

		if err := r.adopt(ctx, info); err != nil {
			r.logger.Error("failed to adopt container", "runtime_id", info.RuntimeID, "error", err)
			stats.Errors++
		} else {
			stats.Adopted++
		}
	}

	// Rows that claim a live container the engine no longer has.
	for _, row := range rows {
		if matched[row.ID] || model.ContainerStatusIsTerminal(row.Status) {
			continue
		}
		if err := r.closeVanishedRow(ctx, row); err != nil {
			r.logger.Error("failed to close vanished container", "container_id", row.ID, "error", err)
			stats.Errors++
		} else {
			stats.CleanedUp++
		}
	}

	syncGauges(ctx, r.store, r.logger)

	r.audit.Event(audit.EventSystemReconcile,
		"discovered", stats.Discovered,
		"adopted", stats.Adopted,
		"cleaned_up", stats.CleanedUp,
		"orphaned", stats.Orphaned,
		"errors", stats.Errors,
	)
	r.logger.Info("reconciliation completed",
		"discovered", stats.Discovered,
		"adopted", stats.Adopted,
		"cleaned_up", stats.CleanedUp,
		"orphaned", stats.Orphaned,
		"errors", stats.Errors,
	)
	return stats, nil
}

// syncRow folds the engine's view of a known container into its row. Reports
// whether the engine object was torn down in the process.
func (r *Reconciler) syncRow(ctx context.Context, row *model.Container, info *runtime.ContainerInfo) (bool, error) {
	// A terminal or stopping row with a live engine object is an interrupted
	// kill: finish the teardown.
	if model.ContainerStatusIsTerminal(row.Status) || row.Status == model.ContainerStatusStopping {
		if err := r.teardown(ctx, info.RuntimeID, row); err != nil {
			return false, err
		}
		if !model.ContainerStatusIsTerminal(row.Status) {
			if err := r.store.UpdateContainerStatus(ctx, row.ID, model.ContainerStatusStopped, nil); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	desired, msg := statusFromInfo(info)
	if desired == row.Status {
		return false, nil
	}

	// A dead engine object is not coming back; clear it before closing the
	// row so restarts do not leave half-removed containers behind.
	if desired != model.ContainerStatusRunning {
		if err := r.teardown(ctx, info.RuntimeID, row); err != nil {
			return false, err
		}
	}
	if err := r.store.UpdateContainerStatus(ctx, row.ID, desired, msg); err != nil {
		return false, err
	}
	r.logger.Info("synced container status", "container_id", row.ID, "from", row.Status, "to", desired)
	return desired != model.ContainerStatusRunning, nil
}

// adopt creates a row for a labeled container the store has never seen.
func (r *Reconciler) adopt(ctx context.Context, info *runtime.ContainerInfo) error {
	id := info.Labels[runtime.LabelContainerID]
	if id == "" {
		// Carries the managed label but no identity; leave it alone rather
		// than guess.
		r.logger.Warn("managed container has no id label", "runtime_id", info.RuntimeID, "name", info.Name)
		return nil
	}

	status, msg := statusFromInfo(info)
	c := &model.Container{
		ID:              id,
		RuntimeID:       &info.RuntimeID,
		Image:           info.Image,
		Persistent:      strings.HasPrefix(info.WorkspaceVolume, "devbench-persist-"),
		WorkspaceVolume: info.WorkspaceVolume,
		Status:          status,
		Warm:            info.Labels[runtime.LabelWarm] == "true",
		ErrorMessage:    msg,
	}
	if alias := info.Labels[runtime.LabelAlias]; alias != "" {
		c.Alias = &alias
	}

	err := r.store.CreateContainer(ctx, c)
	if store.IsUniqueViolation(err) && c.Alias != nil {
		// Another live row took the alias while this container was off the
		// books. Adopt without it.
		r.logger.Warn("adopting without alias", "container_id", id, "alias", *c.Alias)
		c.Alias = nil
		err = r.store.CreateContainer(ctx, c)
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "create adopted row")
	}

	r.logger.Info("adopted container",
		"container_id", id,
		"runtime_id", info.RuntimeID,
		"image", info.Image,
		"status", status,
	)
	return nil
}

// expiredUnknownTransient reports whether an unknown container is a transient
// past the GC age and should be removed instead of adopted.
func (r *Reconciler) expiredUnknownTransient(info *runtime.ContainerInfo) bool {
	if !strings.HasPrefix(info.WorkspaceVolume, "devbench-transient-") {
		return false
	}
	age := time.Duration(r.cfg.TransientGCDays) * 24 * time.Hour
	return !info.CreatedAt.IsZero() && time.Since(info.CreatedAt) > age
}

func (r *Reconciler) removeUnknown(ctx context.Context, info *runtime.ContainerInfo) error {
	if err := r.rt.RemoveContainer(ctx, info.RuntimeID, true); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return err
	}
	if info.WorkspaceVolume != "" {
		if err := r.rt.RemoveVolume(ctx, info.WorkspaceVolume, true); err != nil {
			r.logger.Warn("failed to remove volume", "volume", info.WorkspaceVolume, "error", err)
		}
	}
	r.logger.Info("removed aged unknown container", "runtime_id", info.RuntimeID, "created_at", info.CreatedAt)
	return nil
}

// closeVanishedRow closes out a live row whose engine object is gone. A row
// still in creating never finished spawning, so it lands in error; anything
// else is recorded as stopped.
func (r *Reconciler) closeVanishedRow(ctx context.Context, row *model.Container) error {
	status := model.ContainerStatusStopped
	var msg *string
	if row.Status == model.ContainerStatusCreating {
		status = model.ContainerStatusError
		m := "spawn interrupted by server restart"
		msg = &m
	}
	if err := r.store.UpdateContainerStatus(ctx, row.ID, status, msg); err != nil {
		return err
	}
	r.logger.Info("closed vanished container", "container_id", row.ID, "status", status)
	return nil
}

// teardown removes a container's engine object and, for transients, its
// workspace volume.
func (r *Reconciler) teardown(ctx context.Context, runtimeID string, row *model.Container) error {
	if err := r.rt.RemoveContainer(ctx, runtimeID, true); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return err
	}
	if !row.Persistent {
		if err := r.rt.RemoveVolume(ctx, row.WorkspaceVolume, true); err != nil {
			r.logger.Warn("failed to remove volume", "container_id", row.ID, "error", err)
		}
	}
	return nil
}

// syncGauges re-seeds the container and attachment gauges from the store so
// they survive restarts and drift repair.
func syncGauges(ctx context.Context, st *store.Store, logger *slog.Logger) {
	counts, err := st.CountContainersByStatus(ctx)
	if err != nil {
		logger.Warn("failed to count containers", "error", err)
	} else {
		metrics.ActiveContainers.Set(float64(counts[model.ContainerStatusRunning]))
	}

	attachments, err := st.CountActiveAttachments(ctx)
	if err != nil {
		logger.Warn("failed to count attachments", "error", err)
	} else {
		metrics.ActiveAttachments.Set(float64(attachments))
	}
}

// statusFromInfo reduces an engine state to a row status. A failed container
// carries its exit code in the error message.
func statusFromInfo(info *runtime.ContainerInfo) (string, *string) {
	switch info.Status {
	case runtime.StatusRunning:
		return model.ContainerStatusRunning, nil
	case runtime.StatusFailed:
		msg := fmt.Sprintf("container exited with code %d", info.ExitCode)
		return model.ContainerStatusError, &msg
	default:
		return model.ContainerStatusStopped, nil
	}
}
