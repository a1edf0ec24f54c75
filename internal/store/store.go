// Package store provides database operations using GORM.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/devbench-ai/devbench/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// IsUniqueViolation reports whether err came from a unique-index conflict
// (alias reuse, idempotency key replay). Relies on GORM error translation.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// Terminal status sets used in WHERE clauses.
var (
	containerTerminalStatuses = []string{model.ContainerStatusStopped, model.ContainerStatusError}
	execTerminalStatuses      = []string{model.ExecStatusExited, model.ExecStatusTimedOut, model.ExecStatusCancelled, model.ExecStatusFailed}
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction. The Store passed to fn
// is scoped to the transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

// --- Containers ---

func (s *Store) CreateContainer(ctx context.Context, container *model.Container) error {
	return s.db.WithContext(ctx).Create(container).Error
}

func (s *Store) GetContainerByID(ctx context.Context, id string) (*model.Container, error) {
	var container model.Container
	if err := s.db.WithContext(ctx).First(&container, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &container, nil
}

// GetContainerByAlias resolves an alias among live containers. Terminal
// containers no longer reserve their alias.
func (s *Store) GetContainerByAlias(ctx context.Context, alias string) (*model.Container, error) {
	var container model.Container
	err := s.db.WithContext(ctx).
		First(&container, "alias = ? AND status NOT IN ?", alias, containerTerminalStatuses).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &container, nil
}

// ResolveContainer looks a container up by opaque id first, then by alias.
func (s *Store) ResolveContainer(ctx context.Context, target string) (*model.Container, error) {
	container, err := s.GetContainerByID(ctx, target)
	if err == nil {
		return container, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.GetContainerByAlias(ctx, target)
}

func (s *Store) ListContainers(ctx context.Context) ([]*model.Container, error) {
	var containers []*model.Container
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&containers).Error
	return containers, err
}

// ListLiveContainers returns containers that are not in a terminal status.
func (s *Store) ListLiveContainers(ctx context.Context) ([]*model.Container, error) {
	var containers []*model.Container
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", containerTerminalStatuses).
		Order("created_at ASC").
		Find(&containers).Error
	return containers, err
}

// ListLiveTransientContainers returns non-persistent containers that are not
// terminal, for TTL and garbage-collection sweeps.
func (s *Store) ListLiveTransientContainers(ctx context.Context) ([]*model.Container, error) {
	var containers []*model.Container
	err := s.db.WithContext(ctx).
		Where("persistent = ? AND status NOT IN ?", false, containerTerminalStatuses).
		Order("created_at ASC").
		Find(&containers).Error
	return containers, err
}

func (s *Store) UpdateContainer(ctx context.Context, container *model.Container) error {
	return s.db.WithContext(ctx).Save(container).Error
}

// UpdateContainerStatus updates only the status and error message fields.
func (s *Store) UpdateContainerStatus(ctx context.Context, id, status string, errorMessage *string) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	} else {
		updates["error_message"] = nil
	}
	return s.db.WithContext(ctx).Model(&model.Container{}).Where("id = ?", id).Updates(updates).Error
}

// TouchContainer bumps last_seen_at, marking the container as recently used.
func (s *Store) TouchContainer(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&model.Container{}).
		Where("id = ?", id).
		Update("last_seen_at", time.Now().UTC()).Error
}

// CountLiveContainersByAlias reports how many live containers hold an alias.
// Used inside spawn transactions for a clean conflict error before the
// partial unique index would reject the insert.
func (s *Store) CountLiveContainersByAlias(ctx context.Context, alias string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Container{}).
		Where("alias = ? AND status NOT IN ?", alias, containerTerminalStatuses).
		Count(&count).Error
	return count, err
}

func (s *Store) CountContainersByStatus(ctx context.Context) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	err := s.db.WithContext(ctx).Model(&model.Container{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// ClaimWarmContainer atomically claims a warm container of the given image.
// The update is guarded by warm = true so concurrent claimants race safely:
// exactly one wins, the rest fall through to a cold spawn.
// Returns nil, nil if no warm container is available.
func (s *Store) ClaimWarmContainer(ctx context.Context, image string, alias *string, persistent bool, ttlSeconds *int64) (*model.Container, error) {
	var claimed *model.Container

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate model.Container
		err := tx.Where("warm = ? AND image = ? AND status = ?", true, image, model.ContainerStatusRunning).
			Order("created_at ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // pool is empty
		}
		if err != nil {
			return err
		}

		result := tx.Model(&model.Container{}).
			Where("id = ? AND warm = ?", candidate.ID, true).
			Updates(map[string]interface{}{
				"warm":         false,
				"alias":        alias,
				"persistent":   persistent,
				"ttl_seconds":  ttlSeconds,
				"last_seen_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil // lost the race to another claimant
		}

		if err := tx.First(&candidate, "id = ?", candidate.ID).Error; err != nil {
			return err
		}
		claimed = &candidate
		return nil
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListWarmContainers returns current warm-pool members for an image.
func (s *Store) ListWarmContainers(ctx context.Context, image string) ([]*model.Container, error) {
	var containers []*model.Container
	err := s.db.WithContext(ctx).
		Where("warm = ? AND image = ? AND status NOT IN ?", true, image, containerTerminalStatuses).
		Order("created_at ASC").
		Find(&containers).Error
	return containers, err
}

// purgeablePredicate matches terminal rows the GC may delete. Stopped
// persistent rows are kept: the row is the only durable record of which
// volume holds the workspace.
const purgeablePredicate = "updated_at < ? AND (status = ? OR (status = ? AND persistent = ?))"

// ListPurgeableContainers returns terminal rows older than the cutoff that
// the GC is allowed to delete, so callers can release runtime resources
// before purging.
func (s *Store) ListPurgeableContainers(ctx context.Context, olderThan time.Duration) ([]*model.Container, error) {
	cutoff := time.Now().Add(-olderThan)
	var containers []*model.Container
	err := s.db.WithContext(ctx).
		Where(purgeablePredicate, cutoff, model.ContainerStatusError, model.ContainerStatusStopped, false).
		Find(&containers).Error
	return containers, err
}

// PurgeTerminalContainers deletes purgeable container rows older than the
// cutoff along with their attachments and executions. Returns the number of
// container rows removed.
func (s *Store) PurgeTerminalContainers(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var purged int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&model.Container{}).
			Where(purgeablePredicate, cutoff, model.ContainerStatusError, model.ContainerStatusStopped, false).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// Delete dependents first (no cascade in schema)
		if err := tx.Where("container_id IN ?", ids).Delete(&model.Execution{}).Error; err != nil {
			return err
		}
		if err := tx.Where("container_id IN ?", ids).Delete(&model.Attachment{}).Error; err != nil {
			return err
		}

		result := tx.Delete(&model.Container{}, "id IN ?", ids)
		purged = result.RowsAffected
		return result.Error
	})

	return purged, err
}

// --- Attachments ---

func (s *Store) CreateAttachment(ctx context.Context, attachment *model.Attachment) error {
	return s.db.WithContext(ctx).Create(attachment).Error
}

// ListAttachmentsByContainer returns attachments for a container. If
// activeOnly is true, detached records are excluded.
func (s *Store) ListAttachmentsByContainer(ctx context.Context, containerID string, activeOnly bool) ([]*model.Attachment, error) {
	var attachments []*model.Attachment
	query := s.db.WithContext(ctx).Where("container_id = ?", containerID)
	if activeOnly {
		query = query.Where("detached_at IS NULL")
	}
	err := query.Order("attached_at ASC").Find(&attachments).Error
	return attachments, err
}

func (s *Store) CountActiveAttachments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("detached_at IS NULL").
		Count(&count).Error
	return count, err
}

// DetachAttachmentsForContainer marks all active attachments of a container
// as detached. Returns the number of attachments closed.
func (s *Store) DetachAttachmentsForContainer(ctx context.Context, containerID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("container_id = ? AND detached_at IS NULL", containerID).
		Update("detached_at", time.Now().UTC())
	return result.RowsAffected, result.Error
}

// DetachAllAttachments closes every active attachment. Client sessions do
// not survive a server restart; clients must re-attach.
func (s *Store) DetachAllAttachments(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("detached_at IS NULL").
		Update("detached_at", time.Now().UTC())
	return result.RowsAffected, result.Error
}

// DetachAbandonedAttachments closes active attachments whose container is
// already terminal. Returns the number of attachments closed.
func (s *Store) DetachAbandonedAttachments(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("detached_at IS NULL AND container_id IN (?)",
			s.db.Model(&model.Container{}).Select("id").Where("status IN ?", containerTerminalStatuses)).
		Update("detached_at", time.Now().UTC())
	return result.RowsAffected, result.Error
}

// --- Executions ---

func (s *Store) CreateExecution(ctx context.Context, exec *model.Execution) error {
	return s.db.WithContext(ctx).Create(exec).Error
}

func (s *Store) GetExecutionByID(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	if err := s.db.WithContext(ctx).First(&exec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns executions, optionally filtered by container and
// statuses, most recent first.
func (s *Store) ListExecutions(ctx context.Context, containerID string, statuses []string, limit int) ([]*model.Execution, error) {
	query := s.db.WithContext(ctx).Model(&model.Execution{})
	if containerID != "" {
		query = query.Where("container_id = ?", containerID)
	}
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var execs []*model.Execution
	err := query.Order("started_at DESC").Find(&execs).Error
	return execs, err
}

// MarkExecutionCancelling moves a non-terminal execution into cancelling.
// Returns false if the execution was already terminal (or already
// cancelling), making repeated exec_cancel calls safe.
func (s *Store) MarkExecutionCancelling(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.Execution{}).
		Where("id = ? AND status IN ?", id, []string{model.ExecStatusQueued, model.ExecStatusRunning}).
		Update("status", model.ExecStatusCancelling)
	return result.RowsAffected > 0, result.Error
}

// CompleteExecution performs the single terminal transition for an
// execution: status, exit code, usage and ended_at are written together, and
// the update is guarded so a second completion attempt is a no-op. Returns
// whether this call performed the transition.
func (s *Store) CompleteExecution(ctx context.Context, id, status string, exitCode *int, usage json.RawMessage, errorMessage *string) (bool, error) {
	if !model.ExecStatusIsTerminal(status) {
		return false, errors.New("CompleteExecution requires a terminal status")
	}

	updates := map[string]interface{}{
		"status":   status,
		"ended_at": time.Now().UTC(),
	}
	if exitCode != nil {
		updates["exit_code"] = *exitCode
	}
	if len(usage) > 0 {
		updates["usage"] = usage
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	}

	result := s.db.WithContext(ctx).Model(&model.Execution{}).
		Where("id = ? AND status NOT IN ?", id, execTerminalStatuses).
		Updates(updates)
	return result.RowsAffected > 0, result.Error
}

// FailRunningExecutions marks every non-terminal execution as failed. Called
// once at boot: in-flight executions cannot survive a server restart.
// Returns the number of executions failed.
func (s *Store) FailRunningExecutions(ctx context.Context, reason string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Execution{}).
		Where("status NOT IN ?", execTerminalStatuses).
		Updates(map[string]interface{}{
			"status":        model.ExecStatusFailed,
			"ended_at":      time.Now().UTC(),
			"error_message": reason,
		})
	return result.RowsAffected, result.Error
}

// DeleteOldExecutions deletes terminal executions older than the given age.
// Returns the number of rows removed.
func (s *Store) DeleteOldExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("status IN ? AND ended_at < ?", execTerminalStatuses, cutoff).
		Delete(&model.Execution{})
	return result.RowsAffected, result.Error
}

// --- Idempotency keys ---

// GetIdempotencyKey returns the mapping for key if it exists, matches kind
// and has not expired. Expired keys report ErrNotFound.
func (s *Store) GetIdempotencyKey(ctx context.Context, kind, key string) (*model.IdempotencyKey, error) {
	var k model.IdempotencyKey
	cutoff := time.Now().Add(-model.IdempotencyKeyTTL)
	err := s.db.WithContext(ctx).
		First(&k, "key = ? AND kind = ? AND created_at > ?", key, kind, cutoff).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (s *Store) CreateIdempotencyKey(ctx context.Context, k *model.IdempotencyKey) error {
	return s.db.WithContext(ctx).Create(k).Error
}

// DeleteExpiredIdempotencyKeys removes keys past their TTL. Returns the
// number of rows removed.
func (s *Store) DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-model.IdempotencyKeyTTL)
	result := s.db.WithContext(ctx).
		Where("created_at <= ?", cutoff).
		Delete(&model.IdempotencyKey{})
	return result.RowsAffected, result.Error
}
