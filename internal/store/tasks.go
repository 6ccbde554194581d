package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
)

type TaskStore struct {
	db *gorm.DB
}

func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

// CreateBatch inserts all tasks of a batch atomically.
func (s *TaskStore) CreateBatch(ctx context.Context, tasks []*models.PublishingTask) error {
	return errors.WithStack(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range tasks {
			if err := tx.Create(t).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *TaskStore) Create(ctx context.Context, task *models.PublishingTask) error {
	return errors.WithStack(s.db.WithContext(ctx).Create(task).Error)
}

func (s *TaskStore) Get(ctx context.Context, id string) (*models.PublishingTask, error) {
	var task models.PublishingTask
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, wrapFind(err, "failed find task %s", id)
	}
	return &task, nil
}

// ListBatch returns a batch's tasks in execution order.
func (s *TaskStore) ListBatch(ctx context.Context, batchID string) ([]models.PublishingTask, error) {
	var tasks []models.PublishingTask
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("batch_order ASC").
		Find(&tasks).Error
	return tasks, errors.Wrapf(err, "failed list batch %s", batchID)
}

// MarkRunning moves a pending task to running. It reports false when the task
// was no longer pending.
func (s *TaskStore) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("id = ? AND status = ?", id, models.TaskStatusPending).
		Updates(map[string]interface{}{
			"status":         models.TaskStatusRunning,
			"status_message": "",
			"started_at":     at,
			"attempts":       gorm.Expr("attempts + 1"),
			"updated_at":     at,
		})
	if res.Error != nil {
		return false, errors.WithStack(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Finish records the terminal status of a running task.
func (s *TaskStore) Finish(ctx context.Context, id string, status models.TaskStatus, message string, at time.Time) error {
	if !status.Terminal() {
		return errors.Errorf("status %s is not terminal", status)
	}
	res := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("id = ? AND status = ?", id, models.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":         status,
			"status_message": message,
			"finished_at":    at,
			"updated_at":     at,
		})
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "no running task %s", id)
	}
	return nil
}

// FailPending fails every pending task of a batch with message.
func (s *TaskStore) FailPending(ctx context.Context, batchID, message string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("batch_id = ? AND status = ?", batchID, models.TaskStatusPending).
		Updates(map[string]interface{}{
			"status":         models.TaskStatusFailed,
			"status_message": message,
			"finished_at":    at,
			"updated_at":     at,
		})
	return res.RowsAffected, errors.WithStack(res.Error)
}

// FailInterrupted fails tasks left running by a process that died.
func (s *TaskStore) FailInterrupted(ctx context.Context, message string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("status = ?", models.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":         models.TaskStatusFailed,
			"status_message": message,
			"finished_at":    at,
			"updated_at":     at,
		})
	return res.RowsAffected, errors.WithStack(res.Error)
}

func (s *TaskStore) DeleteBatch(ctx context.Context, batchID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Delete(&models.PublishingTask{})
	return res.RowsAffected, errors.WithStack(res.Error)
}

// BatchOwner returns the user who submitted a batch.
func (s *TaskStore) BatchOwner(ctx context.Context, batchID string) (string, error) {
	var owners []string
	err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("batch_id = ?", batchID).
		Limit(1).
		Pluck("owner_user_id", &owners).Error
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(owners) == 0 {
		return "", errors.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return owners[0], nil
}

// OwnedBatches keeps the ids of batchIDs submitted by owner.
func (s *TaskStore) OwnedBatches(ctx context.Context, owner string, batchIDs []string) ([]string, error) {
	ids := []string{}
	if len(batchIDs) == 0 {
		return ids, nil
	}
	err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("owner_user_id = ? AND batch_id IN ?", owner, batchIDs).
		Distinct("batch_id").
		Order("batch_id ASC").
		Pluck("batch_id", &ids).Error
	return ids, errors.WithStack(err)
}

// PendingBatches lists batch ids that still have pending tasks.
func (s *TaskStore) PendingBatches(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("status = ? AND batch_id IS NOT NULL", models.TaskStatusPending).
		Distinct("batch_id").
		Pluck("batch_id", &ids).Error
	return ids, errors.WithStack(err)
}

// PendingSingles lists unbatched pending task ids, oldest first.
func (s *TaskStore) PendingSingles(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Where("status = ? AND batch_id IS NULL", models.TaskStatusPending).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, errors.WithStack(err)
}

// LastFinishedBefore returns the latest terminal task of a batch ordered
// before batchOrder, or nil when there is none.
func (s *TaskStore) LastFinishedBefore(ctx context.Context, batchID string, batchOrder int) (*models.PublishingTask, error) {
	var task models.PublishingTask
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND batch_order < ? AND status IN ?", batchID, batchOrder,
			[]models.TaskStatus{models.TaskStatusCompleted, models.TaskStatusFailed}).
		Order("batch_order DESC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &task, nil
}

func (s *TaskStore) BatchStats(ctx context.Context, batchID string) (models.BatchStats, error) {
	stats := models.BatchStats{BatchID: batchID}

	var rows []struct {
		Status      models.TaskStatus
		Count       int
		MaxInterval int
	}
	err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Select("status, COUNT(*) AS count, MAX(interval_minutes) AS max_interval").
		Where("batch_id = ?", batchID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, errors.WithStack(err)
	}
	if len(rows) == 0 {
		return stats, errors.Wrapf(ErrNotFound, "batch %s", batchID)
	}

	for _, r := range rows {
		stats.Total += r.Count
		if r.MaxInterval > stats.IntervalMinutes {
			stats.IntervalMinutes = r.MaxInterval
		}
		switch r.Status {
		case models.TaskStatusPending:
			stats.Pending = r.Count
		case models.TaskStatusRunning:
			stats.Running = r.Count
		case models.TaskStatusCompleted:
			stats.Completed = r.Count
		case models.TaskStatusFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}

// CountByStatus counts all tasks grouped by status.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	var rows []struct {
		Status models.TaskStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.WithStack(err)
	}

	out := make(map[models.TaskStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
