package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
)

type RecordStore struct {
	db *gorm.DB
}

func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Upsert writes a publish record keyed by its backend id.
func (s *RecordStore) Upsert(ctx context.Context, rec *models.PublishRecord) error {
	return errors.WithStack(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"success", "message", "url", "published_at", "updated_at"}),
	}).Create(rec).Error)
}

func (s *RecordStore) GetByTask(ctx context.Context, taskID string) (*models.PublishRecord, error) {
	var rec models.PublishRecord
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&rec).Error; err != nil {
		return nil, wrapFind(err, "failed find publish record for task %s", taskID)
	}
	return &rec, nil
}

func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PublishRecord{}).Count(&n).Error
	return n, errors.WithStack(err)
}
