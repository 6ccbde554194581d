package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
)

type PartitionStore struct {
	db *gorm.DB
}

func NewPartitionStore(db *gorm.DB) *PartitionStore {
	return &PartitionStore{db: db}
}

func (s *PartitionStore) Load(ctx context.Context, name string) (*models.SessionPartition, error) {
	var p models.SessionPartition
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error; err != nil {
		return nil, wrapFind(err, "failed find partition %s", name)
	}
	return &p, nil
}

// Save upserts the partition's jar. The stored verification time is only
// replaced when p carries one.
func (s *PartitionStore) Save(ctx context.Context, p *models.SessionPartition) error {
	columns := []string{"cookies", "updated_at"}
	if p.LastVerifiedAt != nil {
		columns = append(columns, "last_verified_at")
	}
	return errors.WithStack(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(p).Error)
}

func (s *PartitionStore) MarkVerified(ctx context.Context, name string, at time.Time) error {
	return errors.WithStack(s.db.WithContext(ctx).Model(&models.SessionPartition{}).
		Where("name = ?", name).
		Update("last_verified_at", at).Error)
}
