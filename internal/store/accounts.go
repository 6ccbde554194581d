package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
)

type AccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Upsert writes the account keyed by its backend id.
func (s *AccountStore) Upsert(ctx context.Context, account *models.PlatformAccount) error {
	return errors.WithStack(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"platform_id", "owner_user_id", "display_name", "real_username", "avatar_url",
			"session_partition_ref", "status", "status_message", "last_verified_at", "updated_at",
		}),
	}).Create(account).Error)
}

func (s *AccountStore) Get(ctx context.Context, id string) (*models.PlatformAccount, error) {
	var account models.PlatformAccount
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		return nil, wrapFind(err, "failed find account %s", id)
	}
	return &account, nil
}

func (s *AccountStore) ListByOwner(ctx context.Context, ownerUserID string) ([]models.PlatformAccount, error) {
	var accounts []models.PlatformAccount
	err := s.db.WithContext(ctx).Where("owner_user_id = ?", ownerUserID).Order("created_at ASC").Find(&accounts).Error
	return accounts, errors.WithStack(err)
}

func (s *AccountStore) MarkStatus(ctx context.Context, id string, status models.AccountStatus, message string) error {
	return errors.WithStack(s.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "status_message": message}).Error)
}

// MarkUsed records a successful login verification and use of the account.
func (s *AccountStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	return errors.WithStack(s.db.WithContext(ctx).Model(&models.PlatformAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           models.AccountStatusActive,
			"status_message":   "",
			"last_verified_at": at,
			"last_used_at":     at,
		}).Error)
}
