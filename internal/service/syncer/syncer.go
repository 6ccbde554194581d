// Package syncer orders writes so that the backend system of record always
// confirms a record before the local cache stores it.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/backend"
	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/retry"
)

// ErrBackendSyncFailed means the backend did not confirm the record. Nothing
// was written locally.
var ErrBackendSyncFailed = errors.New("backend sync failed")

// SyncThenPersist submits draft to the backend and persists the confirmed
// record only after the backend accepted it. A sync failure skips persist.
func SyncThenPersist[D, R any](
	ctx context.Context,
	draft D,
	sync func(ctx context.Context, draft D) (R, error),
	persist func(ctx context.Context, confirmed R) error,
) (R, error) {
	confirmed, err := sync(ctx, draft)
	if err != nil {
		var zero R
		return zero, fmt.Errorf("%w: %w", ErrBackendSyncFailed, err)
	}
	if err := persist(ctx, confirmed); err != nil {
		return confirmed, fmt.Errorf("failed to cache confirmed record: %w", err)
	}
	return confirmed, nil
}

// Backend is the part of the system of record the coordinator writes to.
type Backend interface {
	CreateAccount(ctx context.Context, userID string, req backend.CreateAccountRequest) (backend.Account, error)
	RecordPublishResult(ctx context.Context, userID string, req backend.PublishResultRequest) (backend.PublishRecord, error)
}

type AccountRepository interface {
	Upsert(ctx context.Context, account *models.PlatformAccount) error
}

type RecordRepository interface {
	Upsert(ctx context.Context, rec *models.PublishRecord) error
}

type Coordinator struct {
	backend    Backend
	accounts   AccountRepository
	records    RecordRepository
	logger     *zap.Logger
	maxRetries int
	schedule   retry.Schedule
	now        func() time.Time
}

type Option func(*Coordinator)

// WithRetries sets how often a backend call is retried and the waits in between.
func WithRetries(maxRetries int, schedule retry.Schedule) Option {
	return func(c *Coordinator) {
		c.maxRetries = maxRetries
		if len(schedule) > 0 {
			c.schedule = schedule
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(b Backend, accounts AccountRepository, records RecordRepository, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:    b,
		accounts:   accounts,
		records:    records,
		logger:     logger,
		maxRetries: 2,
		schedule:   retry.DefaultSchedule,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccountDraft is an account observed on a platform that the backend has not
// confirmed yet. It has no id.
type AccountDraft struct {
	OwnerUserID string
	PlatformID  string
	Profile     publisher.Profile
	Cookies     []session.Cookie
}

// CreateAccount registers the account with the backend and caches it under
// the backend id.
func (c *Coordinator) CreateAccount(ctx context.Context, draft AccountDraft) (*models.PlatformAccount, error) {
	var credentials string
	if len(draft.Cookies) > 0 {
		data, err := json.Marshal(draft.Cookies)
		if err != nil {
			return nil, fmt.Errorf("failed to encode credentials: %w", err)
		}
		credentials = string(data)
	}

	var local *models.PlatformAccount
	_, err := SyncThenPersist(ctx, draft,
		func(ctx context.Context, d AccountDraft) (backend.Account, error) {
			return retry.WithRetry(ctx, func(ctx context.Context) (backend.Account, error) {
				acc, err := c.backend.CreateAccount(ctx, d.OwnerUserID, backend.CreateAccountRequest{
					PlatformID:   d.PlatformID,
					DisplayName:  d.Profile.DisplayName,
					RealUsername: d.Profile.RealUsername,
					AvatarURL:    d.Profile.AvatarURL,
					Credentials:  credentials,
				})
				return acc, classify(err)
			}, c.maxRetries, c.schedule, c.retryOptions("create_account"))
		},
		func(ctx context.Context, acc backend.Account) error {
			now := c.now()
			local = &models.PlatformAccount{
				ID:                  acc.ID,
				PlatformID:          draft.PlatformID,
				OwnerUserID:         draft.OwnerUserID,
				DisplayName:         draft.Profile.DisplayName,
				RealUsername:        draft.Profile.RealUsername,
				AvatarURL:           draft.Profile.AvatarURL,
				SessionPartitionRef: session.PersistentPartition(draft.PlatformID, acc.ID),
				Status:              models.AccountStatusActive,
				LastVerifiedAt:      &now,
			}
			return c.accounts.Upsert(ctx, local)
		},
	)
	if err != nil {
		c.logger.Error("Account sync failed",
			zap.String("platform", draft.PlatformID),
			zap.String("owner", draft.OwnerUserID),
			zap.Error(err))
		return nil, err
	}

	c.logger.Info("Account synced",
		zap.String("account_id", local.ID),
		zap.String("platform", local.PlatformID))
	return local, nil
}

// PublishResultDraft is a finished task outcome waiting for backend confirmation.
type PublishResultDraft struct {
	Task       *models.PublishingTask
	Outcome    publisher.PublishOutcome
	FinishedAt time.Time
}

// RecordPublishResult reports the outcome to the backend, then caches it under
// the backend record id.
func (c *Coordinator) RecordPublishResult(ctx context.Context, draft PublishResultDraft) (*models.PublishRecord, error) {
	task := draft.Task
	message := draft.Outcome.Message
	if !draft.Outcome.Success && draft.Outcome.Reason != nil {
		message = draft.Outcome.Reason.Error()
	}

	var local *models.PublishRecord
	_, err := SyncThenPersist(ctx, draft,
		func(ctx context.Context, d PublishResultDraft) (backend.PublishRecord, error) {
			return retry.WithRetry(ctx, func(ctx context.Context) (backend.PublishRecord, error) {
				rec, err := c.backend.RecordPublishResult(ctx, task.OwnerUserID, backend.PublishResultRequest{
					TaskID:      task.ID,
					PlatformID:  task.PlatformID,
					AccountID:   task.AccountID,
					ArticleID:   task.ArticleID,
					Success:     d.Outcome.Success,
					Message:     message,
					URL:         d.Outcome.URL,
					PublishedAt: d.FinishedAt,
				})
				return rec, classify(err)
			}, c.maxRetries, c.schedule, c.retryOptions("record_publish_result"))
		},
		func(ctx context.Context, rec backend.PublishRecord) error {
			local = &models.PublishRecord{
				ID:          rec.ID,
				TaskID:      task.ID,
				OwnerUserID: task.OwnerUserID,
				PlatformID:  task.PlatformID,
				AccountID:   task.AccountID,
				ArticleID:   task.ArticleID,
				Success:     draft.Outcome.Success,
				Message:     message,
				URL:         draft.Outcome.URL,
			}
			if draft.Outcome.Success {
				at := draft.FinishedAt
				local.PublishedAt = &at
			}
			return c.records.Upsert(ctx, local)
		},
	)
	if err != nil {
		c.logger.Error("Publish result sync failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return nil, err
	}
	return local, nil
}

func (c *Coordinator) retryOptions(operation string) retry.Options {
	return retry.Options{OnRetry: func(attempt int, err error) {
		metrics.RetryAttempts.WithLabelValues(operation).Inc()
		c.logger.Warn("Retrying backend call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}}
}

// classify stops retries on answers that will not change.
func classify(err error) error {
	if errors.Is(err, backend.ErrUnauthorized) || errors.Is(err, backend.ErrConflict) {
		return retry.Permanent(err)
	}
	return err
}
