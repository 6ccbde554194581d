package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/syncer"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/retry"
)

type ConnectorSessions interface {
	Acquire(ctx context.Context, platformID, accountID string, mode session.Mode) (*session.Handle, error)
	Release(ctx context.Context, h *session.Handle) error
	Promote(ctx context.Context, h *session.Handle, accountID string) (string, error)
}

type ConnectorAdapters interface {
	Get(platformID string) (publisher.Adapter, error)
}

type AccountCreator interface {
	CreateAccount(ctx context.Context, draft syncer.AccountDraft) (*models.PlatformAccount, error)
}

// AccountConnector logs a new account in on a blank partition, registers it
// with the backend and keeps its cookies under the backend id.
type AccountConnector struct {
	sessions ConnectorSessions
	adapters ConnectorAdapters
	accounts AccountCreator
	logger   *zap.Logger

	promoteRetries  int
	promoteSchedule retry.Schedule
}

type ConnectorOption func(*AccountConnector)

// WithPromoteRetry sets how long Connect waits for a running task to give
// up an account before its fresh cookies are stored.
func WithPromoteRetry(maxRetries int, schedule retry.Schedule) ConnectorOption {
	return func(c *AccountConnector) {
		c.promoteRetries = maxRetries
		c.promoteSchedule = schedule
	}
}

func NewAccountConnector(sessions ConnectorSessions, adapters ConnectorAdapters, accounts AccountCreator, logger *zap.Logger, opts ...ConnectorOption) *AccountConnector {
	c := &AccountConnector{
		sessions:        sessions,
		adapters:        adapters,
		accounts:        accounts,
		logger:          logger,
		promoteRetries:  5,
		promoteSchedule: retry.Schedule{2 * time.Second, 5 * time.Second, 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect runs the login for ownerUserID on platformID. Cookies in creds are
// tried first. The account exists locally only after the backend confirmed it.
func (c *AccountConnector) Connect(ctx context.Context, ownerUserID, platformID string, creds publisher.Credentials) (*models.PlatformAccount, error) {
	adapter, err := c.adapters.Get(platformID)
	if err != nil {
		return nil, err
	}

	// One pending connection per user and platform.
	h, err := c.sessions.Acquire(ctx, platformID, "new-"+ownerUserID, session.ModeEphemeral)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.sessions.Release(context.WithoutCancel(ctx), h); err != nil {
			c.logger.Warn("Failed to release login session", zap.Error(err))
		}
	}()

	creds.OwnerUserID = ownerUserID
	login := adapter.Login(ctx, h, creds)
	if !login.LoggedIn() {
		return nil, fmt.Errorf("failed to log in to %s: %w", platformID, login.Err())
	}

	profile, err := adapter.ExtractProfile(ctx, h)
	if err != nil {
		c.logger.Warn("Profile extraction failed, using platform name",
			zap.String("platform", platformID),
			zap.Error(err))
		profile = publisher.Profile{DisplayName: adapter.PlatformName()}
	}

	account, err := c.accounts.CreateAccount(ctx, syncer.AccountDraft{
		OwnerUserID: ownerUserID,
		PlatformID:  platformID,
		Profile:     profile,
		Cookies:     h.Page().Cookies(),
	})
	if err != nil {
		return nil, err
	}

	// The backend may hand back an account a running task holds; its jar is
	// only replaced once that task lets go.
	partition, err := retry.WithRetry(ctx, func(ctx context.Context) (string, error) {
		name, err := c.sessions.Promote(ctx, h, account.ID)
		if err != nil && !errors.Is(err, session.ErrSessionBusy) {
			return "", retry.Permanent(err)
		}
		return name, err
	}, c.promoteRetries, c.promoteSchedule, retry.Options{OnRetry: func(attempt int, err error) {
		c.logger.Info("Account session in use, waiting to store login",
			zap.String("account_id", account.ID),
			zap.Int("attempt", attempt))
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to keep session of account %s: %w", account.ID, err)
	}

	c.logger.Info("Account connected",
		zap.String("account_id", account.ID),
		zap.String("platform", platformID),
		zap.String("partition", partition))
	return account, nil
}
