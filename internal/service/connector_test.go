package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session/sessiontest"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/syncer"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
	dbtest "github.com/lh20005/geo-xi-tong-sub013/internal/testutil"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/retry"
)

type loginAdapter struct {
	loggedIn   bool
	profileErr error
	owner      string
}

func (a *loginAdapter) PlatformID() string       { return "zhihu" }
func (a *loginAdapter) PlatformName() string     { return "知乎" }
func (a *loginAdapter) Signals() session.Signals { return session.Signals{} }

func (a *loginAdapter) Login(_ context.Context, h *session.Handle, creds publisher.Credentials) publisher.LoginOutcome {
	a.owner = creds.OwnerUserID
	if !a.loggedIn {
		return publisher.LoginOutcome{Status: publisher.LoginStatusRequiresManualLogin, Reason: publisher.ErrRequiresManualLogin}
	}
	_ = h.Page().SetCookies([]session.Cookie{{Name: "z_c0", Value: "token", Domain: "www.zhihu.com"}})
	return publisher.LoginOutcome{Status: publisher.LoginStatusLoggedIn}
}

func (a *loginAdapter) VerifyLoggedIn(context.Context, *session.Handle) bool { return a.loggedIn }

func (a *loginAdapter) Publish(context.Context, *session.Handle, publisher.Article) publisher.PublishOutcome {
	return publisher.Failed(errors.New("not used"))
}

func (a *loginAdapter) VerifyPublishSuccess(context.Context, *session.Handle) bool { return false }

func (a *loginAdapter) ExtractProfile(context.Context, *session.Handle) (publisher.Profile, error) {
	if a.profileErr != nil {
		return publisher.Profile{}, a.profileErr
	}
	return publisher.Profile{DisplayName: "作者", RealUsername: "writer"}, nil
}

type oneAdapter struct{ a publisher.Adapter }

func (o oneAdapter) Get(platformID string) (publisher.Adapter, error) {
	if platformID != o.a.PlatformID() {
		return nil, errors.New("unknown platform")
	}
	return o.a, nil
}

type fakeCreator struct {
	err    error
	drafts []syncer.AccountDraft
}

func (f *fakeCreator) CreateAccount(_ context.Context, d syncer.AccountDraft) (*models.PlatformAccount, error) {
	f.drafts = append(f.drafts, d)
	if f.err != nil {
		return nil, f.err
	}
	return &models.PlatformAccount{ID: "bk-9", PlatformID: d.PlatformID, OwnerUserID: d.OwnerUserID, DisplayName: d.Profile.DisplayName}, nil
}

func newConnector(t *testing.T, adapter publisher.Adapter, creator *fakeCreator, opts ...ConnectorOption) (*AccountConnector, *session.Manager, *store.PartitionStore) {
	partitions := store.NewPartitionStore(dbtest.NewDB(t))
	sessions := session.NewManager(&sessiontest.Driver{}, session.NewMemoryLocker(), partitions, zap.NewNop())
	return NewAccountConnector(sessions, oneAdapter{adapter}, creator, zap.NewNop(), opts...), sessions, partitions
}

func TestAccountConnectorConnect(t *testing.T) {
	ctx := context.Background()
	creator := &fakeCreator{}
	adapter := &loginAdapter{loggedIn: true}
	c, sessions, partitions := newConnector(t, adapter, creator)

	account, err := c.Connect(ctx, "u1", "zhihu", publisher.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "bk-9", account.ID)
	assert.Equal(t, "u1", adapter.owner, "the login runs for the connecting user")

	require.Len(t, creator.drafts, 1)
	assert.Equal(t, "作者", creator.drafts[0].Profile.DisplayName)
	require.Len(t, creator.drafts[0].Cookies, 1)

	p, err := partitions.Load(ctx, "persist:zhihu_bk-9")
	require.NoError(t, err)
	assert.Contains(t, p.Cookies, "z_c0")
	assert.Zero(t, sessions.ActiveCount())
}

func TestAccountConnectorWaitsForRunningTask(t *testing.T) {
	ctx := context.Background()
	c, sessions, partitions := newConnector(t, &loginAdapter{loggedIn: true}, &fakeCreator{},
		WithPromoteRetry(20, retry.Schedule{10 * time.Millisecond}))

	running, err := sessions.Acquire(ctx, "zhihu", "bk-9", session.ModePersistent)
	require.NoError(t, err)
	require.NoError(t, running.Page().SetCookies([]session.Cookie{{Name: "z_c0", Value: "stale", Domain: "www.zhihu.com"}}))

	released := make(chan error, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		released <- sessions.Release(ctx, running)
	}()

	_, err = c.Connect(ctx, "u1", "zhihu", publisher.Credentials{})
	require.NoError(t, err)
	require.NoError(t, <-released)

	p, err := partitions.Load(ctx, "persist:zhihu_bk-9")
	require.NoError(t, err)
	assert.Contains(t, p.Cookies, `"value":"token"`, "the fresh login is not overwritten by the task's jar")
	assert.NotContains(t, p.Cookies, "stale")
}

func TestAccountConnectorAccountStaysBusy(t *testing.T) {
	ctx := context.Background()
	c, sessions, partitions := newConnector(t, &loginAdapter{loggedIn: true}, &fakeCreator{},
		WithPromoteRetry(2, retry.Schedule{time.Millisecond}))

	running, err := sessions.Acquire(ctx, "zhihu", "bk-9", session.ModePersistent)
	require.NoError(t, err)
	require.NoError(t, running.Page().SetCookies([]session.Cookie{{Name: "z_c0", Value: "stale", Domain: "www.zhihu.com"}}))

	_, err = c.Connect(ctx, "u1", "zhihu", publisher.Credentials{})
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	require.NoError(t, sessions.Release(ctx, running))
	p, err := partitions.Load(ctx, "persist:zhihu_bk-9")
	require.NoError(t, err)
	assert.Contains(t, p.Cookies, "stale", "only the task that held the account wrote its jar")
}

func TestAccountConnectorFallsBackToPlatformName(t *testing.T) {
	creator := &fakeCreator{}
	c, _, _ := newConnector(t, &loginAdapter{loggedIn: true, profileErr: errors.New("no profile")}, creator)

	_, err := c.Connect(context.Background(), "u1", "zhihu", publisher.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "知乎", creator.drafts[0].Profile.DisplayName)
}

func TestAccountConnectorFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("manual login", func(t *testing.T) {
		creator := &fakeCreator{}
		c, _, _ := newConnector(t, &loginAdapter{}, creator)
		_, err := c.Connect(ctx, "u1", "zhihu", publisher.Credentials{})
		assert.ErrorIs(t, err, publisher.ErrRequiresManualLogin)
		assert.Empty(t, creator.drafts)
	})

	t.Run("backend rejects", func(t *testing.T) {
		creator := &fakeCreator{err: syncer.ErrBackendSyncFailed}
		c, _, partitions := newConnector(t, &loginAdapter{loggedIn: true}, creator)
		_, err := c.Connect(ctx, "u1", "zhihu", publisher.Credentials{})
		assert.ErrorIs(t, err, syncer.ErrBackendSyncFailed)

		_, err = partitions.Load(ctx, "persist:zhihu_bk-9")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown platform", func(t *testing.T) {
		c, _, _ := newConnector(t, &loginAdapter{loggedIn: true}, &fakeCreator{})
		_, err := c.Connect(ctx, "u1", "weibo", publisher.Credentials{})
		assert.Error(t, err)
	})
}
