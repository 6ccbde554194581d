package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
)

func awaitAsync(t *testing.T, inbox *session.CookieInbox, key session.LoginKey) (<-chan []session.Cookie, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan []session.Cookie, 1)
	errs := make(chan error, 1)
	go func() {
		cookies, err := inbox.AwaitCookies(ctx, key, "https://www.zhihu.com/signin")
		if err != nil {
			errs <- err
			return
		}
		got <- cookies
	}()
	return got, errs
}

func TestCookieInboxDeliversToWaiter(t *testing.T) {
	inbox := session.NewCookieInbox()
	userA := session.LoginKey{PlatformID: "zhihu", OwnerUserID: "user-a"}
	assert.ErrorIs(t, inbox.Deliver(userA, nil), session.ErrNoLoginWaiting)

	waiter := session.LoginKey{PlatformID: "zhihu", OwnerUserID: "user-a", AccountID: "new-user-a"}
	got, _ := awaitAsync(t, inbox, waiter)

	require.Eventually(t, func() bool { return inbox.Waiting(userA) }, time.Second, time.Millisecond)
	require.NoError(t, inbox.Deliver(userA, []session.Cookie{{Name: "z_c0", Value: "v", Domain: ".zhihu.com"}}))

	select {
	case cookies := <-got:
		assert.Equal(t, "z_c0", cookies[0].Name)
	case <-time.After(time.Second):
		t.Fatal("waiter never received cookies")
	}
	require.Eventually(t, func() bool { return !inbox.Waiting(userA) }, time.Second, time.Millisecond)
}

func TestCookieInboxIsolatesUsers(t *testing.T) {
	inbox := session.NewCookieInbox()
	keyA := session.LoginKey{PlatformID: "zhihu", OwnerUserID: "user-a", AccountID: "new-user-a"}
	keyB := session.LoginKey{PlatformID: "zhihu", OwnerUserID: "user-b", AccountID: "new-user-b"}

	gotA, errsA := awaitAsync(t, inbox, keyA)
	gotB, errsB := awaitAsync(t, inbox, keyB)
	require.Eventually(t, func() bool { return inbox.Waiting(keyA) && inbox.Waiting(keyB) }, time.Second, time.Millisecond)

	require.NoError(t, inbox.Deliver(session.LoginKey{PlatformID: "zhihu", OwnerUserID: "user-b"},
		[]session.Cookie{{Name: "z_c0", Value: "user-b-token", Domain: ".zhihu.com"}}))

	select {
	case cookies := <-gotB:
		assert.Equal(t, "user-b-token", cookies[0].Value)
	case err := <-errsB:
		t.Fatalf("user b login failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("user b never received cookies")
	}

	select {
	case cookies := <-gotA:
		t.Fatalf("user a received cookies of another user: %v", cookies)
	case err := <-errsA:
		t.Fatalf("user a login failed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, inbox.Waiting(keyA))
}

func TestCookieInboxDeliveryRules(t *testing.T) {
	inbox := session.NewCookieInbox()
	first := session.LoginKey{PlatformID: "toutiao", OwnerUserID: "u1", AccountID: "acc-1"}
	second := session.LoginKey{PlatformID: "toutiao", OwnerUserID: "u1", AccountID: "acc-2"}

	got1, _ := awaitAsync(t, inbox, first)
	_, _ = awaitAsync(t, inbox, second)
	require.Eventually(t, func() bool { return inbox.Waiting(first) && inbox.Waiting(second) }, time.Second, time.Millisecond)

	_, err := inbox.AwaitCookies(context.Background(), first, "")
	assert.ErrorIs(t, err, session.ErrSessionBusy, "the same login cannot wait twice")

	owner := session.LoginKey{PlatformID: "toutiao", OwnerUserID: "u1"}
	assert.ErrorIs(t, inbox.Deliver(owner, nil), session.ErrAmbiguousLogin)
	assert.ErrorIs(t, inbox.Deliver(session.LoginKey{PlatformID: "toutiao"}, nil), session.ErrLoginOwnerRequired)

	require.NoError(t, inbox.Deliver(first, []session.Cookie{{Name: "sid", Value: "one", Domain: ".toutiao.com"}}))
	select {
	case cookies := <-got1:
		assert.Equal(t, "one", cookies[0].Value)
	case <-time.After(time.Second):
		t.Fatal("addressed login never received cookies")
	}
}

func TestCookieInboxWaitCancelled(t *testing.T) {
	inbox := session.NewCookieInbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := inbox.AwaitCookies(ctx, session.LoginKey{PlatformID: "toutiao", OwnerUserID: "u1"}, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = inbox.AwaitCookies(context.Background(), session.LoginKey{PlatformID: "toutiao"}, "")
	assert.ErrorIs(t, err, session.ErrLoginOwnerRequired)
}
