package session

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoLoginWaiting is returned when cookies arrive but no login is waiting.
	ErrNoLoginWaiting = errors.New("no interactive login is waiting")
	// ErrAmbiguousLogin means several logins of the user wait on the platform
	// and the delivery did not name the account.
	ErrAmbiguousLogin = errors.New("several logins are waiting, account id required")
	// ErrLoginOwnerRequired rejects an interactive login nobody could answer.
	ErrLoginOwnerRequired = errors.New("interactive login needs an owner user")
)

// LoginKey identifies one waiting interactive login.
type LoginKey struct {
	PlatformID  string
	OwnerUserID string
	AccountID   string
}

// matches reports whether a delivery addressed to k reaches waiter w. An
// empty AccountID addresses every login of the owner on the platform.
func (k LoginKey) matches(w LoginKey) bool {
	if k.PlatformID != w.PlatformID || k.OwnerUserID != w.OwnerUserID {
		return false
	}
	return k.AccountID == "" || k.AccountID == w.AccountID
}

// LoginPrompter supplies cookies from a human-driven login.
type LoginPrompter interface {
	AwaitCookies(ctx context.Context, key LoginKey, loginURL string) ([]Cookie, error)
}

// CookieInbox hands cookies captured by an operator to the login that is
// waiting for them. Cookies only reach logins of the user who delivers them.
type CookieInbox struct {
	mu      sync.Mutex
	waiting map[LoginKey]chan []Cookie
}

func NewCookieInbox() *CookieInbox {
	return &CookieInbox{waiting: make(map[LoginKey]chan []Cookie)}
}

func (b *CookieInbox) AwaitCookies(ctx context.Context, key LoginKey, _ string) ([]Cookie, error) {
	if key.OwnerUserID == "" {
		return nil, ErrLoginOwnerRequired
	}
	ch := make(chan []Cookie, 1)

	b.mu.Lock()
	if _, busy := b.waiting[key]; busy {
		b.mu.Unlock()
		return nil, ErrSessionBusy
	}
	b.waiting[key] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiting, key)
		b.mu.Unlock()
	}()

	select {
	case cookies := <-ch:
		return cookies, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver passes cookies to the login addressed by key. Without an account id
// the owner must have exactly one login waiting on the platform.
func (b *CookieInbox) Deliver(key LoginKey, cookies []Cookie) error {
	if key.OwnerUserID == "" {
		return ErrLoginOwnerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var target chan []Cookie
	for w, ch := range b.waiting {
		if !key.matches(w) {
			continue
		}
		if target != nil {
			return ErrAmbiguousLogin
		}
		target = ch
	}
	if target == nil {
		return ErrNoLoginWaiting
	}
	select {
	case target <- cookies:
		return nil
	default:
		return ErrNoLoginWaiting
	}
}

// Waiting reports whether a login addressed by key is waiting.
func (b *CookieInbox) Waiting(key LoginKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w := range b.waiting {
		if key.matches(w) {
			return true
		}
	}
	return false
}
