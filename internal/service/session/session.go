// Package session manages isolated, cookie-backed automation contexts, one
// per platform account at a time.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
)

var (
	// ErrSessionBusy means another automation already holds the account.
	ErrSessionBusy = errors.New("session busy")
	// ErrVerificationTimeout means a bounded verification window elapsed.
	ErrVerificationTimeout = errors.New("verification timeout")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

type Mode string

const (
	// ModePersistent reuses the account's stored cookie jar.
	ModePersistent Mode = "persistent"
	// ModeEphemeral starts from a blank jar that is discarded on release.
	ModeEphemeral Mode = "ephemeral"
)

// PersistentPartition is the stable partition name of an account.
func PersistentPartition(platformID, accountID string) string {
	return fmt.Sprintf("persist:%s_%s", platformID, accountID)
}

// EphemeralPartition is a fresh, time-suffixed partition name.
func EphemeralPartition(platformID, accountID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", platformID, accountID, at.UnixNano())
}

// PartitionRepository persists the cookie jars of persistent partitions.
type PartitionRepository interface {
	Load(ctx context.Context, name string) (*models.SessionPartition, error)
	Save(ctx context.Context, p *models.SessionPartition) error
	MarkVerified(ctx context.Context, name string, at time.Time) error
}

// Handle is an acquired session. It stays valid until released.
type Handle struct {
	id         string
	platformID string
	accountID  string
	partition  string
	mode       Mode
	acquiredAt time.Time
	page       Page
	unlock     func(context.Context) error
	verifiedAt *time.Time
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) PlatformID() string    { return h.platformID }
func (h *Handle) AccountID() string     { return h.accountID }
func (h *Handle) Partition() string     { return h.partition }
func (h *Handle) Mode() Mode            { return h.mode }
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }
func (h *Handle) Page() Page            { return h.page }

// LoginVerifier checks the login state of a handle.
type LoginVerifier interface {
	VerifyLoggedIn(ctx context.Context, h *Handle) bool
	WaitForLogin(ctx context.Context, h *Handle, timeout, poll time.Duration) error
}

// SignalVerifier evaluates fixed signals and records nothing.
type SignalVerifier Signals

func (v SignalVerifier) VerifyLoggedIn(ctx context.Context, h *Handle) bool {
	ok, _ := Check(ctx, h.page, Signals(v))
	return ok
}

func (v SignalVerifier) WaitForLogin(ctx context.Context, h *Handle, timeout, poll time.Duration) error {
	return WaitForLogin(ctx, h.page, Signals(v), timeout, poll)
}

type Manager struct {
	logger     *zap.Logger
	driver     Driver
	locker     Locker
	partitions PartitionRepository
	now        func() time.Time

	mu      sync.Mutex
	signals map[string]Signals
	active  map[string]*Handle
	closed  bool
}

type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(driver Driver, locker Locker, partitions PartitionRepository, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:     logger,
		driver:     driver,
		locker:     locker,
		partitions: partitions,
		now:        time.Now,
		signals:    make(map[string]Signals),
		active:     make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterSignals sets the login signals used by VerifyLoggedIn for a platform.
func (m *Manager) RegisterSignals(platformID string, s Signals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[platformID] = s
}

func lockKey(platformID, accountID string) string {
	return platformID + ":" + accountID
}

// Acquire opens a session for the account. It fails fast with ErrSessionBusy
// while another handle for the same account is outstanding.
func (m *Manager) Acquire(ctx context.Context, platformID, accountID string, mode Mode) (*Handle, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	unlock, ok, err := m.locker.TryLock(ctx, lockKey(platformID, accountID))
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.SessionBusy.WithLabelValues(platformID).Inc()
		return nil, fmt.Errorf("%w: %s account %s", ErrSessionBusy, platformID, accountID)
	}

	now := m.now()
	h := &Handle{
		id:         uuid.NewString(),
		platformID: platformID,
		accountID:  accountID,
		mode:       mode,
		acquiredAt: now,
		unlock:     unlock,
	}

	var cookies []Cookie
	switch mode {
	case ModePersistent:
		h.partition = PersistentPartition(platformID, accountID)
		cookies, err = m.loadCookies(ctx, h.partition)
		if err != nil {
			_ = unlock(context.Background())
			return nil, err
		}
	case ModeEphemeral:
		h.partition = EphemeralPartition(platformID, accountID, now)
	default:
		_ = unlock(context.Background())
		return nil, fmt.Errorf("unknown session mode %q", mode)
	}

	page, err := m.driver.Open(ctx, OpenOptions{PlatformID: platformID, Partition: h.partition, Cookies: cookies})
	if err != nil {
		_ = unlock(context.Background())
		return nil, fmt.Errorf("failed to open page for %s: %w", h.partition, err)
	}
	h.page = page

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = page.Close()
		_ = unlock(context.Background())
		return nil, ErrManagerClosed
	}
	m.active[h.id] = h
	metrics.ActiveSessions.Set(float64(len(m.active)))
	m.mu.Unlock()

	m.logger.Debug("Session acquired",
		zap.String("partition", h.partition),
		zap.String("mode", string(mode)),
		zap.Int("cookies", len(cookies)))
	return h, nil
}

func (m *Manager) loadCookies(ctx context.Context, partition string) ([]Cookie, error) {
	p, err := m.partitions.Load(ctx, partition)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load partition %s: %w", partition, err)
	}
	if p.Cookies == "" {
		return nil, nil
	}

	var cookies []Cookie
	if err := json.Unmarshal([]byte(p.Cookies), &cookies); err != nil {
		m.logger.Warn("Discarding unreadable partition cookies",
			zap.String("partition", partition),
			zap.Error(err))
		return nil, nil
	}
	return cookies, nil
}

// Release writes a persistent jar back, discards an ephemeral one, and frees
// the account. Releasing twice is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	m.mu.Lock()
	if _, ok := m.active[h.id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, h.id)
	metrics.ActiveSessions.Set(float64(len(m.active)))
	m.mu.Unlock()

	var errs []error
	if h.mode == ModePersistent {
		if err := m.saveCookies(ctx, h.partition, h.platformID, h.accountID, h.page.Cookies(), h.verifiedAt); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.page.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.unlock(ctx); err != nil {
		errs = append(errs, err)
	}

	m.logger.Debug("Session released", zap.String("partition", h.partition))
	return errors.Join(errs...)
}

// saveCookies upserts the jar. A nil verifiedAt keeps the stored verification time.
func (m *Manager) saveCookies(ctx context.Context, partition, platformID, accountID string, cookies []Cookie, verifiedAt *time.Time) error {
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	if err := m.partitions.Save(ctx, &models.SessionPartition{
		Name:           partition,
		PlatformID:     platformID,
		AccountID:      accountID,
		Cookies:        string(data),
		LastVerifiedAt: verifiedAt,
	}); err != nil {
		return fmt.Errorf("failed to save partition %s: %w", partition, err)
	}
	return nil
}

// Promote copies the jar of h into accountID's persistent partition and
// returns that partition's name. h itself is left untouched. The target
// account is locked for the write; while another handle holds it Promote
// fails with ErrSessionBusy.
func (m *Manager) Promote(ctx context.Context, h *Handle, accountID string) (string, error) {
	if accountID != h.accountID {
		unlock, ok, err := m.locker.TryLock(ctx, lockKey(h.platformID, accountID))
		if err != nil {
			return "", err
		}
		if !ok {
			metrics.SessionBusy.WithLabelValues(h.platformID).Inc()
			return "", fmt.Errorf("%w: %s account %s", ErrSessionBusy, h.platformID, accountID)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to unlock promoted account", zap.String("account_id", accountID), zap.Error(err))
			}
		}()
	}

	name := PersistentPartition(h.platformID, accountID)
	if err := m.saveCookies(ctx, name, h.platformID, accountID, h.page.Cookies(), h.verifiedAt); err != nil {
		return "", err
	}
	return name, nil
}

func (m *Manager) signalsFor(platformID string) Signals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals[platformID]
}

// VerifyLoggedIn evaluates the platform's login signals on the handle's page
// and records a positive result.
func (m *Manager) VerifyLoggedIn(ctx context.Context, h *Handle) bool {
	ok, signal := Check(ctx, h.page, m.signalsFor(h.platformID))
	m.logger.Debug("Login state evaluated",
		zap.String("partition", h.partition),
		zap.Bool("logged_in", ok),
		zap.String("signal", string(signal)))

	if ok {
		m.markVerified(ctx, h)
	}
	return ok
}

// WaitForLogin polls the handle's page until the platform shows a login, then
// records it.
func (m *Manager) WaitForLogin(ctx context.Context, h *Handle, timeout, poll time.Duration) error {
	if err := WaitForLogin(ctx, h.page, m.signalsFor(h.platformID), timeout, poll); err != nil {
		return err
	}
	m.markVerified(ctx, h)
	return nil
}

func (m *Manager) markVerified(ctx context.Context, h *Handle) {
	at := m.now()
	h.verifiedAt = &at
	if h.mode != ModePersistent {
		return
	}
	if err := m.partitions.MarkVerified(ctx, h.partition, at); err != nil {
		m.logger.Warn("Failed to record partition verification",
			zap.String("partition", h.partition),
			zap.Error(err))
	}
}

// ActiveCount returns the number of outstanding handles.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close releases every outstanding handle and rejects later acquisitions.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := m.Release(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(handles) > 0 {
		m.logger.Info("Session manager closed", zap.Int("released", len(handles)))
	}
	return errors.Join(errs...)
}
