package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
)

// Indicators are the accepted signs of a successful publish.
type Indicators struct {
	// Texts are looked for in the page content.
	Texts []string
	// URLFragments are looked for in the page URL.
	URLFragments []string
}

// DefaultSuccessTexts are the success messages the supported platforms show.
var DefaultSuccessTexts = []string{"发布成功", "发布完成", "已发布", "提交成功"}

// DefaultSuccessURLFragments appear in the URL platforms redirect to after publishing.
var DefaultSuccessURLFragments = []string{"success", "published", "complete"}

type BaseConfig struct {
	// Prompter enables interactive login. Without it a failed cookie replay
	// ends as RequiresManualLogin.
	Prompter session.LoginPrompter
	// Verifier checks and records login state. It defaults to the adapter's
	// own signals without bookkeeping.
	Verifier           session.LoginVerifier
	LoginWaitTimeout   time.Duration
	LoginPollInterval  time.Duration
	VerifyWindow       time.Duration
	VerifyPollInterval time.Duration
}

// Base carries the behavior shared by all adapters. Concrete adapters embed it
// and add Publish and ExtractProfile.
type Base struct {
	ID         string
	Name       string
	LoginURL   string
	signals    session.Signals
	indicators Indicators
	cfg        BaseConfig
	logger     *zap.Logger
}

func NewBase(id, name, loginURL string, signals session.Signals, indicators Indicators, cfg BaseConfig, logger *zap.Logger) Base {
	if cfg.LoginWaitTimeout == 0 {
		cfg.LoginWaitTimeout = 60 * time.Second
	}
	if cfg.LoginPollInterval == 0 {
		cfg.LoginPollInterval = 2 * time.Second
	}
	if cfg.VerifyWindow == 0 {
		cfg.VerifyWindow = 5 * time.Second
	}
	if cfg.VerifyPollInterval == 0 {
		cfg.VerifyPollInterval = 500 * time.Millisecond
	}
	if cfg.Verifier == nil {
		cfg.Verifier = session.SignalVerifier(signals)
	}
	return Base{
		ID:         id,
		Name:       name,
		LoginURL:   loginURL,
		signals:    signals,
		indicators: indicators,
		cfg:        cfg,
		logger:     logger.With(zap.String("platform", id)),
	}
}

func (b *Base) PlatformID() string       { return b.ID }
func (b *Base) PlatformName() string     { return b.Name }
func (b *Base) Signals() session.Signals { return b.signals }
func (b *Base) Indicators() Indicators   { return b.indicators }
func (b *Base) Logger() *zap.Logger      { return b.logger }

func (b *Base) VerifyLoggedIn(ctx context.Context, h *session.Handle) bool {
	return b.cfg.Verifier.VerifyLoggedIn(ctx, h)
}

// Login replays the cookies already in the jar plus creds. When that does not
// produce a session it waits for an interactive login if a prompter is set.
func (b *Base) Login(ctx context.Context, h *session.Handle, creds Credentials) LoginOutcome {
	page := h.Page()
	if len(creds.Cookies) > 0 {
		if err := page.SetCookies(creds.Cookies); err != nil {
			return LoginOutcome{Status: LoginStatusFailed, Message: err.Error(), Reason: err}
		}
	}

	if len(page.Cookies()) > 0 {
		if b.VerifyLoggedIn(ctx, h) {
			b.logger.Info("Cookie login succeeded", zap.String("partition", h.Partition()))
			return LoginOutcome{Status: LoginStatusLoggedIn, Message: "cookie login"}
		}
		b.logger.Warn("Cookie login failed", zap.String("partition", h.Partition()))
	}

	if b.cfg.Prompter == nil {
		return LoginOutcome{
			Status:  LoginStatusRequiresManualLogin,
			Message: b.Name + " requires manual login",
			Reason:  ErrRequiresManualLogin,
		}
	}
	if creds.OwnerUserID == "" {
		return LoginOutcome{
			Status:  LoginStatusRequiresManualLogin,
			Message: b.Name + " requires manual login, no user to answer an interactive login",
			Reason:  ErrRequiresManualLogin,
		}
	}
	return b.interactiveLogin(ctx, h, creds.OwnerUserID)
}

func (b *Base) interactiveLogin(ctx context.Context, h *session.Handle, ownerUserID string) LoginOutcome {
	page := h.Page()
	if b.LoginURL != "" {
		if err := page.Navigate(ctx, b.LoginURL); err != nil {
			b.logger.Warn("Failed to open login page", zap.Error(err))
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.LoginWaitTimeout)
	defer cancel()

	b.logger.Info("Waiting for interactive login", zap.String("partition", h.Partition()))
	key := session.LoginKey{PlatformID: b.ID, OwnerUserID: ownerUserID, AccountID: h.AccountID()}
	cookies, err := b.cfg.Prompter.AwaitCookies(waitCtx, key, b.LoginURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrVerificationTimeout
		}
		return LoginOutcome{Status: LoginStatusFailed, Message: "interactive login: " + err.Error(), Reason: err}
	}
	if err := page.SetCookies(cookies); err != nil {
		return LoginOutcome{Status: LoginStatusFailed, Message: err.Error(), Reason: err}
	}

	if err := b.cfg.Verifier.WaitForLogin(ctx, h, b.cfg.LoginWaitTimeout, b.cfg.LoginPollInterval); err != nil {
		return LoginOutcome{Status: LoginStatusFailed, Message: "interactive login: " + err.Error(), Reason: err}
	}
	b.logger.Info("Interactive login succeeded", zap.String("partition", h.Partition()))
	return LoginOutcome{Status: LoginStatusLoggedIn, Message: "interactive login"}
}

// VerifyPublishSuccess polls the page for the adapter's indicators.
func (b *Base) VerifyPublishSuccess(ctx context.Context, h *session.Handle) bool {
	ok := PollIndicators(ctx, h.Page(), b.indicators, b.cfg.VerifyWindow, b.cfg.VerifyPollInterval)
	if !ok {
		b.logger.Warn("No publish success indicator observed",
			zap.String("partition", h.Partition()),
			zap.String("url", h.Page().URL()))
	}
	return ok
}

// PollIndicators reports whether any indicator shows up on page within window.
func PollIndicators(ctx context.Context, page session.Page, ind Indicators, window, interval time.Duration) bool {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if matchIndicators(page, ind) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func matchIndicators(page session.Page, ind Indicators) bool {
	content := page.Content()
	for _, t := range ind.Texts {
		if t != "" && strings.Contains(content, t) {
			return true
		}
	}
	u := page.URL()
	for _, f := range ind.URLFragments {
		if f != "" && strings.Contains(u, f) {
			return true
		}
	}
	return false
}

// DecodeJSON decodes the last response of page into v. HTTP errors and
// unreadable bodies are reported as a failed step.
func DecodeJSON(page session.Page, step string, v interface{}) error {
	if code := page.StatusCode(); code >= 400 {
		return StepError(step, "http status %d", code)
	}
	if err := json.Unmarshal([]byte(page.Content()), v); err != nil {
		return StepError(step, "unexpected response: %v", err)
	}
	return nil
}
