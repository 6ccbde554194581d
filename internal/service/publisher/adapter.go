// Package publisher defines the contract every publishing platform implements
// and the helpers the concrete adapters share.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
)

var (
	// ErrRequiresManualLogin means no stored credential works and a human has to log in.
	ErrRequiresManualLogin = errors.New("requires manual login")
	// ErrAutomationStepFailed means the platform rejected a step or answered unexpectedly.
	ErrAutomationStepFailed = errors.New("automation step failed")
	// ErrVerificationTimeout is shared with the session package.
	ErrVerificationTimeout = session.ErrVerificationTimeout
)

// Article is the read-only content handed to Publish.
type Article struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
}

// Credentials are captured login artifacts to replay before any interactive login.
type Credentials struct {
	Cookies []session.Cookie `json:"cookies,omitempty"`
	// OwnerUserID is the tenant the login runs for. Interactive logins only
	// accept cookies delivered by this user.
	OwnerUserID string `json:"-"`
}

// Profile is what an adapter can read about the logged in user.
type Profile struct {
	DisplayName  string `json:"display_name"`
	RealUsername string `json:"real_username"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

type LoginStatus string

const (
	LoginStatusLoggedIn            LoginStatus = "logged_in"
	LoginStatusRequiresManualLogin LoginStatus = "requires_manual_login"
	LoginStatusFailed              LoginStatus = "failed"
)

type LoginOutcome struct {
	Status  LoginStatus
	Message string
	Reason  error
}

func (o LoginOutcome) LoggedIn() bool { return o.Status == LoginStatusLoggedIn }

// Err returns nil for a successful login and a taxonomy error otherwise.
func (o LoginOutcome) Err() error {
	switch o.Status {
	case LoginStatusLoggedIn:
		return nil
	case LoginStatusRequiresManualLogin:
		if o.Reason != nil {
			return o.Reason
		}
		return ErrRequiresManualLogin
	default:
		if o.Reason != nil {
			return o.Reason
		}
		return fmt.Errorf("%w: %s", ErrAutomationStepFailed, o.Message)
	}
}

// PublishOutcome is the normalized result of Publish. A failed outcome always
// carries a Reason.
type PublishOutcome struct {
	Success bool
	Message string
	URL     string
	Reason  error
}

func Published(url, message string) PublishOutcome {
	return PublishOutcome{Success: true, URL: url, Message: message}
}

// Failed normalizes err into a failed outcome. Errors that are not already
// part of the taxonomy are wrapped in ErrAutomationStepFailed.
func Failed(err error) PublishOutcome {
	if err == nil {
		err = ErrAutomationStepFailed
	}
	if !errors.Is(err, ErrAutomationStepFailed) &&
		!errors.Is(err, ErrRequiresManualLogin) &&
		!errors.Is(err, ErrVerificationTimeout) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrAutomationStepFailed, err)
	}
	return PublishOutcome{Success: false, Message: err.Error(), Reason: err}
}

// Adapter is the per-platform implementation of login and publishing.
// Shared code depends only on this interface.
type Adapter interface {
	PlatformID() string
	PlatformName() string
	Signals() session.Signals

	// Login replays credentials first and falls back to an interactive login
	// when one is available.
	Login(ctx context.Context, h *session.Handle, creds Credentials) LoginOutcome
	// VerifyLoggedIn assumes logged in when no signal is observed.
	VerifyLoggedIn(ctx context.Context, h *session.Handle) bool
	// Publish never returns an error; failures are captured in the outcome.
	Publish(ctx context.Context, h *session.Handle, article Article) PublishOutcome
	// VerifyPublishSuccess reports false when no success indicator shows up
	// within its window.
	VerifyPublishSuccess(ctx context.Context, h *session.Handle) bool
	ExtractProfile(ctx context.Context, h *session.Handle) (Profile, error)
}

// Guard runs a publish step and turns errors and panics into a failed outcome.
func Guard(fn func() (PublishOutcome, error)) (out PublishOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("%w: panic: %v", ErrAutomationStepFailed, r))
		}
	}()

	out, err := fn()
	if err != nil {
		return Failed(err)
	}
	if !out.Success && out.Reason == nil {
		return Failed(errors.New(out.Message))
	}
	return out
}

// StepError reports a platform rejection for the named step.
func StepError(step string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrAutomationStepFailed, step, fmt.Sprintf(format, args...))
}
