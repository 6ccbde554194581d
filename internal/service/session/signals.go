package session

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Signals describes how a platform reveals its login state.
type Signals struct {
	// ProbeURL is opened before evaluating, usually the publish page.
	ProbeURL string
	// LoginURLPatterns match pages that only render for anonymous users.
	// "*" matches any run of characters; a pattern also matches as a substring.
	LoginURLPatterns []string
	// LoggedInMarkers appear only after login.
	LoggedInMarkers []string
	// LoginPromptMarkers appear only before login, e.g. a QR scan prompt.
	LoginPromptMarkers []string
}

// Signal names the observation that decided a login check.
type Signal string

const (
	SignalLoginURL     Signal = "login_url"
	SignalLoggedIn     Signal = "logged_in_marker"
	SignalLoginPrompt  Signal = "login_prompt"
	SignalNone         Signal = "none"
	SignalProbeFailure Signal = "probe_failure"
)

// Evaluate checks the three signals in order: login URL (negative),
// post-login marker (positive), pre-login prompt (negative). With no signal
// it assumes the session is logged in.
func Evaluate(page Page, s Signals) (bool, Signal) {
	if MatchesURL(page.URL(), s.LoginURLPatterns) {
		return false, SignalLoginURL
	}

	content := page.Content()
	if containsAny(content, s.LoggedInMarkers) {
		return true, SignalLoggedIn
	}
	if containsAny(content, s.LoginPromptMarkers) {
		return false, SignalLoginPrompt
	}
	return true, SignalNone
}

// Check opens the probe page, then evaluates. A failed probe leaves nothing
// to observe and counts as no signal.
func Check(ctx context.Context, page Page, s Signals) (bool, Signal) {
	if s.ProbeURL != "" {
		if err := page.Navigate(ctx, s.ProbeURL); err != nil {
			return true, SignalProbeFailure
		}
	}
	return Evaluate(page, s)
}

// WaitForLogin polls until the page shows a positive login signal. When the
// platform declares post-login markers, only a marker counts; otherwise the
// plain evaluation is used.
func WaitForLogin(ctx context.Context, page Page, s Signals, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, signal := Check(ctx, page, s)
		if ok && (len(s.LoggedInMarkers) == 0 || signal == SignalLoggedIn) {
			return nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return ErrVerificationTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MatchesURL reports whether rawURL matches any wildcard pattern.
func MatchesURL(rawURL string, patterns []string) bool {
	if rawURL == "" {
		return false
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(rawURL, p) {
			return true
		}
		if strings.Contains(p, "*") && wildcard(p).MatchString(rawURL) {
			return true
		}
	}
	return false
}

func wildcard(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile(strings.Join(parts, ".*"))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
