// Package portal drives the clinic-management web portal through a headless
// browser. The portal has no API; its login form, anti-bot interstitial, menus,
// calendar widget and report table are the wire contract, and any change to
// them surfaces here as a typed error rather than a panic deeper in the
// pipeline.
package portal

import (
	"fmt"
	"time"
)

// Error kind names recorded in audit logs.
const (
	KindChallengeTimeout = "challenge_timeout"
	KindNavigation       = "navigation"
	KindLogin            = "login"
	KindPersistence      = "persistence"
	KindInternal         = "internal"
)

// ChallengeTimeoutError indicates the anti-bot interstitial never cleared
// within the configured bound. Retryable by re-enqueueing the job.
type ChallengeTimeoutError struct {
	Elapsed  time.Duration
	Snapshot string // path of the diagnostic page snapshot, if captured
}

func (e *ChallengeTimeoutError) Error() string {
	if e.Snapshot != "" {
		return fmt.Sprintf("challenge interstitial did not clear after %s (snapshot: %s)", e.Elapsed, e.Snapshot)
	}
	return fmt.Sprintf("challenge interstitial did not clear after %s", e.Elapsed)
}

// NavigationError indicates an expected UI element could not be located or
// acted on. Usually a transient portal hiccup or a structural change.
type NavigationError struct {
	Step string // which navigation step failed (e.g. "select_clinic")
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation step %s: %v", e.Step, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// LoginError indicates rejected credentials or an unexpectedly absent login
// form. Not usefully auto-retryable.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed: %s", e.Reason)
}
