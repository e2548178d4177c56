package portal

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// waitTitles are page titles shown while the anti-bot interstitial is still
// running its client-side checks. Lowercased; matching is substring-based
// because the challenge vendor appends the site name.
var waitTitles = []string{
	"just a moment",
	"please wait",
	"checking your browser",
	"mohon tunggu",
	"sebentar",
	"um momento",
	"bitte warten",
}

// SessionConfig configures one browser session against the portal.
type SessionConfig struct {
	LoginURL string
	// LoginFieldSelector is a CSS selector for a field that only exists on
	// the real login page, used as one of the challenge-cleared signals.
	LoginFieldSelector string

	ChallengeTimeout time.Duration // hard cap for the first interstitial wait
	RecheckTimeout   time.Duration // shorter cap for the observed reappearance
	PollInterval     time.Duration // base polling interval (jittered upward)

	SnapshotDir string // where diagnostic page snapshots are written
	UseProxy    bool
	ProxyURL    string
}

func (cfg *SessionConfig) applyDefaults() {
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = 120 * time.Second
	}
	if cfg.RecheckTimeout <= 0 {
		cfg.RecheckTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LoginFieldSelector == "" {
		cfg.LoginFieldSelector = `input[name="username"]`
	}
}

// Session owns the browser and page for the duration of one job attempt. It
// is not safe for concurrent use; the pipeline drives it strictly
// sequentially. Close must be called on every exit path.
type Session struct {
	cfg SessionConfig

	// probe reads the current page state; swapped out in tests.
	probe func() (bool, error)

	ctx         context.Context
	cancelPage  context.CancelFunc
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
}

// NewSession launches a headless browser and returns a session bound to it.
// No navigation happens until Start.
func NewSession(parent context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("portal: login URL is required")
	}
	cfg.applyDefaults()

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UseProxy && cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	pageCtx, cancelPage := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         cfg,
		ctx:         pageCtx,
		cancelPage:  cancelPage,
		cancelAlloc: cancelAlloc,
	}
	s.probe = s.probeCleared
	return s, nil
}

// Context returns the chromedp page context for running further actions.
func (s *Session) Context() context.Context { return s.ctx }

// Close releases the page and the browser process. Safe to call more than
// once; the runner defers it unconditionally.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancelPage()
		s.cancelAlloc()
	})
}

// Navigate opens the login URL.
func (s *Session) Navigate(ctx context.Context) error {
	if err := chromedp.Run(s.ctx, network.Enable()); err != nil {
		return &NavigationError{Step: "session_init", Err: err}
	}
	return s.navigateLeniently(ctx)
}

// AwaitChallenge waits out the anti-bot interstitial. After the first clear
// the interstitial has been observed to come back once, so a second, shorter
// detection pass runs before the caller proceeds to credential entry.
func (s *Session) AwaitChallenge(ctx context.Context) error {
	if err := s.awaitChallengeClear(ctx, s.cfg.ChallengeTimeout); err != nil {
		return err
	}
	return s.awaitChallengeClear(ctx, s.cfg.RecheckTimeout)
}

// navigateLeniently opens the login URL. Navigation errors are tolerated as
// long as a document actually loaded: the interstitial aborts sub-resource
// loads, which chromedp reports as a navigation failure.
func (s *Session) navigateLeniently(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()

	navErr := chromedp.Run(navCtx, chromedp.Navigate(s.cfg.LoginURL))
	if navErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &NavigationError{Step: "navigate", Err: ctx.Err()}
	}

	var location string
	probeCtx, cancelProbe := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancelProbe()
	if err := chromedp.Run(probeCtx, chromedp.Location(&location)); err == nil &&
		location != "" && location != "about:blank" {
		slog.Warn("Navigation reported errors but a document loaded, continuing",
			"url", location, "error", navErr)
		return nil
	}

	return &NavigationError{Step: "navigate", Err: navErr}
}

// awaitChallengeClear polls until any cleared signal fires or the bound is
// exceeded. The signals are OR'd because no single one is reliable: the
// challenge sometimes redirects, sometimes swaps the document in place.
func (s *Session) awaitChallengeClear(ctx context.Context, bound time.Duration) error {
	deadline := time.Now().Add(bound)

	for {
		cleared, err := s.probe()
		if err != nil {
			slog.Debug("Challenge probe failed, retrying", "error", err)
		} else if cleared {
			return nil
		}

		if time.Now().After(deadline) {
			snapshot := s.captureSnapshot()
			return &ChallengeTimeoutError{Elapsed: bound, Snapshot: snapshot}
		}

		// Jittered 1x-2x interval so polling doesn't look mechanical.
		wait := s.cfg.PollInterval + time.Duration(rand.Int63n(int64(s.cfg.PollInterval)))
		select {
		case <-ctx.Done():
			return &NavigationError{Step: "await_challenge", Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

// probeCleared reads the current URL, title and login-field visibility in one
// round trip.
func (s *Session) probeCleared() (bool, error) {
	probeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	var location, title string
	var fieldVisible bool
	visibleExpr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return !!el && el.offsetParent !== null; })()`,
		s.cfg.LoginFieldSelector,
	)

	err := chromedp.Run(probeCtx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.Evaluate(visibleExpr, &fieldVisible),
	)
	if err != nil {
		return false, err
	}

	return ChallengeCleared(location, title, fieldVisible, s.cfg.LoginURL), nil
}

// ChallengeCleared decides whether the interstitial is gone given the current
// page state. Any one signal is enough.
func ChallengeCleared(location, title string, loginFieldVisible bool, loginURL string) bool {
	if loginFieldVisible {
		return true
	}
	if location != "" && !sameURL(location, loginURL) {
		return true
	}
	lower := strings.ToLower(title)
	if title != "" {
		waiting := false
		for _, phrase := range waitTitles {
			if strings.Contains(lower, phrase) {
				waiting = true
				break
			}
		}
		if !waiting {
			return true
		}
	}
	return false
}

func sameURL(a, b string) bool {
	trim := func(s string) string {
		s = strings.TrimSuffix(s, "/")
		if i := strings.Index(s, "?"); i >= 0 {
			s = s[:i]
		}
		return s
	}
	return trim(a) == trim(b)
}

// captureSnapshot writes a PNG of the current page for operator triage.
// Best-effort: an empty path is returned when capture or write fails.
func (s *Session) captureSnapshot() string {
	if s.cfg.SnapshotDir == "" {
		return ""
	}

	shotCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		slog.Warn("Failed to capture challenge snapshot", "error", err)
		return ""
	}

	if err := os.MkdirAll(s.cfg.SnapshotDir, 0o755); err != nil {
		slog.Warn("Failed to create snapshot dir", "dir", s.cfg.SnapshotDir, "error", err)
		return ""
	}

	path := filepath.Join(s.cfg.SnapshotDir,
		fmt.Sprintf("challenge-%s.png", time.Now().UTC().Format("20060102-150405")))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		slog.Warn("Failed to write challenge snapshot", "path", path, "error", err)
		return ""
	}

	slog.Info("Captured challenge snapshot", "path", path)
	return path
}
