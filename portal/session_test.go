package portal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChallengeCleared(t *testing.T) {
	loginURL := "https://portal.example.com/login"

	tests := []struct {
		name         string
		location     string
		title        string
		fieldVisible bool
		want         bool
	}{
		{
			name:         "login field visible clears on its own",
			location:     loginURL,
			title:        "Just a moment...",
			fieldVisible: true,
			want:         true,
		},
		{
			name:     "redirected off the login url",
			location: "https://portal.example.com/dashboard",
			title:    "",
			want:     true,
		},
		{
			name:     "real title on login url",
			location: loginURL,
			title:    "Clinic Portal - Sign In",
			want:     true,
		},
		{
			name:     "interstitial title still shown",
			location: loginURL,
			title:    "Just a moment...",
			want:     false,
		},
		{
			name:     "indonesian interstitial title",
			location: loginURL,
			title:    "Mohon tunggu sebentar",
			want:     false,
		},
		{
			name:     "checking browser title",
			location: loginURL,
			title:    "Checking your browser before accessing",
			want:     false,
		},
		{
			name:     "no signals at all",
			location: "",
			title:    "",
			want:     false,
		},
		{
			name:     "trailing slash and query are the same url",
			location: loginURL + "/?ref=challenge",
			title:    "Please Wait",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChallengeCleared(tt.location, tt.title, tt.fieldVisible, loginURL)
			if got != tt.want {
				t.Errorf("ChallengeCleared(%q, %q, %v) = %v, want %v",
					tt.location, tt.title, tt.fieldVisible, got, tt.want)
			}
		})
	}
}

func TestSameURL(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://x.com/login", "https://x.com/login", true},
		{"https://x.com/login/", "https://x.com/login", true},
		{"https://x.com/login?utm=1", "https://x.com/login", true},
		{"https://x.com/dashboard", "https://x.com/login", false},
	}

	for _, tt := range tests {
		if got := sameURL(tt.a, tt.b); got != tt.want {
			t.Errorf("sameURL(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSessionConfig_Defaults(t *testing.T) {
	cfg := SessionConfig{LoginURL: "https://portal.example.com/login"}
	cfg.applyDefaults()

	if cfg.ChallengeTimeout <= 0 {
		t.Error("ChallengeTimeout default not applied")
	}
	if cfg.RecheckTimeout <= 0 {
		t.Error("RecheckTimeout default not applied")
	}
	if cfg.PollInterval <= 0 {
		t.Error("PollInterval default not applied")
	}
}

func TestAwaitChallengeClear_TimesOutAtBound(t *testing.T) {
	s := &Session{cfg: SessionConfig{PollInterval: time.Millisecond}}
	s.probe = func() (bool, error) { return false, nil }

	bound := 15 * time.Millisecond
	err := s.awaitChallengeClear(context.Background(), bound)

	var timeout *ChallengeTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("error = %v, want ChallengeTimeoutError when the page never clears", err)
	}
	if timeout.Elapsed != bound {
		t.Errorf("Elapsed = %v, want the configured bound %v", timeout.Elapsed, bound)
	}
	if timeout.Snapshot != "" {
		t.Errorf("Snapshot = %q, want empty without a snapshot dir", timeout.Snapshot)
	}
}

func TestAwaitChallengeClear_ReturnsOnClearedSignal(t *testing.T) {
	s := &Session{cfg: SessionConfig{PollInterval: time.Millisecond}}
	probes := 0
	s.probe = func() (bool, error) {
		probes++
		return probes >= 3, nil
	}

	if err := s.awaitChallengeClear(context.Background(), time.Second); err != nil {
		t.Fatalf("awaitChallengeClear returned %v after the page cleared", err)
	}
	if probes != 3 {
		t.Errorf("probe called %d times, want 3", probes)
	}
}

func TestAwaitChallengeClear_ProbeErrorsKeepPolling(t *testing.T) {
	s := &Session{cfg: SessionConfig{PollInterval: time.Millisecond}}
	probes := 0
	s.probe = func() (bool, error) {
		probes++
		if probes < 2 {
			return false, errors.New("target crashed")
		}
		return true, nil
	}

	if err := s.awaitChallengeClear(context.Background(), time.Second); err != nil {
		t.Fatalf("awaitChallengeClear returned %v, want probe failures tolerated", err)
	}
}

func TestAwaitChallengeClear_CanceledContext(t *testing.T) {
	s := &Session{cfg: SessionConfig{PollInterval: time.Millisecond}}
	s.probe = func() (bool, error) { return false, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.awaitChallengeClear(ctx, time.Second)
	var nav *NavigationError
	if !errors.As(err, &nav) {
		t.Fatalf("error = %v, want NavigationError on canceled context", err)
	}
}
