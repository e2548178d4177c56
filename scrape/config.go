// Package scrape implements the queue-driven ingestion pipeline that pulls
// daily financial-transaction reports out of the clinic portal, normalizes
// the rows, persists them idempotently and fans each transaction out into
// per-category ledger entries.
package scrape

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the knobs of one pipeline instance, passed in at construction.
type Config struct {
	ChallengeTimeout time.Duration // caps the anti-bot interstitial wait
	ResultTimeout    time.Duration // caps the result-table wait
	BatchLimit       int           // jobs processed per invocation
	UseProxy         bool          // route browser traffic through a proxy
	ProxyURL         string
	SnapshotDir      string        // diagnostic page snapshots
	CronSpec         string        // scheduler spec for periodic batches
	StaleAfter       time.Duration // processing jobs older than this get reset
	LoginField       string        // CSS selector of a known login-form field
}

// DefaultConfig returns the defaults used when the environment sets nothing.
func DefaultConfig() Config {
	return Config{
		ChallengeTimeout: 120 * time.Second,
		ResultTimeout:    60 * time.Second,
		BatchLimit:       5,
		SnapshotDir:      "pb_data/snapshots",
		CronSpec:         "0 */2 * * *",
		StaleAfter:       time.Hour,
		LoginField:       `input[name="username"]`,
	}
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// defaults and logging values it cannot parse.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if ms, ok := envInt("SCRAPE_CHALLENGE_TIMEOUT_MS"); ok {
		cfg.ChallengeTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := envInt("SCRAPE_RESULT_TIMEOUT_MS"); ok {
		cfg.ResultTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt("SCRAPE_BATCH_LIMIT"); ok && n > 0 {
		cfg.BatchLimit = n
	}
	if mins, ok := envInt("SCRAPE_STALE_AFTER_MIN"); ok && mins > 0 {
		cfg.StaleAfter = time.Duration(mins) * time.Minute
	}

	cfg.UseProxy = envBool("SCRAPE_USE_PROXY")
	if v := os.Getenv("SCRAPE_PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if cfg.UseProxy && cfg.ProxyURL == "" {
		slog.Warn("SCRAPE_USE_PROXY set but SCRAPE_PROXY_URL empty, proxy disabled")
		cfg.UseProxy = false
	}

	if v := os.Getenv("SCRAPE_SNAPSHOT_DIR"); v != "" {
		cfg.SnapshotDir = v
	}
	if v := os.Getenv("SCRAPE_CRON"); v != "" {
		cfg.CronSpec = v
	}
	if v := os.Getenv("SCRAPE_LOGIN_FIELD"); v != "" {
		cfg.LoginField = v
	}

	return cfg
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Error("Failed to parse env var", "name", name, "value", raw, "error", err)
		return 0, false
	}
	return n, true
}

func envBool(name string) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return val == "true" || val == "1"
}
