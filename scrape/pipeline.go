package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"github.com/clinic/rekap/pocketbase/portal"
	"github.com/clinic/rekap/pocketbase/ratelimit"
)

// Phase names, in execution order. Each phase gets its own timeout and a
// bounded retry, replacing nested try/fallback control flow with a flat,
// inspectable sequence.
const (
	PhaseNavigate       = "Navigate"
	PhaseAwaitChallenge = "AwaitChallenge"
	PhaseSelectClinic   = "SelectClinic"
	PhaseLogin          = "Login"
	PhaseFilter         = "Filter"
	PhaseExtract        = "Extract"
)

// phase is one named step of the portal flow.
type phase struct {
	name     string
	timeout  time.Duration
	attempts int
	run      func(ctx context.Context) error
}

// phaseResult records how a phase ended, for logs and debugging.
type phaseResult struct {
	Name     string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Pipeline executes one job end to end: session, portal flow, row
// processing. Execution is single-threaded and strictly sequential; the
// browser session is scoped to the one job and released on every exit path
// by the caller's defer.
type Pipeline struct {
	app    core.App
	cfg    Config
	locale portal.Locale
	pace   *ratelimit.RateLimiter
	now    func() time.Time
}

// NewPipeline builds a pipeline with the default locale adapter.
func NewPipeline(app core.App, cfg Config) *Pipeline {
	return &Pipeline{
		app:    app,
		cfg:    cfg,
		locale: portal.DefaultLocale(),
		pace:   ratelimit.NewRateLimiter(nil),
		now:    time.Now,
	}
}

// Run processes one claimed job and returns its attempt counters. Returned
// errors are job-fatal; row-level parse failures only increment the skipped
// counter.
func (p *Pipeline) Run(ctx context.Context, job *Job) (stats Stats, err error) {
	start := p.now()
	defer func() { stats.Duration = int(p.now().Sub(start).Seconds()) }()

	clinic, err := p.app.FindRecordById("clinics", job.ClinicID)
	if err != nil {
		return stats, &PersistenceError{Op: "clinic lookup", Err: err}
	}

	sess, err := portal.NewSession(ctx, portal.SessionConfig{
		LoginURL:           clinic.GetString("portal_url"),
		LoginFieldSelector: p.cfg.LoginField,
		ChallengeTimeout:   p.cfg.ChallengeTimeout,
		SnapshotDir:        p.cfg.SnapshotDir,
		UseProxy:           p.cfg.UseProxy,
		ProxyURL:           p.cfg.ProxyURL,
	})
	if err != nil {
		return stats, err
	}
	defer sess.Close()

	nav := portal.NewNavigator(sess, p.locale, p.pace)

	var tableHTML string
	hasRows := true
	phases := []phase{
		{name: PhaseNavigate, timeout: time.Minute, attempts: 2, run: sess.Navigate},
		// The challenge wait carries its own bound and is not retried here:
		// a timeout means re-enqueue, not another 2 minutes of polling.
		{name: PhaseAwaitChallenge, timeout: p.cfg.ChallengeTimeout + time.Minute, attempts: 1, run: sess.AwaitChallenge},
		{name: PhaseSelectClinic, timeout: time.Minute, attempts: 2, run: func(ctx context.Context) error {
			return nav.SelectClinic(ctx, clinic.GetString("name"))
		}},
		{name: PhaseLogin, timeout: time.Minute, attempts: 1, run: func(ctx context.Context) error {
			return nav.Login(ctx, clinic.GetString("username"), clinic.GetString("secret"))
		}},
		{name: PhaseFilter, timeout: 3 * time.Minute, attempts: 2, run: func(ctx context.Context) error {
			if err := nav.OpenDailyRevenueReport(ctx); err != nil {
				return err
			}
			if err := nav.SelectDateRange(ctx, job.DateStart, job.DateEnd); err != nil {
				return err
			}
			return nav.ActivateFilters(ctx)
		}},
		{name: PhaseExtract, timeout: p.cfg.ResultTimeout + time.Minute, attempts: 1, run: func(ctx context.Context) error {
			var err error
			hasRows, err = nav.AwaitResults(ctx, p.cfg.ResultTimeout)
			if err != nil || !hasRows {
				return err
			}
			tableHTML, err = nav.TableHTML(ctx)
			return err
		}},
	}

	if err := p.runPhases(ctx, job, phases); err != nil {
		return stats, err
	}

	if !hasRows {
		slog.Info("Report has no rows for the period", "job", job.ID,
			"start", job.DateStart.Format("2006-01-02"),
			"end", job.DateEnd.Format("2006-01-02"))
		return stats, nil
	}

	fields, err := portal.ExtractTable(tableHTML)
	if err != nil {
		return stats, &portal.NavigationError{Step: "extract", Err: err}
	}
	stats.Scraped = len(fields)

	if err := p.processRows(clinic, fields, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// runPhases executes the phases sequentially, each under its own timeout,
// retrying only errors the taxonomy marks retryable.
func (p *Pipeline) runPhases(ctx context.Context, job *Job, phases []phase) error {
	for _, ph := range phases {
		result := p.runPhase(ctx, ph)
		slog.Info("Phase finished", "job", job.ID, "phase", result.Name,
			"attempts", result.Attempts, "elapsed", result.Elapsed.Round(time.Millisecond),
			"ok", result.Err == nil)
		if result.Err != nil {
			return result.Err
		}
	}
	return nil
}

func (p *Pipeline) runPhase(ctx context.Context, ph phase) phaseResult {
	result := phaseResult{Name: ph.name}
	start := time.Now()
	defer func() { result.Elapsed = time.Since(start) }()

	attempts := ph.attempts
	if attempts < 1 {
		attempts = 1
	}

	result.Err = p.pace.ExecuteWithRetry(ctx, attempts, func() error {
		result.Attempts++
		if result.Attempts > 1 {
			slog.Warn("Retrying phase", "phase", ph.name, "attempt", result.Attempts)
		}
		phaseCtx, cancel := context.WithTimeout(ctx, ph.timeout)
		defer cancel()
		return ph.run(phaseCtx)
	}, retryablePhaseError)
	return result
}

// retryablePhaseError reports whether a phase failure is worth another
// attempt within the same job. Challenge timeouts and rejected credentials
// are not; a relaunched attempt needs a re-enqueued job.
func retryablePhaseError(err error) bool {
	var nav *portal.NavigationError
	return errors.As(err, &nav)
}

// processRows normalizes and persists the extracted rows in report order.
func (p *Pipeline) processRows(clinic *core.Record, fields []map[string]string, stats *Stats) error {
	normalizer := NewNormalizer(p.locale)

	upserter, err := NewUpserter(p.app, clinic)
	if err != nil {
		return &PersistenceError{Op: "mapping preload", Err: err}
	}
	fanout := NewFanout(p.app, clinic, upserter)

	for i, rowFields := range fields {
		row, err := normalizer.Normalize(rowFields)
		if err != nil {
			var parseErr *RowParseError
			if errors.As(err, &parseErr) {
				slog.Warn("Skipping unparsable row", "row", i, "error", err)
				stats.Skipped++
				continue
			}
			return err
		}

		result, err := upserter.PersistRow(row)
		if err != nil {
			return err
		}
		if result.Inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
		stats.Unmapped += result.Unmapped

		created, err := fanout.Fan(result.Transaction, row)
		if err != nil {
			return err
		}
		stats.LedgerCreated += created
	}

	slog.Info("Processed report rows", "clinic", clinic.Id,
		"stats", fmt.Sprintf("scraped=%d, inserted=%d, updated=%d, skipped=%d, unmapped=%d, ledger=%d",
			stats.Scraped, stats.Inserted, stats.Updated, stats.Skipped, stats.Unmapped, stats.LedgerCreated))
	return nil
}
