package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"github.com/clinic/rekap/pocketbase/portal"
)

// Runner drains the job queue in bounded batches. Jobs are isolated: a
// failing or panicking job is marked failed and audited, and the batch moves
// on to the next claim.
type Runner struct {
	app      core.App
	cfg      Config
	queue    *Queue
	auditor  *Auditor
	pipeline *Pipeline

	mu     sync.Mutex
	status BatchStatus
}

// NewRunner wires a runner over the shared store.
func NewRunner(app core.App, cfg Config) *Runner {
	return &Runner{
		app:      app,
		cfg:      cfg,
		queue:    NewQueue(app),
		auditor:  NewAuditor(app),
		pipeline: NewPipeline(app, cfg),
	}
}

// Status returns a snapshot of the most recent batch.
func (r *Runner) Status() BatchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RunBatch claims and processes up to limit jobs sequentially. Only one batch
// runs at a time; a second call while one is in flight returns immediately.
func (r *Runner) RunBatch(ctx context.Context, limit int) (BatchStatus, error) {
	r.mu.Lock()
	if r.status.Running {
		status := r.status
		r.mu.Unlock()
		return status, errors.New("a batch is already running")
	}
	r.status = BatchStatus{Running: true, StartedAt: time.Now().UTC().Format(time.RFC3339)}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.status.Running = false
		r.status.EndedAt = time.Now().UTC().Format(time.RFC3339)
		r.mu.Unlock()
	}()

	if limit <= 0 {
		limit = r.cfg.BatchLimit
	}

	if released, err := r.queue.ReleaseStale(r.cfg.StaleAfter); err != nil {
		slog.Warn("Stale job reconciliation failed", "error", err)
	} else if released > 0 {
		slog.Info("Requeued stale jobs", "count", released)
	}

	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			break
		}

		job, err := r.queue.Claim()
		if err != nil {
			return r.Status(), fmt.Errorf("claim failed: %w", err)
		}
		if job == nil {
			break
		}
		r.bump(func(s *BatchStatus) { s.Claimed++ })

		if r.runJob(ctx, job) {
			r.bump(func(s *BatchStatus) { s.Completed++ })
		} else {
			r.bump(func(s *BatchStatus) { s.Failed++ })
		}
	}

	status := r.Status()
	slog.Info("Batch finished", "claimed", status.Claimed,
		"completed", status.Completed, "failed", status.Failed)
	return status, nil
}

// runJob executes one claimed job, converting any outcome (including a
// panic) into a terminal job status plus an audit row.
func (r *Runner) runJob(ctx context.Context, job *Job) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			trace := string(debug.Stack())
			slog.Error("Job panicked", "job", job.ID, "panic", rec)
			r.finishFailed(job, portal.KindInternal, fmt.Sprintf("panic: %v", rec), trace)
		}
	}()

	stats, err := r.pipeline.Run(ctx, job)
	if err != nil {
		kind := errorKind(err)
		slog.Error("Job failed", "job", job.ID, "kind", kind, "error", err)
		r.finishFailed(job, kind, err.Error(), "")
		return false
	}

	if err := r.queue.MarkCompleted(job); err != nil {
		slog.Error("Completed job could not be marked", "job", job.ID, "error", err)
	}
	if err := r.auditor.RecordSuccess(job, stats); err != nil {
		slog.Error("Audit write failed", "job", job.ID, "error", err)
	}
	slog.Info("Job completed", "job", job.ID, "scraped", stats.Scraped,
		"inserted", stats.Inserted, "updated", stats.Updated,
		"skipped", stats.Skipped, "ledger", stats.LedgerCreated,
		"duration", stats.Duration)
	return true
}

func (r *Runner) finishFailed(job *Job, kind, message, trace string) {
	if err := r.queue.MarkFailed(job, message); err != nil {
		slog.Error("Failed job could not be marked", "job", job.ID, "error", err)
	}
	if err := r.auditor.RecordFailure(job, kind, message, trace); err != nil {
		slog.Error("Audit write failed", "job", job.ID, "error", err)
	}
}

func (r *Runner) bump(fn func(*BatchStatus)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

// errorKind maps a job-fatal error onto its audit taxonomy bucket.
func errorKind(err error) string {
	var challenge *portal.ChallengeTimeoutError
	var login *portal.LoginError
	var nav *portal.NavigationError
	var persist *PersistenceError

	switch {
	case errors.As(err, &challenge):
		return portal.KindChallengeTimeout
	case errors.As(err, &login):
		return portal.KindLogin
	case errors.As(err, &nav):
		return portal.KindNavigation
	case errors.As(err, &persist):
		return portal.KindPersistence
	default:
		return portal.KindInternal
	}
}
