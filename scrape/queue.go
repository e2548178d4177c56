package scrape

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
)

// Job statuses. pending -> processing -> completed | failed; the terminal
// states are never left by this component, and rows are never deleted.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const collectionJobs = "scrape_jobs"

// Job is one claimed unit of scrape work: a clinic and a date range.
type Job struct {
	ID        string
	ClinicID  string
	RunID     string
	DateStart time.Time
	DateEnd   time.Time

	record *core.Record
}

// Queue claims and transitions scrape_jobs records. The claim is the single
// point of mutual exclusion between concurrent workers, so it runs as one
// conditional UPDATE instead of a read-then-write.
type Queue struct {
	app core.App
}

// NewQueue creates a queue over the shared store.
func NewQueue(app core.App) *Queue {
	return &Queue{app: app}
}

// Claim atomically marks the oldest pending job as processing and returns it,
// stamping a fresh run id and the start time. Returns nil, nil when no job is
// pending. The status guard inside the WHERE clause means two workers racing
// on the same row leave exactly one winner.
func (q *Queue) Claim() (*Job, error) {
	runID := uuid.NewString()

	res, err := q.app.DB().NewQuery(`
		UPDATE scrape_jobs
		SET status = {:processing}, run_id = {:run}, started = {:now}, error = ''
		WHERE id = (
			SELECT id FROM scrape_jobs
			WHERE status = {:pending}
			ORDER BY created ASC
			LIMIT 1
		) AND status = {:pending}
	`).Bind(dbx.Params{
		"processing": StatusProcessing,
		"pending":    StatusPending,
		"run":        runID,
		"now":        types.NowDateTime().String(),
	}).Execute()
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	record, err := q.app.FindFirstRecordByFilter(
		collectionJobs,
		"run_id = {:run}",
		dbx.Params{"run": runID},
	)
	if err != nil {
		return nil, fmt.Errorf("loading claimed job: %w", err)
	}

	job := &Job{
		ID:        record.Id,
		ClinicID:  record.GetString("clinic"),
		RunID:     runID,
		DateStart: record.GetDateTime("date_start").Time(),
		DateEnd:   record.GetDateTime("date_end").Time(),
		record:    record,
	}

	slog.Info("Claimed job", "job", job.ID, "clinic", job.ClinicID,
		"run", runID,
		"start", job.DateStart.Format("2006-01-02"),
		"end", job.DateEnd.Format("2006-01-02"))
	return job, nil
}

// MarkCompleted transitions a claimed job to its terminal success state.
func (q *Queue) MarkCompleted(job *Job) error {
	job.record.Set("status", StatusCompleted)
	job.record.Set("ended", types.NowDateTime())
	if err := q.app.Save(job.record); err != nil {
		return fmt.Errorf("marking job %s completed: %w", job.ID, err)
	}
	return nil
}

// MarkFailed transitions a claimed job to its terminal failure state,
// retaining the error message for re-enqueue decisions.
func (q *Queue) MarkFailed(job *Job, message string) error {
	job.record.Set("status", StatusFailed)
	job.record.Set("error", message)
	job.record.Set("ended", types.NowDateTime())
	if err := q.app.Save(job.record); err != nil {
		return fmt.Errorf("marking job %s failed: %w", job.ID, err)
	}
	return nil
}

// ReleaseStale resets jobs stuck in processing (a killed worker leaves them
// that way) back to pending. Returns how many were released.
func (q *Queue) ReleaseStale(olderThan time.Duration) (int, error) {
	cutoff, err := types.ParseDateTime(time.Now().Add(-olderThan).UTC())
	if err != nil {
		return 0, fmt.Errorf("building stale cutoff: %w", err)
	}

	res, err := q.app.DB().NewQuery(`
		UPDATE scrape_jobs
		SET status = {:pending}, run_id = ''
		WHERE status = {:processing} AND started < {:cutoff}
	`).Bind(dbx.Params{
		"pending":    StatusPending,
		"processing": StatusProcessing,
		"cutoff":     cutoff.String(),
	}).Execute()
	if err != nil {
		return 0, fmt.Errorf("releasing stale jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		slog.Warn("Released stale processing jobs", "count", affected, "olderThan", olderThan)
	}
	return int(affected), nil
}
