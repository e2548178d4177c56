package scrape

import (
	"fmt"
	"log/slog"

	"github.com/pocketbase/pocketbase/core"
)

const collectionAudit = "audit_logs"

// maxTraceLen bounds the diagnostic trace stored with a failed attempt.
const maxTraceLen = 2000

// Auditor writes exactly one outcome record per job attempt.
type Auditor struct {
	app core.App
}

// NewAuditor creates an auditor over the shared store.
func NewAuditor(app core.App) *Auditor {
	return &Auditor{app: app}
}

// RecordSuccess stores the attempt's counters.
func (a *Auditor) RecordSuccess(job *Job, stats Stats) error {
	record, err := a.newRecord(job)
	if err != nil {
		return err
	}
	record.Set("status", StatusCompleted)
	record.Set("rows_scraped", stats.Scraped)
	record.Set("rows_inserted", stats.Inserted)
	record.Set("rows_updated", stats.Updated)
	record.Set("rows_skipped", stats.Skipped)
	record.Set("rows_unmapped", stats.Unmapped)
	record.Set("ledger_created", stats.LedgerCreated)
	record.Set("duration", stats.Duration)
	return a.save(record)
}

// RecordFailure stores the attempt's structured error.
func (a *Auditor) RecordFailure(job *Job, kind, message, trace string) error {
	record, err := a.newRecord(job)
	if err != nil {
		return err
	}
	if len(trace) > maxTraceLen {
		trace = trace[:maxTraceLen]
	}
	record.Set("status", StatusFailed)
	record.Set("error_kind", kind)
	record.Set("error_message", message)
	record.Set("trace", trace)
	return a.save(record)
}

func (a *Auditor) newRecord(job *Job) (*core.Record, error) {
	col, err := a.app.FindCollectionByNameOrId(collectionAudit)
	if err != nil {
		return nil, fmt.Errorf("finding collection %s: %w", collectionAudit, err)
	}
	record := core.NewRecord(col)
	record.Set("job", job.ID)
	record.Set("clinic", job.ClinicID)
	record.Set("run_id", job.RunID)
	return record, nil
}

func (a *Auditor) save(record *core.Record) error {
	if err := a.app.Save(record); err != nil {
		slog.Error("Failed to write audit record", "error", err)
		return err
	}
	return nil
}
