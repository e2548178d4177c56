package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/robfig/cron/v3"
)

// AuditRetentionDays is how long audit_logs rows are kept before pruning.
// Infrastructure setting, not a business rule.
const AuditRetentionDays = 90

// Scheduler manages the cron-based batch cadence.
type Scheduler struct {
	app     core.App
	cfg     Config
	cron    *cron.Cron
	runner  *Runner
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new scheduler.
func NewScheduler(app core.App) *Scheduler {
	cfg := ConfigFromEnv()
	return &Scheduler{
		app:    app,
		cfg:    cfg,
		cron:   cron.New(),
		runner: NewRunner(app, cfg),
	}
}

// Start registers the batch schedule and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	_, err := s.cron.AddFunc(s.cfg.CronSpec, func() {
		slog.Info("Starting scheduled scrape batch", "spec", s.cfg.CronSpec)
		s.runBatch()
	})
	if err != nil {
		return fmt.Errorf("adding batch schedule: %w", err)
	}

	_, err = s.cron.AddFunc("0 4 * * *", func() {
		if err := s.pruneOldAuditLogs(); err != nil {
			slog.Warn("Failed to prune old audit logs", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("adding prune schedule: %w", err)
	}

	s.cron.Start()
	s.running = true

	slog.Info("Scrape scheduler started", "spec", s.cfg.CronSpec)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	slog.Info("Stopping scrape scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	slog.Info("Scrape scheduler stopped")
}

// runBatch drains a batch under a background context. Scheduled runs are not
// tied to any request lifetime.
func (s *Scheduler) runBatch() {
	ctx := context.Background()

	status, err := s.runner.RunBatch(ctx, s.cfg.BatchLimit)
	if err != nil {
		slog.Error("Scheduled batch failed", "error", err)
		return
	}
	slog.Info("Scheduled batch completed", "claimed", status.Claimed,
		"completed", status.Completed, "failed", status.Failed)
}

// pruneOldAuditLogs deletes audit_logs records older than AuditRetentionDays.
func (s *Scheduler) pruneOldAuditLogs() error {
	cutoff := time.Now().AddDate(0, 0, -AuditRetentionDays)
	cutoffStr := cutoff.UTC().Format(time.RFC3339)

	collection, err := s.app.FindCollectionByNameOrId(collectionAudit)
	if err != nil {
		return fmt.Errorf("finding audit_logs collection: %w", err)
	}

	records, err := s.app.FindRecordsByFilter(
		collection,
		fmt.Sprintf("created < '%s'", cutoffStr),
		"-created",
		1000, // max records to delete at once
		0,
	)
	if err != nil {
		return fmt.Errorf("finding old audit logs: %w", err)
	}

	if len(records) == 0 {
		return nil
	}

	deleteCount := 0
	for _, record := range records {
		if err := s.app.Delete(record); err != nil {
			slog.Warn("Failed to delete audit log", "recordId", record.Id, "error", err)
		} else {
			deleteCount++
		}
	}

	slog.Info("Pruned old audit logs", "deleted", deleteCount, "found", len(records))
	return nil
}

// TriggerBatch manually kicks off a batch in the background.
func (s *Scheduler) TriggerBatch(limit int) {
	go func() {
		if _, err := s.runner.RunBatch(context.Background(), limit); err != nil {
			slog.Error("Triggered batch failed", "error", err)
		}
	}()
}

// GetRunner returns the runner instance.
func (s *Scheduler) GetRunner() *Runner {
	return s.runner
}

// IsBatchRunning reports whether a batch is currently in flight.
func (s *Scheduler) IsBatchRunning() bool {
	return s.runner.Status().Running
}

// Global scheduler instance
var globalScheduler *Scheduler
var schedulerOnce sync.Once

// GetScheduler returns the global scheduler instance.
func GetScheduler(app core.App) *Scheduler {
	schedulerOnce.Do(func() {
		globalScheduler = NewScheduler(app)
	})
	return globalScheduler
}

// StartScrapeScheduler starts the global scheduler.
func StartScrapeScheduler(app core.App) error {
	scheduler := GetScheduler(app)
	return scheduler.Start()
}
