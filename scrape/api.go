package scrape

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// requireAuth wraps a handler function to require authentication.
func requireAuth(handler func(*core.RequestEvent) error) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if e.Auth == nil {
			return apis.NewUnauthorizedError("Authentication required", nil)
		}
		return handler(e)
	}
}

// InitializeScrapeService sets up the scrape API endpoints.
func InitializeScrapeService(app *pocketbase.PocketBase, e *core.ServeEvent) error {
	scheduler := GetScheduler(app)

	// Manual batch trigger. Accepts optional ?limit=N to cap the claim count.
	e.Router.POST("/api/custom/scrape/run", requireAuth(func(e *core.RequestEvent) error {
		return handleRunBatch(e, scheduler)
	}))

	// Status of the most recent batch.
	e.Router.GET("/api/custom/scrape/status", requireAuth(func(e *core.RequestEvent) error {
		return handleBatchStatus(e, scheduler)
	}))

	// Daily revenue recap export to Google Sheets. Optional ?days=N window.
	e.Router.POST("/api/custom/scrape/recap-export", requireAuth(func(e *core.RequestEvent) error {
		return handleRecapExport(e, app)
	}))

	return nil
}

// handleRunBatch starts a batch in the background. Returns 409 if one is
// already in flight.
func handleRunBatch(e *core.RequestEvent, scheduler *Scheduler) error {
	if scheduler.IsBatchRunning() {
		return e.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "Batch already in progress",
			"status": "running",
		})
	}

	limit := 0 // 0 means the configured batch limit
	if limitParam := e.Request.URL.Query().Get("limit"); limitParam != "" {
		l, err := strconv.Atoi(limitParam)
		if err != nil || l <= 0 {
			return e.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "Invalid limit parameter. Must be a positive integer.",
			})
		}
		limit = l
	}

	scheduler.TriggerBatch(limit)

	return e.JSON(http.StatusOK, map[string]interface{}{
		"message": "Scrape batch started",
		"status":  "started",
		"limit":   limit,
	})
}

// handleRecapExport starts a recap export in the background.
func handleRecapExport(e *core.RequestEvent, app *pocketbase.PocketBase) error {
	exporter, err := NewRecapExport(app)
	if err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
	}
	if exporter == nil {
		return e.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Google Sheets export is not enabled",
			"hint":  "Set GOOGLE_SHEETS_ENABLED=true and configure credentials",
		})
	}

	days := 0
	if daysParam := e.Request.URL.Query().Get("days"); daysParam != "" {
		d, err := strconv.Atoi(daysParam)
		if err != nil || d <= 0 {
			return e.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "Invalid days parameter. Must be a positive integer.",
			})
		}
		days = d
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := exporter.Export(ctx, days); err != nil {
			slog.Error("Recap export failed", "error", err)
		}
	}()

	return e.JSON(http.StatusOK, map[string]interface{}{
		"message": "Recap export started",
		"status":  "started",
		"days":    days,
	})
}

// handleBatchStatus returns a snapshot of the most recent batch plus queue
// depth by status.
func handleBatchStatus(e *core.RequestEvent, scheduler *Scheduler) error {
	status := scheduler.GetRunner().Status()

	counts := map[string]int{}
	for _, st := range []string{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		records, err := e.App.FindRecordsByFilter(
			collectionJobs,
			"status = {:status}",
			"",
			0,
			0,
			dbx.Params{"status": st},
		)
		if err != nil {
			return e.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error": "Failed to query job queue",
			})
		}
		counts[st] = len(records)
	}

	return e.JSON(http.StatusOK, map[string]interface{}{
		"batch": status,
		"queue": counts,
	})
}
