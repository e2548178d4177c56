package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/sheets/v4"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/clinic/rekap/pocketbase/google"
)

const tabDailyRevenue = "Daily Revenue"

// SheetsWriter interface for writing to Google Sheets (enables mocking).
type SheetsWriter interface {
	WriteToSheet(ctx context.Context, spreadsheetID, sheetTab string, data [][]interface{}) error
	ClearSheet(ctx context.Context, spreadsheetID, sheetTab string) error
}

// RealSheetsWriter implements SheetsWriter using the Google Sheets API.
type RealSheetsWriter struct {
	service *sheets.Service
}

// NewRealSheetsWriter creates a new RealSheetsWriter.
func NewRealSheetsWriter(service *sheets.Service) *RealSheetsWriter {
	return &RealSheetsWriter{service: service}
}

// WriteToSheet writes data to a specific sheet tab.
func (w *RealSheetsWriter) WriteToSheet(ctx context.Context, spreadsheetID, sheetTab string, data [][]interface{}) error {
	valueRange := &sheets.ValueRange{
		Values: data,
	}

	_, err := w.service.Spreadsheets.Values.Update(
		spreadsheetID,
		sheetTab+"!A1",
		valueRange,
	).ValueInputOption("RAW").Context(ctx).Do()

	return err
}

// ClearSheet clears all data from a sheet tab.
func (w *RealSheetsWriter) ClearSheet(ctx context.Context, spreadsheetID, sheetTab string) error {
	_, err := w.service.Spreadsheets.Values.Clear(
		spreadsheetID,
		sheetTab+"!A:Z",
		&sheets.ClearValuesRequest{},
	).Context(ctx).Do()

	return err
}

// RecapRow is one aggregated line of the daily revenue recap.
type RecapRow struct {
	Date        string  `db:"txn_date"`
	ClinicName  string  `db:"clinic_name"`
	Rows        int     `db:"txn_count"`
	TotalBilled float64 `db:"total_billed"`
	TotalPaid   float64 `db:"total_paid"`
}

// RecapExport aggregates persisted transactions into a per-clinic per-day
// revenue recap and pushes it to a spreadsheet.
type RecapExport struct {
	app           core.App
	sheetsWriter  SheetsWriter
	spreadsheetID string
}

// NewRecapExport builds the exporter, or returns nil when the Sheets
// integration is disabled.
func NewRecapExport(app core.App) (*RecapExport, error) {
	if !google.IsEnabled() {
		return nil, nil
	}

	service, err := google.NewSheetsClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("creating sheets client: %w", err)
	}

	return &RecapExport{
		app:           app,
		sheetsWriter:  NewRealSheetsWriter(service),
		spreadsheetID: google.GetSpreadsheetID(),
	}, nil
}

// Export aggregates the last `days` days of transactions and rewrites the
// recap tab.
func (r *RecapExport) Export(ctx context.Context, days int) error {
	startTime := time.Now()
	if days <= 0 {
		days = 31
	}
	since := time.Now().AddDate(0, 0, -days).Format(dateLayout)

	var rows []RecapRow
	err := r.app.DB().NewQuery(`
		SELECT t.txn_date AS txn_date,
		       c.name AS clinic_name,
		       COUNT(*) AS txn_count,
		       SUM(t.total_billed) AS total_billed,
		       SUM(t.total_paid) AS total_paid
		FROM transactions t
		JOIN clinics c ON c.id = t.clinic
		WHERE t.txn_date >= {:since}
		GROUP BY t.txn_date, c.id
		ORDER BY t.txn_date DESC, c.name ASC
	`).Bind(dbx.Params{"since": since}).All(&rows)
	if err != nil {
		return fmt.Errorf("aggregating recap: %w", err)
	}

	data := [][]interface{}{
		{"Date", "Clinic", "Transactions", "Total Billed", "Total Paid"},
	}
	for _, row := range rows {
		data = append(data, []interface{}{
			row.Date, row.ClinicName, row.Rows, row.TotalBilled, row.TotalPaid,
		})
	}

	if err := r.sheetsWriter.ClearSheet(ctx, r.spreadsheetID, tabDailyRevenue); err != nil {
		slog.Warn("Failed to clear recap tab (may not exist yet)", "tab", tabDailyRevenue, "error", err)
	}
	if err := r.sheetsWriter.WriteToSheet(ctx, r.spreadsheetID, tabDailyRevenue, data); err != nil {
		return fmt.Errorf("writing recap: %w", err)
	}

	slog.Info("Recap export complete", "rows", len(rows), "days", days,
		"duration_seconds", int(time.Since(startTime).Seconds()))
	return nil
}
