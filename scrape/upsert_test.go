package scrape

import (
	"database/sql"
	"errors"
	"testing"
	"time"
)

func testRow(date time.Time) *Row {
	return &Row{
		RecordNo:      "RM-00123",
		Name:          "Budi Santoso",
		Date:          date,
		Department:    "Poli Umum",
		Insurer:       "BPJS",
		PaymentMethod: "Cash",
		Categories: map[string]CategoryAmounts{
			"Pharmacy": {Billed: 150000, Paid: 100000},
			"Lab":      {Billed: 75000},
		},
		TotalBilled: 225000,
		TotalPaid:   100000,
		Raw:         map[string]string{"Record No": "RM-00123"},
	}
}

func TestUpserter_InsertNewRow(t *testing.T) {
	app := setupTestApp(t)
	clinic := newTestClinic(t, app)
	newTestMapping(t, app, clinic.Id, MappingDepartment, "Poli Umum", "dept-77")
	newTestMapping(t, app, clinic.Id, MappingInsurer, "BPJS", "ins-1")

	upserter, err := NewUpserter(app, clinic)
	if err != nil {
		t.Fatalf("NewUpserter returned error: %v", err)
	}

	date := time.Date(2026, time.January, 28, 0, 0, 0, 0, time.UTC)
	result, err := upserter.PersistRow(testRow(date))
	if err != nil {
		t.Fatalf("PersistRow returned error: %v", err)
	}

	if !result.Inserted {
		t.Error("Inserted = false for a fresh row")
	}
	if result.Unmapped != 0 {
		t.Errorf("Unmapped = %d, want 0 with both mappings present", result.Unmapped)
	}

	txn := result.Transaction
	if got := txn.GetString("department_id"); got != "dept-77" {
		t.Errorf("department_id = %q, want dept-77", got)
	}
	if got := txn.GetString("insurer_id"); got != "ins-1" {
		t.Errorf("insurer_id = %q, want ins-1", got)
	}
	if got := txn.GetString("txn_date"); got != "2026-01-28" {
		t.Errorf("txn_date = %q, want 2026-01-28", got)
	}
	if got := txn.GetFloat("total_billed"); got != 225000 {
		t.Errorf("total_billed = %v, want 225000", got)
	}
	if txn.GetBool("synced") {
		t.Error("synced = true on a new transaction, want false")
	}

	patient, err := app.FindFirstRecordByFilter(collectionPatients, "record_no = 'RM-00123'")
	if err != nil {
		t.Fatalf("patient not created: %v", err)
	}
	if got := patient.GetInt("visit_count"); got != 1 {
		t.Errorf("visit_count = %d, want 1 for first visit", got)
	}
	if got := patient.GetString("first_visit"); got != "2026-01-28" {
		t.Errorf("first_visit = %q, want 2026-01-28", got)
	}
}

func TestUpserter_ReprocessingIsIdempotent(t *testing.T) {
	app := setupTestApp(t)
	clinic := newTestClinic(t, app)

	upserter, err := NewUpserter(app, clinic)
	if err != nil {
		t.Fatalf("NewUpserter returned error: %v", err)
	}

	date := time.Date(2026, time.January, 28, 0, 0, 0, 0, time.UTC)
	if _, err := upserter.PersistRow(testRow(date)); err != nil {
		t.Fatalf("first PersistRow returned error: %v", err)
	}

	result, err := upserter.PersistRow(testRow(date))
	if err != nil {
		t.Fatalf("second PersistRow returned error: %v", err)
	}
	if result.Inserted {
		t.Error("Inserted = true on reprocess, want false")
	}

	txns, err := app.FindRecordsByFilter(collectionTransactions, "record_no = 'RM-00123'", "", 0, 0)
	if err != nil {
		t.Fatalf("querying transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Errorf("transaction count = %d after reprocess, want 1", len(txns))
	}

	patient, err := app.FindFirstRecordByFilter(collectionPatients, "record_no = 'RM-00123'")
	if err != nil {
		t.Fatalf("patient lookup: %v", err)
	}
	if got := patient.GetInt("visit_count"); got != 1 {
		t.Errorf("visit_count = %d after reprocess, want unchanged 1", got)
	}
}

func TestUpserter_SecondVisitIncrementsCounter(t *testing.T) {
	app := setupTestApp(t)
	clinic := newTestClinic(t, app)

	upserter, err := NewUpserter(app, clinic)
	if err != nil {
		t.Fatalf("NewUpserter returned error: %v", err)
	}

	first := time.Date(2026, time.January, 28, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)

	if _, err := upserter.PersistRow(testRow(first)); err != nil {
		t.Fatalf("first PersistRow returned error: %v", err)
	}
	result, err := upserter.PersistRow(testRow(second))
	if err != nil {
		t.Fatalf("second PersistRow returned error: %v", err)
	}
	if !result.Inserted {
		t.Error("Inserted = false for a distinct date, want true")
	}

	patient, err := app.FindFirstRecordByFilter(collectionPatients, "record_no = 'RM-00123'")
	if err != nil {
		t.Fatalf("patient lookup: %v", err)
	}
	if got := patient.GetInt("visit_count"); got != 2 {
		t.Errorf("visit_count = %d, want 2 after a second visit", got)
	}
	if got := patient.GetString("first_visit"); got != "2026-01-28" {
		t.Errorf("first_visit = %q, want 2026-01-28", got)
	}
	if got := patient.GetString("last_visit"); got != "2026-02-10" {
		t.Errorf("last_visit = %q, want 2026-02-10", got)
	}
}

func TestUpserter_AmountsNeverRewrittenOnRefresh(t *testing.T) {
	app := setupTestApp(t)
	clinic := newTestClinic(t, app)

	upserter, err := NewUpserter(app, clinic)
	if err != nil {
		t.Fatalf("NewUpserter returned error: %v", err)
	}

	date := time.Date(2026, time.January, 28, 0, 0, 0, 0, time.UTC)
	if _, err := upserter.PersistRow(testRow(date)); err != nil {
		t.Fatalf("first PersistRow returned error: %v", err)
	}

	// Same natural key, different paid total and a renamed insurer.
	refresh := testRow(date)
	refresh.TotalPaid = 999999
	refresh.Insurer = "BPJS Kesehatan"
	result, err := upserter.PersistRow(refresh)
	if err != nil {
		t.Fatalf("refresh PersistRow returned error: %v", err)
	}
	if result.Inserted {
		t.Error("Inserted = true on refresh, want false")
	}

	txn := result.Transaction
	if got := txn.GetFloat("total_paid"); got != 100000 {
		t.Errorf("total_paid = %v after refresh, want original 100000", got)
	}
	if got := txn.GetString("insurer"); got != "BPJS Kesehatan" {
		t.Errorf("insurer = %q after refresh, want updated display value", got)
	}
}

func TestUpserter_UnmappedLabelsCounted(t *testing.T) {
	app := setupTestApp(t)
	clinic := newTestClinic(t, app)

	upserter, err := NewUpserter(app, clinic)
	if err != nil {
		t.Fatalf("NewUpserter returned error: %v", err)
	}

	date := time.Date(2026, time.January, 28, 0, 0, 0, 0, time.UTC)
	result, err := upserter.PersistRow(testRow(date))
	if err != nil {
		t.Fatalf("PersistRow returned error: %v", err)
	}

	// Department and insurer both set on the row, neither mapped.
	if result.Unmapped != 2 {
		t.Errorf("Unmapped = %d, want 2", result.Unmapped)
	}
	if got := result.Transaction.GetString("department_id"); got != "" {
		t.Errorf("department_id = %q, want empty for unmapped label", got)
	}
}

func TestUpserter_ResolveIsCaseInsensitive(t *testing.T) {
	app := setupTestApp(t)
	clinic := newTestClinic(t, app)
	newTestMapping(t, app, clinic.Id, MappingProgram, "Pharmacy", "prog-9")

	upserter, err := NewUpserter(app, clinic)
	if err != nil {
		t.Fatalf("NewUpserter returned error: %v", err)
	}

	if got := upserter.Resolve(MappingProgram, "  pharmacy "); got != "prog-9" {
		t.Errorf("Resolve = %q, want prog-9", got)
	}
	if got := upserter.Resolve(MappingProgram, "Radiology"); got != "" {
		t.Errorf("Resolve = %q for unknown label, want empty", got)
	}
}

func TestPersistRow_LookupFailureFailsTheRow(t *testing.T) {
	app := setupTestApp(t)
	clinic := newTestClinic(t, app)

	upserter, err := NewUpserter(app, clinic)
	if err != nil {
		t.Fatalf("NewUpserter returned error: %v", err)
	}

	// Drop the transactions collection so the natural-key lookup fails with a
	// real store error instead of not-found.
	col, err := app.FindCollectionByNameOrId(collectionTransactions)
	if err != nil {
		t.Fatalf("finding transactions collection: %v", err)
	}
	if err := app.Delete(col); err != nil {
		t.Fatalf("dropping transactions collection: %v", err)
	}

	date := time.Date(2026, time.January, 28, 0, 0, 0, 0, time.UTC)
	_, err = upserter.PersistRow(testRow(date))

	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PersistenceError when the lookup itself fails", err)
	}

	// The failed lookup must not fall through to the create path: no patient
	// record and no visit count may appear.
	_, err = app.FindFirstRecordByFilter(collectionPatients, "record_no = 'RM-00123'")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("patient lookup after failed row = %v, want sql.ErrNoRows", err)
	}
}
