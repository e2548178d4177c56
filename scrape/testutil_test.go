package scrape

import (
	"testing"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
)

// setupTestApp creates a test app with the pipeline's collections. Relations
// are modeled as plain text ids; the persistence layer only reads and writes
// them as strings.
func setupTestApp(t *testing.T) *tests.TestApp {
	t.Helper()

	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatalf("Failed to create test app: %v", err)
	}
	t.Cleanup(app.Cleanup)

	createCollection(t, app, "clinics",
		textFields("name", "portal_url", "username", "secret",
			"office_id", "donor_id", "qris_account_id")...)

	patientFields := textFields("clinic", "record_no", "name", "first_visit", "last_visit")
	patientFields = append(patientFields, &core.NumberField{Name: "visit_count"})
	createCollection(t, app, "patients", patientFields...)

	txnFields := textFields("clinic", "patient", "record_no", "name", "txn_date",
		"department", "department_id", "insurer", "insurer_id",
		"payment_method", "breakdown", "raw")
	txnFields = append(txnFields,
		&core.NumberField{Name: "total_billed"},
		&core.NumberField{Name: "total_paid"},
		&core.BoolField{Name: "synced"},
	)
	createCollection(t, app, "transactions", txnFields...)

	createCollection(t, app, "category_mappings",
		textFields("clinic", "kind", "label", "external_id")...)

	ledgerFields := textFields("transaction", "program_id", "office_id",
		"txn_date", "donor_id", "account_id")
	ledgerFields = append(ledgerFields,
		&core.NumberField{Name: "amount"},
		&core.BoolField{Name: "synced"},
	)
	createCollection(t, app, "ledger_entries", ledgerFields...)

	jobFields := textFields("clinic", "run_id", "status", "error")
	jobFields = append(jobFields,
		&core.DateField{Name: "date_start"},
		&core.DateField{Name: "date_end"},
		&core.DateField{Name: "started"},
		&core.DateField{Name: "ended"},
		&core.AutodateField{Name: "created", OnCreate: true},
	)
	createCollection(t, app, "scrape_jobs", jobFields...)

	auditFields := textFields("job", "clinic", "run_id", "status",
		"error_kind", "error_message", "trace")
	auditFields = append(auditFields,
		&core.NumberField{Name: "rows_scraped"},
		&core.NumberField{Name: "rows_inserted"},
		&core.NumberField{Name: "rows_updated"},
		&core.NumberField{Name: "rows_skipped"},
		&core.NumberField{Name: "rows_unmapped"},
		&core.NumberField{Name: "ledger_created"},
		&core.NumberField{Name: "duration"},
		&core.AutodateField{Name: "created", OnCreate: true},
	)
	createCollection(t, app, "audit_logs", auditFields...)

	return app
}

func textFields(names ...string) []core.Field {
	fields := make([]core.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, &core.TextField{Name: name})
	}
	return fields
}

func createCollection(t *testing.T, app core.App, name string, fields ...core.Field) {
	t.Helper()

	col := core.NewBaseCollection(name)
	for _, f := range fields {
		col.Fields.Add(f)
	}
	if err := app.Save(col); err != nil {
		t.Fatalf("Failed to create collection %s: %v", name, err)
	}
}

// newTestClinic inserts a clinic record with sensible defaults.
func newTestClinic(t *testing.T, app core.App) *core.Record {
	t.Helper()

	col, err := app.FindCollectionByNameOrId("clinics")
	if err != nil {
		t.Fatalf("Failed to find clinics collection: %v", err)
	}
	clinic := core.NewRecord(col)
	clinic.Set("name", "Klinik Sehat")
	clinic.Set("portal_url", "https://portal.example.com/login")
	clinic.Set("office_id", "office-1")
	clinic.Set("donor_id", "donor-1")
	clinic.Set("qris_account_id", "acct-qris")
	if err := app.Save(clinic); err != nil {
		t.Fatalf("Failed to save clinic: %v", err)
	}
	return clinic
}

// newTestMapping inserts one category_mappings record.
func newTestMapping(t *testing.T, app core.App, clinicID, kind, label, externalID string) {
	t.Helper()

	col, err := app.FindCollectionByNameOrId("category_mappings")
	if err != nil {
		t.Fatalf("Failed to find category_mappings collection: %v", err)
	}
	record := core.NewRecord(col)
	record.Set("clinic", clinicID)
	record.Set("kind", kind)
	record.Set("label", label)
	record.Set("external_id", externalID)
	if err := app.Save(record); err != nil {
		t.Fatalf("Failed to save mapping: %v", err)
	}
}
