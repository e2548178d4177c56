package scrape

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const (
	collectionPatients     = "patients"
	collectionTransactions = "transactions"
	collectionMappings     = "category_mappings"

	// Mapping kinds in category_mappings.
	MappingDepartment = "department"
	MappingInsurer    = "insurer"
	MappingProgram    = "program"
)

// dateLayout is the text form of transaction dates in the store. A plain date
// string keeps natural-key comparisons exact.
const dateLayout = "2006-01-02"

// PersistenceError marks a failed store write; it propagates and fails the
// whole job, unlike row parse errors.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PersistResult reports what one row's persist unit did.
type PersistResult struct {
	Transaction *core.Record
	Inserted    bool // a transaction with this natural key did not exist before
	Unmapped    int  // labels that resolved to no canonical id
}

// Upserter resolves and writes patient and transaction records for one
// clinic. Rows are processed strictly in order; the visit counter depends on
// observing prior rows' effects.
type Upserter struct {
	app      core.App
	clinic   *core.Record
	mappings map[string]map[string]string // kind -> lowercased label -> external id
}

// NewUpserter creates an upserter and preloads the clinic's canonical
// mapping tables.
func NewUpserter(app core.App, clinic *core.Record) (*Upserter, error) {
	u := &Upserter{
		app:      app,
		clinic:   clinic,
		mappings: make(map[string]map[string]string),
	}

	records, err := app.FindRecordsByFilter(
		collectionMappings,
		"clinic = {:clinic}",
		"", 0, 0,
		dbx.Params{"clinic": clinic.Id},
	)
	if err != nil {
		return nil, fmt.Errorf("loading category mappings: %w", err)
	}

	for _, record := range records {
		kind := record.GetString("kind")
		label := strings.ToLower(strings.TrimSpace(record.GetString("label")))
		if kind == "" || label == "" {
			continue
		}
		if u.mappings[kind] == nil {
			u.mappings[kind] = make(map[string]string)
		}
		u.mappings[kind][label] = record.GetString("external_id")
	}

	slog.Info("Loaded category mappings", "clinic", clinic.Id, "count", len(records))
	return u, nil
}

// Resolve translates a clinic-specific label into its canonical external id.
// An unresolved label yields "" and is not an error; the caller counts it.
func (u *Upserter) Resolve(kind, label string) string {
	byLabel := u.mappings[kind]
	if byLabel == nil {
		return ""
	}
	return byLabel[strings.ToLower(strings.TrimSpace(label))]
}

// PersistRow runs one row's persist unit inside a single store transaction:
// existence check, patient upsert, transaction upsert, then the visit-count
// increment. The transaction keeps the counter exact when overlapping date
// ranges are processed concurrently.
func (u *Upserter) PersistRow(row *Row) (*PersistResult, error) {
	result := &PersistResult{}

	err := u.app.RunInTransaction(func(txApp core.App) error {
		// The existence check comes first: it decides whether this row may
		// increment the visit counter at all.
		existing, err := u.findTransaction(txApp, row)
		if err != nil {
			return &PersistenceError{Op: "transaction lookup", Err: err}
		}

		patient, patientExisted, err := u.upsertPatient(txApp, row)
		if err != nil {
			return &PersistenceError{Op: "patient upsert", Err: err}
		}

		departmentID := u.Resolve(MappingDepartment, row.Department)
		insurerID := u.Resolve(MappingInsurer, row.Insurer)
		if row.Department != "" && departmentID == "" {
			result.Unmapped++
		}
		if row.Insurer != "" && insurerID == "" {
			result.Unmapped++
		}

		txn, inserted, err := u.upsertTransaction(txApp, row, existing, patient, departmentID, insurerID)
		if err != nil {
			return &PersistenceError{Op: "transaction upsert", Err: err}
		}
		result.Transaction = txn
		result.Inserted = inserted

		// A first-ever transaction for a brand-new patient already started
		// the counter at 1, so the increment applies only to the
		// new-transaction/known-patient case.
		if inserted && patientExisted {
			patient.Set("visit_count", patient.GetInt("visit_count")+1)
			if err := txApp.Save(patient); err != nil {
				return &PersistenceError{Op: "visit count", Err: err}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// findTransaction looks up a transaction by its natural key.
func (u *Upserter) findTransaction(txApp core.App, row *Row) (*core.Record, error) {
	record, err := txApp.FindFirstRecordByFilter(
		collectionTransactions,
		"clinic = {:clinic} && record_no = {:rec} && txn_date = {:date} && department = {:dept} && total_billed = {:billed}",
		dbx.Params{
			"clinic": u.clinic.Id,
			"rec":    row.RecordNo,
			"date":   row.Date.Format(dateLayout),
			"dept":   row.Department,
			"billed": row.TotalBilled,
		},
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Missing is the expected case for a fresh period.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// upsertPatient creates or merges the patient keyed by (clinic, record_no).
// Merging never overwrites existing values with blanks; visit dates widen to
// cover the new row; the visit counter is untouched here.
func (u *Upserter) upsertPatient(txApp core.App, row *Row) (*core.Record, bool, error) {
	date := row.Date.Format(dateLayout)

	existing, err := txApp.FindFirstRecordByFilter(
		collectionPatients,
		"clinic = {:clinic} && record_no = {:rec}",
		dbx.Params{"clinic": u.clinic.Id, "rec": row.RecordNo},
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("patient lookup: %w", err)
	}
	if existing == nil {
		col, err := txApp.FindCollectionByNameOrId(collectionPatients)
		if err != nil {
			return nil, false, fmt.Errorf("finding collection %s: %w", collectionPatients, err)
		}
		record := core.NewRecord(col)
		record.Set("clinic", u.clinic.Id)
		record.Set("record_no", row.RecordNo)
		record.Set("name", row.Name)
		record.Set("first_visit", date)
		record.Set("last_visit", date)
		record.Set("visit_count", 1)
		if err := txApp.Save(record); err != nil {
			return nil, false, fmt.Errorf("creating patient: %w", err)
		}
		return record, false, nil
	}

	if row.Name != "" {
		existing.Set("name", row.Name)
	}
	if first := existing.GetString("first_visit"); first == "" || date < first {
		existing.Set("first_visit", date)
	}
	if last := existing.GetString("last_visit"); date > last {
		existing.Set("last_visit", date)
	}
	if err := txApp.Save(existing); err != nil {
		return nil, true, fmt.Errorf("updating patient: %w", err)
	}
	return existing, true, nil
}

// upsertTransaction inserts a transaction under its natural key, or refreshes
// the display-only fields of an existing one. Financial amounts on an
// existing row are left untouched: a changed amount changes the natural key
// and lands as a distinct row instead of silently rewriting history under
// already-fanned-out ledger entries.
func (u *Upserter) upsertTransaction(
	txApp core.App,
	row *Row,
	existing *core.Record,
	patient *core.Record,
	departmentID, insurerID string,
) (*core.Record, bool, error) {
	rawJSON, err := json.Marshal(row.Raw)
	if err != nil {
		return nil, false, fmt.Errorf("encoding raw payload: %w", err)
	}

	if existing != nil {
		existing.Set("name", row.Name)
		existing.Set("insurer", row.Insurer)
		existing.Set("insurer_id", insurerID)
		existing.Set("department_id", departmentID)
		existing.Set("payment_method", row.PaymentMethod)
		existing.Set("raw", string(rawJSON))
		if err := txApp.Save(existing); err != nil {
			return nil, false, fmt.Errorf("refreshing transaction: %w", err)
		}
		return existing, false, nil
	}

	breakdown, err := json.Marshal(row.Categories)
	if err != nil {
		return nil, false, fmt.Errorf("encoding breakdown: %w", err)
	}

	col, err := txApp.FindCollectionByNameOrId(collectionTransactions)
	if err != nil {
		return nil, false, fmt.Errorf("finding collection %s: %w", collectionTransactions, err)
	}

	record := core.NewRecord(col)
	record.Set("clinic", u.clinic.Id)
	record.Set("patient", patient.Id)
	record.Set("record_no", row.RecordNo)
	record.Set("name", row.Name)
	record.Set("txn_date", row.Date.Format(dateLayout))
	record.Set("department", row.Department)
	record.Set("department_id", departmentID)
	record.Set("insurer", row.Insurer)
	record.Set("insurer_id", insurerID)
	record.Set("payment_method", row.PaymentMethod)
	record.Set("breakdown", string(breakdown))
	record.Set("total_billed", row.TotalBilled)
	record.Set("total_paid", row.TotalPaid)
	record.Set("raw", string(rawJSON))
	record.Set("synced", false)
	if err := txApp.Save(record); err != nil {
		return nil, false, fmt.Errorf("creating transaction: %w", err)
	}
	return record, true, nil
}
