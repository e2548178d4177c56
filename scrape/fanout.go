package scrape

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const collectionLedger = "ledger_entries"

// qrisInstrument is the payment method whose ledger entries carry the
// clinic's settlement account id.
const qrisInstrument = "qris"

// Fanout splits a transaction's payment breakdown into per-category ledger
// entries for the downstream accounting sync.
type Fanout struct {
	app     core.App
	clinic  *core.Record
	resolve func(kind, label string) string
}

// NewFanout creates a fan-out bound to one clinic, resolving program ids
// through the upserter's mapping tables.
func NewFanout(app core.App, clinic *core.Record, upserter *Upserter) *Fanout {
	return &Fanout{app: app, clinic: clinic, resolve: upserter.Resolve}
}

// Fan writes one ledger entry per payment category with a non-zero paid
// amount. A category without a program id mapping or a clinic without an
// office id is skipped with a warning, not an error. Entries deduplicate on
// (transaction, program id, amount, date) so reprocessing cannot double-book.
func (f *Fanout) Fan(txn *core.Record, row *Row) (int, error) {
	officeID := f.clinic.GetString("office_id")
	created := 0

	for _, category := range Categories {
		amounts, ok := row.Categories[category]
		if !ok || amounts.Paid == 0 {
			continue
		}

		programID := f.resolve(MappingProgram, category)
		if programID == "" {
			slog.Warn("No program id for category, skipping ledger entry",
				"clinic", f.clinic.Id, "category", category)
			continue
		}
		if officeID == "" {
			slog.Warn("Clinic has no office id, skipping ledger entry",
				"clinic", f.clinic.Id, "category", category)
			continue
		}

		date := row.Date.Format(dateLayout)
		existing, err := f.app.FindFirstRecordByFilter(
			collectionLedger,
			"transaction = {:txn} && program_id = {:prog} && amount = {:amt} && txn_date = {:date}",
			dbx.Params{"txn": txn.Id, "prog": programID, "amt": amounts.Paid, "date": date},
		)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return created, &PersistenceError{Op: "ledger lookup", Err: err}
		}
		if existing != nil {
			continue
		}

		col, err := f.app.FindCollectionByNameOrId(collectionLedger)
		if err != nil {
			return created, &PersistenceError{Op: "ledger collection", Err: err}
		}

		record := core.NewRecord(col)
		record.Set("transaction", txn.Id)
		record.Set("program_id", programID)
		record.Set("office_id", officeID)
		record.Set("txn_date", date)
		record.Set("donor_id", f.clinic.GetString("donor_id"))
		record.Set("amount", amounts.Paid)
		record.Set("synced", false)
		if accountID := f.accountID(row.PaymentMethod); accountID != "" {
			record.Set("account_id", accountID)
		}

		if err := f.app.Save(record); err != nil {
			return created, &PersistenceError{Op: fmt.Sprintf("ledger entry %s", category), Err: err}
		}
		created++
	}

	return created, nil
}

// accountID returns the settlement account for QR-based payments; other
// instruments settle through the default office account and stay unset.
func (f *Fanout) accountID(paymentMethod string) string {
	if strings.Contains(strings.ToLower(paymentMethod), qrisInstrument) {
		return f.clinic.GetString("qris_account_id")
	}
	return ""
}
