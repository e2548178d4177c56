package scrape

import (
	"fmt"
	"time"

	"github.com/clinic/rekap/pocketbase/portal"
)

// Payment categories of the daily revenue report, in report column order.
// Fan-out produces at most one ledger entry per category.
var Categories = []string{
	"Registration",
	"Procedure",
	"Lab",
	"Pharmacy",
	"Medical Supplies",
	"Checkup",
	"Radiology",
	"Rounding",
}

// Flattened field labels as the table extractor produces them from the
// report header. Purely positional upstream; renames here track portal
// header changes.
const (
	fieldRecordNo   = "Record No"
	fieldName       = "Patient Name"
	fieldDate       = "Date"
	fieldDepartment = "Department"
	fieldInsurer    = "Insurer"
	fieldPayment    = "Payment Method"
	fieldTotal      = "Total"

	leafBilled     = "Billed"
	leafCovered    = "Covered"
	leafPaid       = "Paid"
	leafReceivable = "Receivable"
)

// CategoryAmounts is the financial breakdown of one payment category.
type CategoryAmounts struct {
	Billed     float64 `json:"billed"`
	Covered    float64 `json:"covered"`
	Paid       float64 `json:"paid"`
	Receivable float64 `json:"receivable"`
}

// Row is one normalized report row.
type Row struct {
	RecordNo      string
	Name          string
	Date          time.Time
	Department    string
	Insurer       string
	PaymentMethod string
	Categories    map[string]CategoryAmounts
	TotalBilled   float64
	TotalPaid     float64
	Raw           map[string]string // source payload as extracted
}

// RowParseError invalidates a single row; the row is skipped and counted,
// never failing the job.
type RowParseError struct {
	Field string
	Value string
	Err   error
}

func (e *RowParseError) Error() string {
	return fmt.Sprintf("row field %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *RowParseError) Unwrap() error { return e.Err }

// Normalizer turns extracted field maps into typed rows using the locale
// adapter for numbers and dates.
type Normalizer struct {
	locale portal.Locale
}

// NewNormalizer creates a normalizer over the given locale.
func NewNormalizer(locale portal.Locale) *Normalizer {
	return &Normalizer{locale: locale}
}

// Normalize parses one extracted row. A missing record number or an
// unparsable date yields a RowParseError; amounts never error (the locale
// adapter maps placeholders and garbage to zero).
func (n *Normalizer) Normalize(fields map[string]string) (*Row, error) {
	recordNo := fields[fieldRecordNo]
	if recordNo == "" {
		return nil, &RowParseError{Field: fieldRecordNo, Value: "", Err: fmt.Errorf("missing record number")}
	}

	rawDate := fields[fieldDate]
	date, err := n.locale.ParseLongDate(rawDate)
	if err != nil {
		return nil, &RowParseError{Field: fieldDate, Value: rawDate, Err: err}
	}

	row := &Row{
		RecordNo:      recordNo,
		Name:          fields[fieldName],
		Date:          date,
		Department:    fields[fieldDepartment],
		Insurer:       fields[fieldInsurer],
		PaymentMethod: fields[fieldPayment],
		Categories:    make(map[string]CategoryAmounts, len(Categories)),
		Raw:           fields,
	}

	for _, cat := range Categories {
		amounts := CategoryAmounts{
			Billed:     n.amount(fields, cat, leafBilled),
			Covered:    n.amount(fields, cat, leafCovered),
			Paid:       n.amount(fields, cat, leafPaid),
			Receivable: n.amount(fields, cat, leafReceivable),
		}
		row.Categories[cat] = amounts
		row.TotalBilled += amounts.Billed
		row.TotalPaid += amounts.Paid
	}

	// Prefer the report's own totals when the columns exist; the computed sum
	// stays as the fallback for layouts without a total column.
	if v, ok := fields[portal.FieldLabel(fieldTotal, leafBilled)]; ok {
		row.TotalBilled = n.locale.ParseAmount(v)
	}
	if v, ok := fields[portal.FieldLabel(fieldTotal, leafPaid)]; ok {
		row.TotalPaid = n.locale.ParseAmount(v)
	}

	return row, nil
}

func (n *Normalizer) amount(fields map[string]string, parent, leaf string) float64 {
	return n.locale.ParseAmount(fields[portal.FieldLabel(parent, leaf)])
}
