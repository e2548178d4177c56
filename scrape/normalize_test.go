package scrape

import (
	"errors"
	"testing"
	"time"

	"github.com/clinic/rekap/pocketbase/portal"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer(portal.DefaultLocale())

	fields := map[string]string{
		"Record No":           "RM-00123",
		"Patient Name":        "Budi Santoso",
		"Date":                "28 January 2026",
		"Department":          "Poli Umum",
		"Insurer":             "BPJS",
		"Payment Method":      "QRIS",
		"Pharmacy - Billed":   "150,000",
		"Pharmacy - Paid":     "100,000",
		"Pharmacy - Covered":  "50,000",
		"Lab - Billed":        "75,000",
		"Lab - Paid":          "-",
		"Registration - Paid": "25,000",
	}

	row, err := n.Normalize(fields)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}

	if row.RecordNo != "RM-00123" {
		t.Errorf("RecordNo = %q, want RM-00123", row.RecordNo)
	}
	if want := time.Date(2026, time.January, 28, 0, 0, 0, 0, time.UTC); !row.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", row.Date, want)
	}

	pharmacy := row.Categories["Pharmacy"]
	if pharmacy.Billed != 150000 || pharmacy.Paid != 100000 || pharmacy.Covered != 50000 {
		t.Errorf("Pharmacy amounts = %+v, want billed=150000 paid=100000 covered=50000", pharmacy)
	}
	if lab := row.Categories["Lab"]; lab.Paid != 0 {
		t.Errorf("Lab.Paid = %v, want 0 for placeholder", lab.Paid)
	}

	// No "Total - X" columns, so totals are the computed category sums.
	if want := 150000.0 + 75000.0; row.TotalBilled != want {
		t.Errorf("TotalBilled = %v, want %v", row.TotalBilled, want)
	}
	if want := 100000.0 + 25000.0; row.TotalPaid != want {
		t.Errorf("TotalPaid = %v, want %v", row.TotalPaid, want)
	}
}

func TestNormalize_PrefersReportTotals(t *testing.T) {
	n := NewNormalizer(portal.DefaultLocale())

	fields := map[string]string{
		"Record No":         "RM-1",
		"Date":              "3 Maret 2026",
		"Pharmacy - Billed": "10,000",
		"Pharmacy - Paid":   "10,000",
		"Total - Billed":    "12,500",
		"Total - Paid":      "11,000",
	}

	row, err := n.Normalize(fields)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}

	if row.TotalBilled != 12500 {
		t.Errorf("TotalBilled = %v, want 12500 (report total wins)", row.TotalBilled)
	}
	if row.TotalPaid != 11000 {
		t.Errorf("TotalPaid = %v, want 11000 (report total wins)", row.TotalPaid)
	}
}

func TestNormalize_MissingRecordNo(t *testing.T) {
	n := NewNormalizer(portal.DefaultLocale())

	_, err := n.Normalize(map[string]string{
		"Date": "28 January 2026",
	})

	var parseErr *RowParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want *RowParseError", err)
	}
	if parseErr.Field != "Record No" {
		t.Errorf("Field = %q, want Record No", parseErr.Field)
	}
}

func TestNormalize_UnparsableDate(t *testing.T) {
	n := NewNormalizer(portal.DefaultLocale())

	_, err := n.Normalize(map[string]string{
		"Record No": "RM-1",
		"Date":      "yesterday",
	})

	var parseErr *RowParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want *RowParseError", err)
	}
	if parseErr.Field != "Date" {
		t.Errorf("Field = %q, want Date", parseErr.Field)
	}
	if parseErr.Value != "yesterday" {
		t.Errorf("Value = %q, want %q", parseErr.Value, "yesterday")
	}
}

func TestNormalize_KeepsRawFields(t *testing.T) {
	n := NewNormalizer(portal.DefaultLocale())

	fields := map[string]string{
		"Record No":      "RM-1",
		"Date":           "28 January 2026",
		"Unknown Column": "kept verbatim",
	}

	row, err := n.Normalize(fields)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if got := row.Raw["Unknown Column"]; got != "kept verbatim" {
		t.Errorf("Raw[Unknown Column] = %q, want %q", got, "kept verbatim")
	}
}
