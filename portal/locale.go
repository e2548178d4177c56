package portal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Locale isolates locale-specific parsing (grouped numbers, month-name tables,
// calendar labels) so the report pipeline is unit-testable without a browser.
type Locale interface {
	// ParseAmount parses a locale-grouped numeric string. The placeholder "-"
	// and the empty string are zero; unparsable values are also zero.
	ParseAmount(s string) float64
	// ParseLongDate parses a long-form human date such as "28 January 2026"
	// or "28 Januari 2026".
	ParseLongDate(s string) (time.Time, error)
	// ParseMonthLabel parses a calendar widget header such as "January 2026".
	ParseMonthLabel(s string) (year int, month time.Month, err error)
	// DayMonthYear formats a date in the text form the portal's date inputs
	// accept directly, used as the calendar fallback.
	DayMonthYear(t time.Time) string
}

// months maps lowercase month names to their number. English plus the
// Indonesian names the portal renders when the browser locale is id-ID.
var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,

	"januari": time.January, "februari": time.February, "maret": time.March,
	"mei": time.May, "juni": time.June, "juli": time.July,
	"agustus": time.August, "oktober": time.October, "desember": time.December,
}

// defaultLocale implements Locale for the thousands-comma grouping and the
// month tables above.
type defaultLocale struct{}

// DefaultLocale returns the locale adapter used against the live portal.
func DefaultLocale() Locale { return defaultLocale{} }

func (defaultLocale) ParseAmount(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0
	}
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func (defaultLocale) ParseLongDate(s string) (time.Time, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 3 {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}

	day, err := strconv.Atoi(fields[0])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("unrecognized day in %q", s)
	}

	month, ok := months[strings.ToLower(fields[1])]
	if !ok {
		return time.Time{}, fmt.Errorf("unrecognized month in %q", s)
	}

	year, err := strconv.Atoi(fields[2])
	if err != nil || year < 1900 {
		return time.Time{}, fmt.Errorf("unrecognized year in %q", s)
	}

	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, fmt.Errorf("impossible date %q", s)
	}
	return t, nil
}

func (defaultLocale) ParseMonthLabel(s string) (int, time.Month, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unrecognized month label %q", s)
	}

	month, ok := months[strings.ToLower(fields[0])]
	if !ok {
		return 0, 0, fmt.Errorf("unrecognized month in label %q", s)
	}

	year, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized year in label %q", s)
	}
	return year, month, nil
}

func (defaultLocale) DayMonthYear(t time.Time) string {
	return t.Format("02-01-2006")
}

// MonthDelta returns the signed number of "next month" clicks needed to move a
// calendar showing fromYear/fromMonth to toYear/toMonth. Negative means
// "previous" clicks.
func MonthDelta(fromYear int, fromMonth time.Month, toYear int, toMonth time.Month) int {
	return (toYear-fromYear)*12 + int(toMonth) - int(fromMonth)
}
