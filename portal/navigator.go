package portal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/clinic/rekap/pocketbase/ratelimit"
)

// Portal selectors. These are the fragile part of the wire contract: the
// portal ships no API, so field names, menu ids and the calendar markup are
// what we bind to. A portal release that renames them shows up as
// NavigationError, which is an expected failure mode.
const (
	selClinicInput      = `input#clinic-autocomplete`
	selClinicSuggestion = `ul.autocomplete-results li`
	selUsername         = `input[name="username"]`
	selPassword         = `input[name="password"]`
	selLoginSubmit      = `button[type="submit"]`
	selReportsMenu      = `a#menu-reports`
	selDailyRevenue     = `a#menu-report-daily-revenue`
	selDateStartInput   = `input#filter-date-start`
	selDateEndInput     = `input#filter-date-end`
	selCalendarLabel    = `div.datepicker-days th.datepicker-switch`
	selCalendarNext     = `div.datepicker-days th.next`
	selCalendarPrev     = `div.datepicker-days th.prev`
	selFilterSelectAll  = `input.filter-select-all`
	selFilterSubmit     = `button#filter-apply`
	selReportTable      = `table#report-table`
	selReportBodyRow    = `table#report-table tbody tr`

	// maxCalendarClicks bounds the month navigation loop; a wider range than
	// this means the label parse went wrong and the direct-fill fallback is
	// safer than clicking forever.
	maxCalendarClicks = 36

	stepTimeout = 30 * time.Second
)

// Navigator drives an authenticated session to a date-filtered daily revenue
// report. Each operation has its own bounded wait and a narrow fallback.
type Navigator struct {
	sess   *Session
	locale Locale
	pace   *ratelimit.RateLimiter
}

// NewNavigator wires a navigator over an established session. The rate
// limiter paces keystrokes and clicks so the portal's suggestion and widget
// scripts keep up.
func NewNavigator(sess *Session, locale Locale, pace *ratelimit.RateLimiter) *Navigator {
	return &Navigator{sess: sess, locale: locale, pace: pace}
}

// run executes chromedp actions under a per-step timeout, wrapping failures
// into the navigation taxonomy.
func (n *Navigator) run(ctx context.Context, step string, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(n.sess.Context(), stepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(stepCtx, actions...) }()

	select {
	case err := <-done:
		if err != nil {
			return &NavigationError{Step: step, Err: err}
		}
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return &NavigationError{Step: step, Err: ctx.Err()}
	}
}

// SelectClinic types the clinic name character by character into the
// autocomplete field (the suggestion list only renders on keystroke events)
// and clicks the matching suggestion, pressing Enter when the suggestion
// cannot be resolved.
func (n *Navigator) SelectClinic(ctx context.Context, name string) error {
	if err := n.run(ctx, "select_clinic",
		chromedp.WaitVisible(selClinicInput, chromedp.ByQuery),
		chromedp.Clear(selClinicInput, chromedp.ByQuery),
	); err != nil {
		return err
	}

	for _, r := range name {
		if err := n.pace.Wait(ctx); err != nil {
			return &NavigationError{Step: "select_clinic", Err: err}
		}
		if err := n.run(ctx, "select_clinic",
			chromedp.SendKeys(selClinicInput, string(r), chromedp.ByQuery),
		); err != nil {
			return err
		}
	}

	suggestion := fmt.Sprintf(
		`//ul[contains(@class,"autocomplete-results")]/li[contains(normalize-space(.), %q)]`,
		name,
	)
	if err := n.run(ctx, "select_clinic",
		chromedp.WaitVisible(selClinicSuggestion, chromedp.ByQuery),
		chromedp.Click(suggestion, chromedp.BySearch),
	); err != nil {
		slog.Warn("Clinic suggestion click failed, falling back to Enter", "clinic", name, "error", err)
		return n.run(ctx, "select_clinic",
			chromedp.KeyEvent(kb.Enter),
		)
	}
	return nil
}

// Login fills the credential fields and submits. An error page or a still
// visible login form afterwards is a LoginError, not a navigation retry.
func (n *Navigator) Login(ctx context.Context, username, secret string) error {
	if err := n.run(ctx, "login",
		chromedp.WaitVisible(selUsername, chromedp.ByQuery),
		chromedp.SetValue(selUsername, username, chromedp.ByQuery),
		chromedp.SetValue(selPassword, secret, chromedp.ByQuery),
		chromedp.Click(selLoginSubmit, chromedp.ByQuery),
	); err != nil {
		return &LoginError{Reason: fmt.Sprintf("login form unavailable: %v", err)}
	}

	// The menu only renders for an authenticated session.
	if err := n.run(ctx, "login",
		chromedp.WaitVisible(selReportsMenu, chromedp.ByQuery),
	); err != nil {
		return &LoginError{Reason: "credentials rejected or post-login page did not load"}
	}
	return nil
}

// OpenDailyRevenueReport opens the reports menu and selects the daily revenue
// report.
func (n *Navigator) OpenDailyRevenueReport(ctx context.Context) error {
	if err := n.pace.Wait(ctx); err != nil {
		return &NavigationError{Step: "open_report", Err: err}
	}
	return n.run(ctx, "open_report",
		chromedp.Click(selReportsMenu, chromedp.ByQuery),
		chromedp.WaitVisible(selDailyRevenue, chromedp.ByQuery),
		chromedp.Click(selDailyRevenue, chromedp.ByQuery),
		chromedp.WaitVisible(selDateStartInput, chromedp.ByQuery),
	)
}

// SelectDateRange picks the start and end dates through the calendar widget.
func (n *Navigator) SelectDateRange(ctx context.Context, start, end time.Time) error {
	if err := n.pickDate(ctx, selDateStartInput, start); err != nil {
		return err
	}
	return n.pickDate(ctx, selDateEndInput, end)
}

// pickDate opens the calendar attached to input, walks the displayed month to
// the target month with bounded next/previous clicks, then clicks the exact
// day cell. If any of that cannot be resolved it falls back to filling the
// input with the text format the portal accepts.
func (n *Navigator) pickDate(ctx context.Context, input string, date time.Time) error {
	if err := n.run(ctx, "pick_date",
		chromedp.Click(input, chromedp.ByQuery),
		chromedp.WaitVisible(selCalendarLabel, chromedp.ByQuery),
	); err != nil {
		slog.Warn("Calendar widget did not open, filling date directly", "error", err)
		return n.fillDateDirect(ctx, input, date)
	}

	var label string
	if err := n.run(ctx, "pick_date",
		chromedp.Text(selCalendarLabel, &label, chromedp.ByQuery),
	); err != nil {
		return n.fillDateDirect(ctx, input, date)
	}

	year, month, err := n.locale.ParseMonthLabel(label)
	if err != nil {
		slog.Warn("Unreadable calendar label, filling date directly", "label", label, "error", err)
		return n.fillDateDirect(ctx, input, date)
	}

	delta := MonthDelta(year, month, date.Year(), date.Month())
	if delta > maxCalendarClicks || delta < -maxCalendarClicks {
		slog.Warn("Calendar delta out of bounds, filling date directly", "delta", delta)
		return n.fillDateDirect(ctx, input, date)
	}

	arrow := selCalendarNext
	clicks := delta
	if delta < 0 {
		arrow = selCalendarPrev
		clicks = -delta
	}
	for i := 0; i < clicks; i++ {
		if err := n.pace.Wait(ctx); err != nil {
			return &NavigationError{Step: "pick_date", Err: err}
		}
		if err := n.run(ctx, "pick_date", chromedp.Click(arrow, chromedp.ByQuery)); err != nil {
			return err
		}
	}

	dayCell := fmt.Sprintf(`div.datepicker-days td[data-date=%q]`, date.Format("2006-01-02"))
	if err := n.run(ctx, "pick_date", chromedp.Click(dayCell, chromedp.ByQuery)); err != nil {
		slog.Warn("Day cell not found, filling date directly", "date", date.Format("2006-01-02"))
		return n.fillDateDirect(ctx, input, date)
	}
	return nil
}

// fillDateDirect writes the date text into the input and fires a change event
// so the portal's filter state picks it up.
func (n *Navigator) fillDateDirect(ctx context.Context, input string, date time.Time) error {
	expr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false;
		el.value = %q; el.dispatchEvent(new Event("change", {bubbles: true})); return true; })()`,
		input, n.locale.DayMonthYear(date),
	)
	var ok bool
	if err := n.run(ctx, "pick_date", chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return &NavigationError{Step: "pick_date", Err: fmt.Errorf("date input %s not found", input)}
	}
	return nil
}

// ActivateFilters checks every select-all toggle and submits the filter form.
func (n *Navigator) ActivateFilters(ctx context.Context) error {
	expr := fmt.Sprintf(
		`(() => { const boxes = document.querySelectorAll(%q); let count = 0;
		boxes.forEach(b => { if (!b.checked) { b.click(); count++; } }); return count; })()`,
		selFilterSelectAll,
	)
	var toggled int
	if err := n.run(ctx, "filter", chromedp.Evaluate(expr, &toggled)); err != nil {
		return err
	}
	slog.Debug("Checked filter select-all toggles", "toggled", toggled)

	if err := n.pace.Wait(ctx); err != nil {
		return &NavigationError{Step: "filter", Err: err}
	}
	return n.run(ctx, "filter", chromedp.Click(selFilterSubmit, chromedp.ByQuery))
}

// AwaitResults waits, bounded, for at least one result row. Absence of rows
// at the bound is a valid empty report (zero transactions for the period),
// not an error.
func (n *Navigator) AwaitResults(ctx context.Context, bound time.Duration) (bool, error) {
	deadline := time.Now().Add(bound)
	for {
		var count int
		expr := fmt.Sprintf(`document.querySelectorAll(%q).length`, selReportBodyRow)
		if err := n.run(ctx, "await_results", chromedp.Evaluate(expr, &count)); err != nil {
			return false, err
		}
		if count > 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, &NavigationError{Step: "await_results", Err: ctx.Err()}
		case <-time.After(time.Second):
		}
	}
}

// TableHTML returns the rendered report table markup for extraction.
func (n *Navigator) TableHTML(ctx context.Context) (string, error) {
	var html string
	if err := n.run(ctx, "extract",
		chromedp.OuterHTML(selReportTable, &html, chromedp.ByQuery),
	); err != nil {
		return "", err
	}
	if strings.TrimSpace(html) == "" {
		return "", &NavigationError{Step: "extract", Err: fmt.Errorf("report table is empty")}
	}
	return html, nil
}
