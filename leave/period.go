package leave

import (
	"fmt"
	"time"
)

// =============================================================================
// FINANCIAL CALENDAR - Partitioning for reporting
// =============================================================================

// FinancialCalendar derives the financial year an entry is reported in.
type FinancialCalendar struct {
	// StartMonth is the first month of the financial year (1-12).
	StartMonth time.Month
}

// DefaultCalendar runs April to March.
func DefaultCalendar() FinancialCalendar {
	return FinancialCalendar{StartMonth: time.April}
}

func (c FinancialCalendar) startMonth() time.Month {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return time.April
	}
	return c.StartMonth
}

// StartYear returns the calendar year in which t's financial year begins.
func (c FinancialCalendar) StartYear(t time.Time) int {
	t = t.UTC()
	if t.Month() < c.startMonth() {
		return t.Year() - 1
	}
	return t.Year()
}

// Period returns the [start, end) bounds of the financial year containing t.
func (c FinancialCalendar) Period(t time.Time) (time.Time, time.Time) {
	start := time.Date(c.StartYear(t), c.startMonth(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0)
}

// Label formats the financial year containing t, e.g. "2025-26". A calendar
// that starts in January labels years plainly ("2025").
func (c FinancialCalendar) Label(t time.Time) string {
	y := c.StartYear(t)
	if c.startMonth() == time.January {
		return fmt.Sprintf("%d", y)
	}
	return fmt.Sprintf("%d-%02d", y, (y+1)%100)
}

// partition fills the temporal partitioning fields from OccurredAt.
func (c FinancialCalendar) partition(e *Entry) {
	at := e.OccurredAt.UTC()
	e.FinancialYear = c.Label(at)
	e.Year = at.Year()
	e.Month = int(at.Month())
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
