package leave_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/leave-ledger/leave"
)

func TestFinancialCalendar_AprilStart(t *testing.T) {
	cal := leave.DefaultCalendar()

	assert.Equal(t, "2024-25", cal.Label(time.Date(2025, time.March, 31, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2025-26", cal.Label(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "1999-00", cal.Label(time.Date(1999, time.December, 1, 0, 0, 0, 0, time.UTC)))

	start, end := cal.Period(time.Date(2025, time.July, 9, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestFinancialCalendar_CalendarYear(t *testing.T) {
	cal := leave.FinancialCalendar{StartMonth: time.January}
	assert.Equal(t, "2025", cal.Label(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2025, cal.StartYear(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFinancialCalendar_InvalidMonthFallsBackToApril(t *testing.T) {
	cal := leave.FinancialCalendar{StartMonth: 13}
	assert.Equal(t, "2024-25", cal.Label(time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)))
}
