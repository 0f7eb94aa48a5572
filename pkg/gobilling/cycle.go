package gobilling

import "time"

// PeriodEnd returns the end of a contract period that starts at start.
// Monthly periods keep the anniversary day-of-month, clamped to the last day of
// shorter months (Jan 31 -> Feb 28/29).
func PeriodEnd(start time.Time, period BillingPeriod) time.Time {
	if period == BillingPeriodYearly {
		return addMonthsSafe(start, 12)
	}
	return addMonthsSafe(start, 1)
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Standard Go pattern: Use time.Date with day=1 to avoid overflow, then clip to max day.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	targetDate := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := day
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
