// Package recurring computes the next occurrence for a recurring task
// (spec §4.5 step 4), narrowed from the teacher's seven-pattern
// configurable calculator set down to the spec's closed sum type: daily,
// weekly, monthly with an integer interval. Adding a pattern means adding a
// case here, not widening a config blob.
package recurring

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/internal/domain"
)

// NextDueDate computes the next occurrence after from, according to pattern
// and interval.
//
//   - daily: from + interval days.
//   - weekly: from + interval weeks, preserving time-of-day.
//   - monthly: from + interval months; if the day-of-month does not exist
//     in the target month (e.g. Jan 31 -> Feb), clamp to the last day of
//     that month.
func NextDueDate(pattern domain.RecurrencePattern, interval int, from time.Time) time.Time {
	switch pattern {
	case domain.RecurrenceDaily:
		return from.AddDate(0, 0, interval)
	case domain.RecurrenceWeekly:
		return from.AddDate(0, 0, 7*interval)
	case domain.RecurrenceMonthly:
		return addMonthsClamped(from, interval)
	default:
		// Unreachable for a validated domain.RecurrenceRule; fall back to
		// daily semantics rather than panicking on a future closed-type
		// extension gap.
		return from.AddDate(0, 0, interval)
	}
}

// addMonthsClamped adds months to t's month, clamping the day-of-month to
// the last day of the target month when the original day doesn't exist
// there (e.g. Jan 31 + 1 month -> Feb 28 or Feb 29).
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	loc := t.Location()

	targetMonth := int(month) - 1 + months
	targetYear := year + targetMonth/12
	targetMonthIdx := targetMonth % 12
	if targetMonthIdx < 0 {
		targetMonthIdx += 12
		targetYear--
	}
	targetMonth0 := time.Month(targetMonthIdx + 1)

	lastDay := lastDayOfMonth(targetYear, targetMonth0)
	if day > lastDay {
		day = lastDay
	}

	return time.Date(targetYear, targetMonth0, day, hour, min, sec, t.Nanosecond(), loc)
}

// NextNonExceptedDueDate advances from pattern/interval repeatedly,
// consulting isExcepted for each candidate, until it lands on a date that is
// not recorded as a recurrence exception (spec §12): a skipped occurrence
// is passed over in favor of the one after it rather than generated.
func NextNonExceptedDueDate(ctx context.Context, pattern domain.RecurrencePattern, interval int, from time.Time, isExcepted func(context.Context, time.Time) (bool, error)) (time.Time, error) {
	next := NextDueDate(pattern, interval, from)
	for {
		excepted, err := isExcepted(ctx, next)
		if err != nil {
			return time.Time{}, err
		}
		if !excepted {
			return next, nil
		}
		next = NextDueDate(pattern, interval, next)
	}
}

func lastDayOfMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}
