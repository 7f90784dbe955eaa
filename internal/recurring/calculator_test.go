package recurring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/recurring"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestNextDueDate_Daily(t *testing.T) {
	from := mustParse(t, "2026-01-13T10:00:00Z")
	got := recurring.NextDueDate(domain.RecurrenceDaily, 3, from)
	assert.Equal(t, mustParse(t, "2026-01-16T10:00:00Z"), got)
}

func TestNextDueDate_Weekly(t *testing.T) {
	from := mustParse(t, "2026-01-13T10:00:00Z")
	got := recurring.NextDueDate(domain.RecurrenceWeekly, 1, from)
	assert.Equal(t, mustParse(t, "2026-01-20T10:00:00Z"), got)
}

func TestNextDueDate_MonthlyClampsToLastDayOfMonth(t *testing.T) {
	from := mustParse(t, "2026-01-31T09:00:00Z")
	got := recurring.NextDueDate(domain.RecurrenceMonthly, 1, from)
	assert.Equal(t, mustParse(t, "2026-02-28T09:00:00Z"), got)
}

func TestNextDueDate_MonthlyHandlesLeapFebruary(t *testing.T) {
	from := mustParse(t, "2028-01-31T09:00:00Z") // 2028 is a leap year
	got := recurring.NextDueDate(domain.RecurrenceMonthly, 1, from)
	assert.Equal(t, mustParse(t, "2028-02-29T09:00:00Z"), got)
}

func TestNextDueDate_MonthlyCrossesYearBoundary(t *testing.T) {
	from := mustParse(t, "2026-12-15T08:30:00Z")
	got := recurring.NextDueDate(domain.RecurrenceMonthly, 2, from)
	assert.Equal(t, mustParse(t, "2027-02-15T08:30:00Z"), got)
}

func TestNextNonExceptedDueDate_NoExceptionsReturnsFirstCandidate(t *testing.T) {
	from := mustParse(t, "2026-01-13T10:00:00Z")
	got, err := recurring.NextNonExceptedDueDate(context.Background(), domain.RecurrenceDaily, 1, from,
		func(context.Context, time.Time) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, mustParse(t, "2026-01-14T10:00:00Z"), got)
}

func TestNextNonExceptedDueDate_SkipsConsecutiveExceptedDates(t *testing.T) {
	from := mustParse(t, "2026-01-13T10:00:00Z")
	excepted := map[time.Time]bool{
		mustParse(t, "2026-01-14T10:00:00Z"): true,
		mustParse(t, "2026-01-15T10:00:00Z"): true,
	}
	got, err := recurring.NextNonExceptedDueDate(context.Background(), domain.RecurrenceDaily, 1, from,
		func(_ context.Context, d time.Time) (bool, error) { return excepted[d], nil })
	require.NoError(t, err)
	assert.Equal(t, mustParse(t, "2026-01-16T10:00:00Z"), got)
}

func TestNextNonExceptedDueDate_PropagatesPredicateError(t *testing.T) {
	from := mustParse(t, "2026-01-13T10:00:00Z")
	boom := errors.New("boom")
	_, err := recurring.NextNonExceptedDueDate(context.Background(), domain.RecurrenceDaily, 1, from,
		func(context.Context, time.Time) (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)
}
