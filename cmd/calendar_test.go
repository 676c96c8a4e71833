package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/calendar"
	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/registry"
)

func TestCalendarRange(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	r, err := calendarRange("", "", 10, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), r.End)
	assert.Equal(t, 10, r.Len())

	r, err = calendarRange("2024-01-01", "2024-01-31", 10, now)
	require.NoError(t, err)
	assert.Equal(t, 31, r.Len())

	_, err = calendarRange("", "soon", 10, now)
	require.Error(t, err)
	_, err = calendarRange("Jan 1", "", 10, now)
	require.Error(t, err)
}

func testCalendarEntries(t *testing.T) []model.CalendarEntry {
	t.Helper()
	regimes, err := registry.ParseRegimes([]byte(cmdRegimesYAML))
	require.NoError(t, err)
	entries, err := calendar.Build(*regimes, model.NewDateRange(
		time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
	))
	require.NoError(t, err)
	return entries
}

func TestFormatCalendar_Summary(t *testing.T) {
	var buf bytes.Buffer
	formatCalendar(&buf, testCalendarEntries(t), false)
	out := buf.String()

	assert.Contains(t, out, "REGIME")
	assert.Regexp(t, `baseline\s+2\s+1`, out)
	assert.Regexp(t, `spike\s+3\s+3`, out)
	assert.Regexp(t, `total\s+5`, out)
}

func TestFormatCalendar_Daily(t *testing.T) {
	var buf bytes.Buffer
	formatCalendar(&buf, testCalendarEntries(t), true)
	out := buf.String()

	assert.Regexp(t, `2024-01-31\s+baseline\s+1`, out)
	assert.Regexp(t, `2024-02-01\s+spike\s+3`, out)
	assert.Equal(t, 6, bytes.Count(buf.Bytes(), []byte("\n")))
}
