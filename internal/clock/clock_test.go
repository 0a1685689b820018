package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

func TestShouldSendNow_HappyPath(t *testing.T) {
	// Wed 22:00 JST == Wed 13:00 UTC.
	now := time.Date(2025, 9, 10, 13, 0, 0, 0, time.UTC)
	got := ShouldSendNow("Asia/Tokyo", 2, 22, now, true, true, types.NoActivitySkip)
	assert.True(t, got)
}

func TestShouldSendNow_NotSendTime(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC) // Wed 21:00 JST
	got := ShouldSendNow("Asia/Tokyo", 2, 22, now, true, true, types.NoActivitySkip)
	assert.False(t, got)
}

func TestShouldSendNow_NoActivitySkipPolicy(t *testing.T) {
	now := time.Date(2025, 9, 10, 13, 0, 0, 0, time.UTC)
	got := ShouldSendNow("Asia/Tokyo", 2, 22, now, true, false, types.NoActivitySkip)
	assert.False(t, got, "no activity + SKIP policy must not be a send moment")
}

func TestShouldSendNow_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	now := time.Date(2025, 9, 10, 22, 0, 0, 0, time.UTC) // Wed 22:00 "UTC"
	got := ShouldSendNow("Not/ARealZone", 2, 22, now, true, true, types.NoActivitySkip)
	assert.True(t, got)
}

func TestShouldSendNow_Disabled(t *testing.T) {
	now := time.Date(2025, 9, 10, 13, 0, 0, 0, time.UTC)
	got := ShouldSendNow("Asia/Tokyo", 2, 22, now, false, true, types.NoActivitySkip)
	assert.False(t, got)
}

func TestWeekBoundariesFor_SevenDayExclusiveWindow(t *testing.T) {
	now := time.Date(2025, 9, 10, 13, 0, 0, 0, time.UTC)
	b := WeekBoundariesFor(now, "Asia/Tokyo", 0) // week starts Monday

	require.True(t, b.PrevWeekEnd.Equal(b.CurrentWeekStart))
	assert.Equal(t, 7*24*time.Hour, b.PrevWeekEnd.Sub(b.PrevWeekStart))
	assert.Equal(t, 7*24*time.Hour, b.CurrentWeekEnd.Sub(b.CurrentWeekStart))
}

func TestWeekBoundariesFor_AcrossDSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	// DST ended Sun Nov 2 2025, so the previous local week contains the
	// fall-back hour and is 169 hours long in UTC.
	now := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC) // Mon Nov 3, noon PST
	b := WeekBoundariesFor(now, "America/Los_Angeles", 0)

	prevStartLocal := b.PrevWeekStart.In(loc)
	prevEndLocal := b.PrevWeekEnd.In(loc)
	assert.Equal(t, time.Monday, prevStartLocal.Weekday())
	assert.Equal(t, 0, prevStartLocal.Hour())
	assert.Equal(t, time.Monday, prevEndLocal.Weekday())
	assert.Equal(t, 0, prevEndLocal.Hour())
	assert.Equal(t, 7*24*time.Hour+time.Hour, b.PrevWeekEnd.Sub(b.PrevWeekStart))
}

func TestWeekStart_MostRecentOccurrence(t *testing.T) {
	// Wednesday local; week starts Monday (0).
	local := time.Date(2025, 9, 10, 22, 0, 0, 0, time.UTC)
	start := WeekStart(local, 0)
	assert.Equal(t, time.Monday, start.Weekday())
	assert.True(t, start.Before(local) || start.Equal(local))
}
