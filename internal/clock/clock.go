// Package clock converts between UTC and per-user local time and
// computes the weekly windows the orchestrator and content assembler
// operate on.
package clock

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// WeekBoundaries are the inclusive-start, exclusive-end UTC bounds of
// the previous completed local week and the week currently in
// progress, for a given instant and timezone.
type WeekBoundaries struct {
	PrevWeekStart    time.Time
	PrevWeekEnd      time.Time
	CurrentWeekStart time.Time
	CurrentWeekEnd   time.Time
}

// loadLocation resolves tz, falling back to UTC (with a warning) for
// empty or unrecognized IANA names.
func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn().Str("timezone", tz).Err(err).Msg("unknown timezone, treating as UTC")
		return time.UTC
	}
	return loc
}

// weekStartFor returns the local midnight of the most recent occurrence
// of weekStartDay (0=Monday..6=Sunday) at or before local.
func weekStartFor(local time.Time, weekStartDay int) time.Time {
	// Go's time.Weekday is 0=Sunday..6=Saturday; normalize to 0=Monday.
	goWeekday := int(local.Weekday())
	mondayIndexed := (goWeekday + 6) % 7
	delta := (mondayIndexed - weekStartDay + 7) % 7
	startDate := local.AddDate(0, 0, -delta)
	return time.Date(startDate.Year(), startDate.Month(), startDate.Day(), 0, 0, 0, 0, local.Location())
}

// WeekStart returns the date (local midnight) of the most recent
// occurrence of weekStartDay at or before localDT.
func WeekStart(localDT time.Time, weekStartDay int) time.Time {
	return weekStartFor(localDT, weekStartDay)
}

// ShouldSendNow reports whether, converting nowUTC into tz, the local
// weekday and hour match preferredDay/preferredHour and the user's
// digest is enabled. A SKIP-policy user with no activity is never a
// send moment.
func ShouldSendNow(tz string, preferredDay, preferredHour int, nowUTC time.Time, enabled bool, hasActivity bool, policy types.NoActivityPolicy) bool {
	if !enabled {
		return false
	}
	loc := loadLocation(tz)
	local := nowUTC.In(loc)

	mondayIndexed := (int(local.Weekday()) + 6) % 7
	isRightDay := mondayIndexed == preferredDay
	isRightHour := local.Hour() == preferredHour
	if !isRightDay || !isRightHour {
		return false
	}
	if !hasActivity && policy == types.NoActivitySkip {
		return false
	}
	return true
}

// WeekBoundariesFor computes the previous and current local week
// windows for nowUTC in tz, expressed in UTC. Boundaries are
// inclusive-start, exclusive-end.
func WeekBoundariesFor(nowUTC time.Time, tz string, weekStartDay int) WeekBoundaries {
	loc := loadLocation(tz)
	local := nowUTC.In(loc)

	currentStart := weekStartFor(local, weekStartDay)
	currentEnd := currentStart.AddDate(0, 0, 7)
	prevStart := currentStart.AddDate(0, 0, -7)
	prevEnd := currentStart

	return WeekBoundaries{
		PrevWeekStart:    prevStart.UTC(),
		PrevWeekEnd:      prevEnd.UTC(),
		CurrentWeekStart: currentStart.UTC(),
		CurrentWeekEnd:   currentEnd.UTC(),
	}
}
