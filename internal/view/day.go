// Package view builds the operator-facing projections of one calendar day:
// the local-day window, the day-id bijection and the three article
// orderings the CLI renders.
package view

import (
	"errors"
	"strings"
	"time"
)

// ErrBadDate is returned for date arguments that are not YYYY-MM-DD.
var ErrBadDate = errors.New("日期格式必须是 YYYY-MM-DD")

// DayBoundsLocal returns the UTC instants bounding the given calendar day
// in the operator's local zone.
func DayBoundsLocal(day time.Time) (start, end time.Time) {
	y, m, d := day.Date()
	startLocal := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	return startLocal.UTC(), startLocal.AddDate(0, 0, 1).UTC()
}

// ParseDay reads a YYYY-MM-DD argument as a local calendar day. An empty
// value means today.
func ParseDay(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		local := now.In(time.Local)
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local), nil
	}
	day, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return time.Time{}, ErrBadDate
	}
	return day, nil
}

// DayKey renders the canonical YYYY-MM-DD form of a local day.
func DayKey(day time.Time) string {
	return day.In(time.Local).Format("2006-01-02")
}
