package util

import (
	"time"

	"github.com/jinzhu/now"
)

const (
	SECONDS_IN_A_DAY  int64 = 24 * 60 * 60
	SECONDS_IN_A_HOUR int64 = 60 * 60

	DATETIME_FORMAT_DB string = "2006-01-02 15:04:05"
	DATE_FORMAT_DB     string = "2006-01-02"
)

func nowUTC(t time.Time) *now.Now {
	return now.New(t.UTC())
}

func BeginningOfHour(t time.Time) time.Time {
	return nowUTC(t).BeginningOfHour()
}

func BeginningOfDay(t time.Time) time.Time {
	return nowUTC(t).BeginningOfDay()
}

// BeginningOfWeek Weeks start on Sunday, same as toStartOfWeek on the store.
func BeginningOfWeek(t time.Time) time.Time {
	return nowUTC(t).BeginningOfWeek()
}

func BeginningOfMonth(t time.Time) time.Time {
	return nowUTC(t).BeginningOfMonth()
}

func periodsBetween(fromUnix, toUnix int64, begin func(time.Time) time.Time,
	next func(time.Time) time.Time) []time.Time {

	rTimestamps := make([]time.Time, 0, 0)
	if toUnix < fromUnix {
		return rTimestamps
	}

	from := begin(time.Unix(fromUnix, 0))
	to := begin(time.Unix(toUnix, 0))
	for t := from; !t.After(to); t = begin(next(t)) {
		rTimestamps = append(rTimestamps, t)
	}
	return rTimestamps
}

// GetAllHoursAsTimestamp returns start of every hour between from and to, both inclusive.
func GetAllHoursAsTimestamp(fromUnix int64, toUnix int64) []time.Time {
	return periodsBetween(fromUnix, toUnix, BeginningOfHour,
		func(t time.Time) time.Time { return t.Add(time.Hour) })
}

func GetAllDatesAsTimestamp(fromUnix int64, toUnix int64) []time.Time {
	return periodsBetween(fromUnix, toUnix, BeginningOfDay,
		func(t time.Time) time.Time { return t.AddDate(0, 0, 1) })
}

// GetAllWeeksAsTimestamp buckets the days into start of weeks i.e.
// returns list of Sundays for from to to.
func GetAllWeeksAsTimestamp(fromUnix int64, toUnix int64) []time.Time {
	return periodsBetween(fromUnix, toUnix, BeginningOfWeek,
		func(t time.Time) time.Time { return t.AddDate(0, 0, 7) })
}

func GetAllMonthsAsTimestamp(fromUnix int64, toUnix int64) []time.Time {
	return periodsBetween(fromUnix, toUnix, BeginningOfMonth,
		// some day in the next month.
		func(t time.Time) time.Time { return t.AddDate(0, 0, 35) })
}

// DateOf Truncates to the UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
