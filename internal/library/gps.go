package library

import (
	"time"
)

// gpsEpoch is the start of GPS time, 1980-01-06T00:00:00Z.
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leapSeconds lists the UTC instants at which a leap second was inserted
// since the GPS epoch. GPS time does not observe leap seconds, so it runs
// ahead of UTC by the number of entries before a given instant.
var leapSeconds = []time.Time{
	time.Date(1981, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1982, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1983, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1985, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1988, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1991, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1992, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1993, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1994, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1996, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1997, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1999, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2006, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2009, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2012, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2015, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC),
}

func leapsBefore(t time.Time) int {
	n := 0
	for _, ls := range leapSeconds {
		if t.Before(ls) {
			break
		}
		n++
	}
	return n
}

// ToGPS converts t to GPS seconds.
func ToGPS(t time.Time) float64 {
	return t.Sub(gpsEpoch).Seconds() + float64(leapsBefore(t))
}

// FromGPS converts GPS seconds to UTC.
func FromGPS(gps float64) time.Time {
	t := gpsEpoch.Add(time.Duration(gps * float64(time.Second)))
	// The offset at t itself can be one more than at the UTC instant we are
	// looking for, so correct from the estimate and check once more.
	utc := t.Add(-time.Duration(leapsBefore(t)) * time.Second)
	if n := leapsBefore(utc); n != leapsBefore(t) {
		utc = t.Add(-time.Duration(n) * time.Second)
	}
	return utc
}
