package library

import (
	"log"
	"slices"
	"time"

	"github.com/ohler55/ojg/jp"
)

var preferredEventPath = jp.MustParseString("$.GraceDB.Events[?(@.State == 'preferred')]")

// PreferredEvent returns the GraceDB event of doc marked as preferred.
// If several are marked, the last one wins.
func PreferredEvent(doc map[string]any) (map[string]any, bool) {
	res := preferredEventPath.Get(doc)
	for i := len(res) - 1; i >= 0; i-- {
		if ev, ok := res[i].(map[string]any); ok {
			return ev, true
		}
	}
	return nil, false
}

func number(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Selector decides which superevents are included in the index.
type Selector struct {
	cfg      EventsConfig
	earliest float64 // GPS seconds
	latest   float64
}

// NewSelector resolves the time window of cfg relative to now.
func NewSelector(cfg EventsConfig, now time.Time) *Selector {
	return &Selector{
		cfg:      cfg,
		earliest: ToGPS(cfg.CreatedSince.Time(now)),
		latest:   ToGPS(cfg.CreatedBefore.Time(now)),
	}
}

// Include reports whether the superevent sname with metadata doc passes
// the selection. Explicit inclusion wins over everything else; explicit
// exclusion wins over the FAR threshold and the time window. Otherwise the
// preferred event must have a FAR at or below the threshold and a GPS time
// inside the window.
//
// Superevents on the include list are selected even if they have no
// preferred event yet.
func (s *Selector) Include(sname string, doc map[string]any) bool {
	if slices.Contains(s.cfg.SnamesToInclude, sname) {
		return true
	}
	if slices.Contains(s.cfg.SnamesToExclude, sname) {
		return false
	}
	ev, ok := PreferredEvent(doc)
	if !ok {
		log.Printf("No preferred event for superevent %s, excluding it from the index", sname)
		return false
	}
	far, okFAR := number(ev, "FAR")
	gps, okGPS := number(ev, "GPSTime")
	if !okFAR || !okGPS {
		log.Printf("Preferred event of superevent %s lacks FAR or GPSTime, excluding it from the index", sname)
		return false
	}
	if gps < s.earliest || gps > s.latest {
		return false
	}
	return far <= s.cfg.FARThreshold
}
