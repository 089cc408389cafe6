// Package localtime converts customer wall-clock preferences into UTC
// dispatch instants. Every function here is total: bad input degrades to a
// safe default instead of an error, because the scheduler must never stall
// on one malformed record.
package localtime

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultZone is the fallback when a timezone cannot be resolved.
const DefaultZone = "America/New_York"

// Default preferred time when nothing can be parsed.
const (
	DefaultHour   = 7
	DefaultMinute = 0
)

var clockPattern = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)

// legacy display labels shown by the old signup form, mapped to IANA zones.
var legacyZones = map[string]string{
	"eastern (et)":     "America/New_York",
	"central (ct)":     "America/Chicago",
	"mountain (mt)":    "America/Denver",
	"pacific (pt)":     "America/Los_Angeles",
	"alaska (akt)":     "America/Anchorage",
	"hawaii (ht)":      "Pacific/Honolulu",
	"london (gmt/bst)": "Europe/London",
	"paris (cet)":      "Europe/Paris",
	"dubai (gst)":      "Asia/Dubai",
	"india (ist)":      "Asia/Kolkata",
	"singapore (sgt)":  "Asia/Singapore",
	"tokyo (jst)":      "Asia/Tokyo",
	"sydney (aest)":    "Australia/Sydney",
}

// ParseLooseTime extracts an (hour, minute) pair from a free-text call time
// description. It understands the qualitative buckets used by the signup
// funnel ("early morning", "mid morning", "late morning") and explicit
// 12-hour clock times such as "7am" or "10:30 PM". The second return value
// is false when nothing usable was found; callers supply the default.
func ParseLooseTime(text string) (int, int, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return 0, 0, false
	}

	// An explicit clock time wins over the qualitative buckets, so
	// "10pm is too late" reads as 22:00, not the "late" bucket.
	if m := clockPattern.FindStringSubmatch(s); m != nil {
		if hour, minute, ok := parseClock(m); ok {
			return hour, minute, true
		}
	}

	switch {
	case strings.Contains(s, "early"):
		return 7, 0, true
	case strings.Contains(s, "mid"):
		return 9, 0, true
	case strings.Contains(s, "late"):
		return 11, 0, true
	}

	return 0, 0, false
}

func parseClock(m []string) (int, int, bool) {
	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return 0, 0, false
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return 0, 0, false
		}
	}

	// noon and midnight: 12pm stays 12, 12am wraps to 0
	if strings.EqualFold(m[3], "pm") {
		if hour != 12 {
			hour += 12
		}
	} else if hour == 12 {
		hour = 0
	}

	return hour, minute, true
}

// NormalizeTimezone resolves a user-supplied timezone label to a loadable
// IANA zone name. Inputs that already look like IANA zones and load cleanly
// pass through unchanged; legacy display labels go through the mapping
// table; everything else falls back to DefaultZone. Never fails.
func NormalizeTimezone(label string) string {
	s := strings.TrimSpace(label)
	if s == "" {
		return DefaultZone
	}

	if strings.Contains(s, "/") {
		if _, err := time.LoadLocation(s); err == nil {
			return s
		}
	}

	if zone, ok := legacyZones[strings.ToLower(s)]; ok {
		return zone
	}

	return DefaultZone
}

// Location loads the location for an already-normalized zone, falling back
// to the default zone and finally UTC so callers never handle an error.
func Location(zone string) *time.Location {
	if loc, err := time.LoadLocation(zone); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultZone); err == nil {
		return loc
	}
	return time.UTC
}

// NextOccurrenceUTC returns the next UTC instant at which the civil time
// hour:minute occurs in zone, relative to now: today if that wall-clock
// time has not yet passed in the zone, otherwise tomorrow.
//
// The offset is resolved against the target calendar date, not now's date,
// so scheduling across a DST boundary lands on the correct wall-clock time.
// A civil time that does not exist on a spring-forward day rounds forward
// to the first valid instant.
func NextOccurrenceUTC(hour, minute int, zone string, now time.Time) time.Time {
	loc := Location(zone)
	local := now.In(loc)

	candidate := resolveCivil(local.Year(), local.Month(), local.Day(), hour, minute, loc)
	if !candidate.After(now) {
		candidate = resolveCivil(local.Year(), local.Month(), local.Day()+1, hour, minute, loc)
	}

	return candidate.UTC()
}

// resolveCivil builds the instant for hour:minute on the given calendar day
// in loc. A civil time inside a spring-forward gap has no instant at all;
// time.Date then lands on the pre-transition side (2:30 on a 2->3 AM day in
// New York comes back as 1:30 EST), so when the wall clock of the result
// does not match the request the instant is shifted forward by the gap
// size, landing on the first valid reading after the transition.
func resolveCivil(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)

	want := hour*60 + minute
	got := t.Hour()*60 + t.Minute()
	if got == want {
		return t
	}

	shift := want - got
	if shift > 12*60 {
		shift -= 24 * 60
	} else if shift < -12*60 {
		shift += 24 * 60
	}
	if shift > 0 {
		t = t.Add(time.Duration(shift) * time.Minute)
	}
	// shift <= 0 means the zone database already pushed the result past
	// the gap; it is valid as is
	return t
}

// StartOfDayUTC truncates t to midnight UTC. Used as the lower bound of the
// due window: calls missed earlier today are reclaimed, prior days are not.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
