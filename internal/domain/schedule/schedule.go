// internal/domain/schedule/schedule.go
package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// TimeOfDay is a daily posting target. Seconds are always zero.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseTimeOfDay parses a 24-hour "HH:MM" record.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reHHMM.FindStringSubmatch(raw)
	if len(m) != 3 {
		return TimeOfDay{}, errors.Newf("invalid time of day %q (want HH:MM)", raw)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 {
		return TimeOfDay{}, errors.Newf("invalid hour in %q", raw)
	}
	if mm > 59 {
		return TimeOfDay{}, errors.Newf("invalid minutes in %q", raw)
	}
	return TimeOfDay{Hour: hh, Minute: mm}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the occurrence of t on the calendar day that is dayOffset days
// away from day, as seen in loc.
func (t TimeOfDay) On(day time.Time, dayOffset int, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d+dayOffset, t.Hour, t.Minute, 0, 0, loc)
}

// Schedule is the set of daily targets. Order is irrelevant and duplicates
// are harmless.
type Schedule []TimeOfDay

// Match is the target occurrence that put "now" inside the window.
type Match struct {
	Target TimeOfDay
	At     time.Time
}

// Find returns the first target occurrence within tolerance of now.
// Yesterday's, today's and tomorrow's occurrence of every target are checked
// so windows that straddle midnight match from both sides.
// An empty schedule never matches.
func Find(now time.Time, s Schedule, tolerance time.Duration, loc *time.Location) (Match, bool) {
	if loc == nil {
		loc = time.UTC
	}
	for _, target := range s {
		for _, offset := range [...]int{-1, 0, 1} {
			at := target.On(now, offset, loc)
			if absDuration(now.Sub(at)) <= tolerance {
				return Match{Target: target, At: at}, true
			}
		}
	}
	return Match{}, false
}

// FindAll returns every target occurrence within tolerance of now, earliest
// first. Duplicate targets yield one occurrence.
func FindAll(now time.Time, s Schedule, tolerance time.Duration, loc *time.Location) []Match {
	if loc == nil {
		loc = time.UTC
	}
	var matches []Match
	seen := make(map[int64]bool)
	for _, target := range s {
		for _, offset := range [...]int{-1, 0, 1} {
			at := target.On(now, offset, loc)
			if absDuration(now.Sub(at)) > tolerance || seen[at.Unix()] {
				continue
			}
			seen[at.Unix()] = true
			matches = append(matches, Match{Target: target, At: at})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].At.Before(matches[j].At) })
	return matches
}

// Matches reports whether now is within tolerance of any target in s.
func Matches(now time.Time, s Schedule, tolerance time.Duration, loc *time.Location) bool {
	_, ok := Find(now, s, tolerance, loc)
	return ok
}

// Next returns the earliest target occurrence at or after now.
func Next(now time.Time, s Schedule, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	var best time.Time
	found := false
	for _, target := range s {
		// two days ahead covers targets that fall into a DST gap tomorrow
		for _, offset := range [...]int{0, 1, 2} {
			at := target.On(now, offset, loc)
			if at.Before(now) {
				continue
			}
			if !found || at.Before(best) {
				best = at
				found = true
			}
			break
		}
	}
	return best, found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
