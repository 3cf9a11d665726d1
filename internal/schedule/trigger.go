package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindOneOff    Kind = "oneoff"
	KindRecurring Kind = "recurring"
)

// TimeOfDay is a local wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" (a single-digit hour is allowed).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || len(h) > 2 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	t := TimeOfDay{Hour: hour, Minute: minute}
	if !t.valid() {
		return TimeOfDay{}, fmt.Errorf("time %q out of range", s)
	}
	return t, nil
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Trigger is either a one-off instant or a weekly pattern.
//
// For KindOneOff only FireAt (and Timezone for display) is used. For
// KindRecurring, Weekdays holds ISO days (1=Mon .. 7=Sun) and At is the local
// time in Timezone.
type Trigger struct {
	Kind     Kind
	FireAt   time.Time
	Weekdays []int
	At       TimeOfDay
	Timezone string
}

func OneOff(at time.Time, tz string) Trigger {
	return Trigger{Kind: KindOneOff, FireAt: at.UTC(), Timezone: tz}
}

func Weekly(days []int, at TimeOfDay, tz string) Trigger {
	return Trigger{Kind: KindRecurring, Weekdays: NormalizeWeekdays(days), At: at, Timezone: tz}
}

// NormalizeWeekdays returns a sorted copy without duplicates.
func NormalizeWeekdays(days []int) []int {
	if len(days) == 0 {
		return nil
	}
	out := append([]int(nil), days...)
	sort.Ints(out)
	n := 0
	for i, d := range out {
		if i > 0 && d == out[n-1] {
			continue
		}
		out[n] = d
		n++
	}
	return out[:n]
}

// Location loads the trigger timezone. An empty name means UTC.
func (t Trigger) Location() (*time.Location, error) {
	name := strings.TrimSpace(t.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func (t Trigger) Validate() error {
	if _, err := t.Location(); err != nil {
		return &ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", t.Timezone)}
	}
	switch t.Kind {
	case KindOneOff:
		if t.FireAt.IsZero() {
			return &ValidationError{Field: "send_time", Reason: "is required"}
		}
	case KindRecurring:
		if len(t.Weekdays) == 0 {
			return &ValidationError{Field: "recurring_pattern.days", Reason: "must not be empty"}
		}
		for _, d := range t.Weekdays {
			if d < 1 || d > 7 {
				return &ValidationError{Field: "recurring_pattern.days", Reason: fmt.Sprintf("weekday %d out of range 1..7", d)}
			}
		}
		if !t.At.valid() {
			return &ValidationError{Field: "recurring_pattern.time", Reason: "out of range"}
		}
	default:
		return &ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown kind %q", t.Kind)}
	}
	return nil
}

func (t Trigger) hasWeekday(d int) bool {
	for _, w := range t.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// IsoWeekday maps time.Weekday to ISO numbering (Sunday is 7).
func IsoWeekday(w time.Weekday) int {
	if w == time.Sunday {
		return 7
	}
	return int(w)
}

// IsDue reports whether the trigger matches now.
//
// A one-off is due once now reaches FireAt; the caller enforces that it
// fires only once. A recurring trigger is due during the first minute of a
// resolved occurrence on a matching local weekday.
func IsDue(t Trigger, now time.Time) bool {
	_, ok := DueOccurrence(t, now)
	return ok
}

// DueOccurrence returns the occurrence that makes t due at now. For a
// recurring trigger that is the start of the current one-minute window.
func DueOccurrence(t Trigger, now time.Time) (time.Time, bool) {
	switch t.Kind {
	case KindOneOff:
		if t.FireAt.IsZero() || now.Before(t.FireAt) {
			return time.Time{}, false
		}
		return t.FireAt, true
	case KindRecurring:
		loc, err := t.Location()
		if err != nil {
			return time.Time{}, false
		}
		local := now.In(loc)
		if !t.hasWeekday(IsoWeekday(local.Weekday())) {
			return time.Time{}, false
		}
		f, ok := resolveLocal(local.Year(), local.Month(), local.Day(), t.At, loc)
		if !ok || now.Before(f) || !now.Before(f.Add(time.Minute)) {
			return time.Time{}, false
		}
		return f, true
	}
	return time.Time{}, false
}

// NextFire returns the first occurrence strictly after after. It reports
// false for a one-off that is no longer in the future and for an invalid
// trigger.
func NextFire(t Trigger, after time.Time) (time.Time, bool) {
	switch t.Kind {
	case KindOneOff:
		if t.FireAt.After(after) {
			return t.FireAt, true
		}
		return time.Time{}, false
	case KindRecurring:
		if len(t.Weekdays) == 0 || !t.At.valid() {
			return time.Time{}, false
		}
		loc, err := t.Location()
		if err != nil {
			return time.Time{}, false
		}
		local := after.In(loc)
		y, m, d := local.Date()
		// Two weeks covers any weekday set plus one skipped day.
		for i := 0; i <= 14; i++ {
			day := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
			if !t.hasWeekday(IsoWeekday(day.Weekday())) {
				continue
			}
			f, ok := resolveLocal(day.Year(), day.Month(), day.Day(), t.At, loc)
			if ok && f.After(after) {
				return f, true
			}
		}
	}
	return time.Time{}, false
}

// resolveLocal maps a local wall-clock time to an instant. A time repeated by
// a DST fall-back resolves to the later instant; a time skipped by a
// spring-forward does not exist and reports false.
func resolveLocal(y int, m time.Month, d int, at TimeOfDay, loc *time.Location) (time.Time, bool) {
	naive := time.Date(y, m, d, at.Hour, at.Minute, 0, 0, time.UTC)

	var best time.Time
	found := false
	seen := map[int]bool{}
	for _, probe := range []time.Duration{-36 * time.Hour, 0, 36 * time.Hour} {
		_, off := naive.Add(probe).In(loc).Zone()
		if seen[off] {
			continue
		}
		seen[off] = true

		c := naive.Add(-time.Duration(off) * time.Second)
		lc := c.In(loc)
		if lc.Year() != y || lc.Month() != m || lc.Day() != d || lc.Hour() != at.Hour || lc.Minute() != at.Minute {
			continue
		}
		if !found || c.After(best) {
			best, found = c, true
		}
	}
	return best, found
}
