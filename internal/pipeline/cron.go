package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field is the set of values one cron field accepts, indexed by value.
type field []bool

// schedule is a parsed five-field cron expression:
// "minute hour day-of-month month day-of-week".
type schedule struct {
	minute, hour, dom, month, dow field
	// Standard cron ORs day-of-month and day-of-week when both are
	// restricted.
	domAny, dowAny bool
}

var fieldBounds = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// parseSchedule accepts "*", single values, "a-b" ranges, "*/n" and "a-b/n"
// steps, and comma-separated lists of those.
func parseSchedule(expr string) (schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}
	var fields [5]field
	for i, p := range parts {
		f, err := parseField(p, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return schedule{}, fmt.Errorf("%s field %q: %w", fieldBounds[i].name, p, err)
		}
		fields[i] = f
	}
	return schedule{
		minute: fields[0],
		hour:   fields[1],
		dom:    fields[2],
		month:  fields[3],
		dow:    fields[4],
		domAny: parts[2] == "*",
		dowAny: parts[4] == "*",
	}, nil
}

func parseField(s string, lo, hi int) (field, error) {
	f := make(field, hi+1)
	for _, item := range strings.Split(s, ",") {
		rng, stepStr, hasStep := strings.Cut(item, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
		}

		start, end := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if start, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("invalid value %q", a)
			}
			if end, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("invalid value %q", b)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rng)
			}
			start, end = v, v
			if hasStep {
				end = hi
			}
		}
		if start < lo || end > hi || start > end {
			return nil, fmt.Errorf("range %d-%d outside %d-%d", start, end, lo, hi)
		}
		for v := start; v <= end; v += step {
			f[v] = true
		}
	}
	return f, nil
}

func (s schedule) matches(t time.Time) bool {
	if !s.minute[t.Minute()] || !s.hour[t.Hour()] || !s.month[int(t.Month())] {
		return false
	}
	dom, dow := s.dom[t.Day()], s.dow[int(t.Weekday())]
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dow
	case s.dowAny:
		return dom
	default:
		return dom || dow
	}
}

// next returns the first matching minute strictly after t, searching up to
// a little over four years ahead so that "0 0 29 2 *" still resolves.
func (s schedule) next(t time.Time) (time.Time, bool) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 1, 0)
	for candidate.Before(limit) {
		if !s.month[int(candidate.Month())] {
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, candidate.Location())
			continue
		}
		if !s.hour[candidate.Hour()] {
			candidate = candidate.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if s.matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}
