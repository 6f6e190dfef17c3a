// Package schedule computes when jobs fire: cron expression parsing and the
// next-execution-time table the manager's scheduler loop polls.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docfold/docfold/errors"
)

// CronSpec holds the per-field allowed-value sets of a parsed cron
// expression. Five fields are minute hour day month weekday; six fields
// prepend seconds.
type CronSpec struct {
	Seconds  map[int]bool // nil for 5-field expressions
	Minutes  map[int]bool
	Hours    map[int]bool
	Days     map[int]bool
	Months   map[int]bool
	Weekdays map[int]bool // cron convention, Sunday=0 (7 normalized to 0)
}

type cronField struct {
	name    string
	min     int
	max     int
	weekday bool // allows 7 as an alias for 0
}

var cronFields = []cronField{
	{name: "second", min: 0, max: 59},
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "weekday", min: 0, max: 6, weekday: true},
}

// ParseCron parses a 5- or 6-field cron expression into per-field sets.
// Field syntax: "*", "*/N", "A-B", "a,b,c", or a bare integer.
func ParseCron(expr string) (*CronSpec, error) {
	fields := strings.Fields(expr)

	var layout []cronField
	switch len(fields) {
	case 5:
		layout = cronFields[1:]
	case 6:
		layout = cronFields
	default:
		return nil, errors.NewInvalidSchedule("cron expression %q has %d fields, want 5 or 6", expr, len(fields))
	}

	sets := make([]map[int]bool, len(layout))
	for i, field := range fields {
		set, err := parseCronField(field, layout[i])
		if err != nil {
			return nil, errors.Wrapf(err, "cron expression %q", expr)
		}
		sets[i] = set
	}

	spec := &CronSpec{}
	if len(fields) == 6 {
		spec.Seconds = sets[0]
		sets = sets[1:]
	}
	spec.Minutes = sets[0]
	spec.Hours = sets[1]
	spec.Days = sets[2]
	spec.Months = sets[3]
	spec.Weekdays = sets[4]
	return spec, nil
}

func parseCronField(field string, f cronField) (map[int]bool, error) {
	set := make(map[int]bool)

	add := func(v int) error {
		if f.weekday && v == 7 {
			v = 0 // cron convention: 0 and 7 both denote Sunday
		}
		if v < f.min || v > f.max {
			return errors.NewInvalidSchedule("%s value %d out of range %d-%d", f.name, v, f.min, f.max)
		}
		set[v] = true
		return nil
	}

	switch {
	case field == "*":
		for v := f.min; v <= f.max; v++ {
			set[v] = true
		}

	case strings.HasPrefix(field, "*/"):
		step, err := strconv.Atoi(field[2:])
		if err != nil || step <= 0 {
			return nil, errors.NewInvalidSchedule("%s step %q is not a positive integer", f.name, field[2:])
		}
		for v := f.min; v <= f.max; v += step {
			set[v] = true
		}

	default:
		for _, part := range strings.Split(field, ",") {
			if lo, hi, ok := strings.Cut(part, "-"); ok {
				a, errA := strconv.Atoi(lo)
				b, errB := strconv.Atoi(hi)
				if errA != nil || errB != nil || a > b {
					return nil, errors.NewInvalidSchedule("%s range %q is malformed", f.name, part)
				}
				for v := a; v <= b; v++ {
					if err := add(v); err != nil {
						return nil, err
					}
				}
				continue
			}
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, errors.NewInvalidSchedule("%s value %q is not an integer", f.name, part)
			}
			if err := add(v); err != nil {
				return nil, err
			}
		}
	}

	return set, nil
}

// MatchesTime tests whether t satisfies the parsed expression. The weekday
// check accepts either convention for the current day: cron (Sunday=0) or
// Monday=0, so expressions written against either keep firing.
func (s *CronSpec) MatchesTime(t time.Time) bool {
	if s.Seconds != nil && !s.Seconds[t.Second()] {
		return false
	}
	if !s.Minutes[t.Minute()] || !s.Hours[t.Hour()] || !s.Days[t.Day()] || !s.Months[int(t.Month())] {
		return false
	}

	cronDay := int(t.Weekday())     // Sunday=0
	mondayDay := (cronDay + 6) % 7  // Monday=0
	return s.Weekdays[cronDay] || s.Weekdays[mondayDay]
}

// Matches reports whether t satisfies expr. It fails closed: a malformed
// expression is logged and reported as no match rather than propagating a
// parse error into the scheduler loop.
func Matches(expr string, t time.Time, log *zap.SugaredLogger) bool {
	spec, err := ParseCron(expr)
	if err != nil {
		if log != nil {
			log.Warnw("Malformed cron expression treated as no match",
				"expression", expr,
				"error", err)
		}
		return false
	}
	return spec.MatchesTime(t)
}
