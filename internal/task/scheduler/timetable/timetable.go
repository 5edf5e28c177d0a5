package timetable

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Timetable produces the logical dates of a DAG.
type Timetable interface {
	// Next returns the first logical date strictly after t, or the zero time
	// when the timetable is exhausted.
	Next(t time.Time) time.Time
	// IntervalEnd returns the end of the data interval that starts at logical.
	IntervalEnd(logical time.Time) time.Time
	Kind() SpecKind
	String() string
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse builds the timetable for schedule. Interval and once timetables are
// anchored at start; cron ticks are evaluated in loc (UTC when nil).
func Parse(schedule string, start time.Time, loc *time.Location) (Timetable, error) {
	if loc == nil {
		loc = time.UTC
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	switch ps.Kind {
	case SpecNone:
		return noneTimetable{}, nil
	case SpecOnce:
		if start.IsZero() {
			return nil, fmt.Errorf("@once requires a start date")
		}
		return onceTimetable{at: start.In(loc)}, nil
	case SpecInterval:
		if start.IsZero() {
			return nil, fmt.Errorf("interval schedule %q requires a start date", schedule)
		}
		return intervalTimetable{anchor: start.In(loc), every: ps.Every}, nil
	case SpecCron:
		sched, err := parser.Parse(ps.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
		return cronTimetable{spec: ps.Cron, sched: sched, loc: loc}, nil
	default:
		return nil, fmt.Errorf("unsupported schedule kind %s", ps.Kind)
	}
}

// First returns the first logical date at or after start.
func First(tt Timetable, start time.Time) time.Time {
	return tt.Next(start.Add(-time.Nanosecond))
}

type cronTimetable struct {
	spec  string
	sched cron.Schedule
	loc   *time.Location
}

func (c cronTimetable) Next(t time.Time) time.Time { return c.sched.Next(t.In(c.loc)) }

func (c cronTimetable) IntervalEnd(logical time.Time) time.Time { return c.Next(logical) }

func (c cronTimetable) Kind() SpecKind { return SpecCron }

func (c cronTimetable) String() string { return c.spec }

type intervalTimetable struct {
	anchor time.Time
	every  time.Duration
}

func (i intervalTimetable) Next(t time.Time) time.Time {
	if t.Before(i.anchor) {
		return i.anchor
	}
	n := t.Sub(i.anchor)/i.every + 1
	return i.anchor.Add(n * i.every)
}

func (i intervalTimetable) IntervalEnd(logical time.Time) time.Time { return logical.Add(i.every) }

func (i intervalTimetable) Kind() SpecKind { return SpecInterval }

func (i intervalTimetable) String() string { return "@every " + i.every.String() }

type onceTimetable struct{ at time.Time }

func (o onceTimetable) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// IntervalEnd is the logical date itself: a once run is due at its start.
func (o onceTimetable) IntervalEnd(logical time.Time) time.Time { return logical }

func (o onceTimetable) Kind() SpecKind { return SpecOnce }

func (o onceTimetable) String() string { return "@once" }

type noneTimetable struct{}

func (noneTimetable) Next(time.Time) time.Time { return time.Time{} }

func (noneTimetable) IntervalEnd(logical time.Time) time.Time { return logical }

func (noneTimetable) Kind() SpecKind { return SpecNone }

func (noneTimetable) String() string { return "None" }
