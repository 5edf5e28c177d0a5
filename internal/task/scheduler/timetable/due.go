package timetable

import "time"

const maxWindow = 100 * 365 * 24 * time.Hour

// DueRuns returns the logical dates that should be dispatched at now.
//
// With catchup every ended interval at or after start and after last is
// returned, oldest first, at most limit of them (limit <= 0 means no cap).
// Without catchup only the latest ended interval is considered, and only when
// it is after last. A zero last means no run was recorded yet.
func DueRuns(tt Timetable, start, last, now time.Time, catchup bool, limit int) []time.Time {
	if tt == nil || tt.Kind() == SpecNone {
		return nil
	}
	if !catchup {
		d, ok := LatestEnded(tt, start, now)
		if !ok || (!last.IsZero() && !d.After(last)) {
			return nil
		}
		return []time.Time{d}
	}

	d := First(tt, start)
	if !last.IsZero() && !d.After(last) {
		d = tt.Next(last)
	}
	var out []time.Time
	for !d.IsZero() && !tt.IntervalEnd(d).After(now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, d)
		d = tt.Next(d)
	}
	return out
}

// LatestEnded returns the most recent logical date at or after start whose
// data interval has ended by now.
func LatestEnded(tt Timetable, start, now time.Time) (time.Time, bool) {
	if tt == nil || tt.Kind() == SpecNone || now.Before(start) {
		return time.Time{}, false
	}
	// Search a doubling window back from now so sparse and dense schedules
	// both finish in a few steps; the window stops growing once it reaches start.
	for window := time.Minute; ; window *= 2 {
		from := now.Add(-window)
		bounded := window >= maxWindow || !from.After(start)
		if bounded {
			from = start
		}
		var latest time.Time
		for d := First(tt, from); !d.IsZero() && !tt.IntervalEnd(d).After(now); d = tt.Next(d) {
			latest = d
		}
		if !latest.IsZero() {
			return latest, true
		}
		if bounded {
			return time.Time{}, false
		}
	}
}

// NextTrigger returns the next moment after now at which a run becomes due,
// or the zero time if none will.
func NextTrigger(tt Timetable, start, now time.Time) time.Time {
	if tt == nil || tt.Kind() == SpecNone {
		return time.Time{}
	}
	d := First(tt, start)
	if d.IsZero() {
		return time.Time{}
	}
	if end := tt.IntervalEnd(d); end.After(now) {
		return end
	}
	// Interval ends after the first run are the timetable ticks themselves.
	return tt.Next(now)
}
