package scheduler

import (
	"sort"
	"time"

	"dagd/internal/task/scheduler/timetable"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	defs := make([]*dagDef, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = loadLocation(cfg.Timezone, s.log)
	}
	now := s.now()

	items := make([]DagInfo, 0, len(defs))
	for _, d := range defs {
		d.mu.Lock()
		last := d.last
		d.mu.Unlock()
		it := DagInfo{
			ID:       d.dag.ID,
			Schedule: d.tt.String(),
			Catchup:  d.dag.Catchup,
			Paused:   cfg.Paused[d.dag.ID],
			Tasks:    d.dag.TaskIDs(),
			Last:     last,
		}
		if !it.Paused {
			it.Next = timetable.NextTrigger(d.tt, d.dag.StartDate, now)
		}
		if s.runner != nil {
			it.ActiveRuns = s.runner.ActiveRuns(d.dag.ID)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	snap := Snapshot{
		Enabled:       cfg.Enabled,
		Timezone:      loc.String(),
		MaxActiveRuns: cfg.MaxActiveRuns,
		Dags:          items,
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}

// NextRuns previews the next n trigger times of schedule evaluated from now.
func NextRuns(tt timetable.Timetable, start, now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := now
	for len(out) < n {
		next := timetable.NextTrigger(tt, start, t)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
