package timetable

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustParse(t *testing.T, schedule string, start time.Time) Timetable {
	t.Helper()
	tt, err := Parse(schedule, start, time.UTC)
	if err != nil {
		t.Fatalf("Parse(%q): %v", schedule, err)
	}
	return tt
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every", raw: "@every 2h", kind: SpecInterval, source: "duration", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "once", raw: "@once", kind: SpecOnce, source: "once"},
		{name: "none", raw: "None", kind: SpecNone, source: "none"},
		{name: "empty", raw: "", kind: SpecNone, source: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"not-a-schedule", "0s", "01:75", "cron:", "61 * * * *"} {
		if _, err := Parse(raw, day(2025, 1, 1), time.UTC); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
	if _, err := Parse("1h", time.Time{}, time.UTC); err == nil {
		t.Error("interval without start date: expected error")
	}
}

func TestTimetableNext(t *testing.T) {
	t.Parallel()
	start := day(2025, 1, 1)
	tests := []struct {
		schedule string
		after    time.Time
		want     time.Time
	}{
		{"@daily", start.Add(-time.Nanosecond), start},
		{"@daily", start, day(2025, 1, 2)},
		{"@daily", start.Add(5 * time.Hour), day(2025, 1, 2)},
		{"@hourly", start.Add(90 * time.Minute), start.Add(2 * time.Hour)},
		{"90m", start, start.Add(90 * time.Minute)},
		{"90m", start.Add(100 * time.Minute), start.Add(180 * time.Minute)},
		{"90m", start.Add(-time.Hour), start},
		{"@once", start.Add(-time.Hour), start},
		{"@once", start, time.Time{}},
		{"None", start.Add(-time.Hour), time.Time{}},
	}
	for _, tc := range tests {
		tt := mustParse(t, tc.schedule, start)
		if got := tt.Next(tc.after); !got.Equal(tc.want) {
			t.Errorf("%s Next(%s) = %s, want %s", tc.schedule, tc.after, got, tc.want)
		}
	}
}

func TestCronTimezone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	tt, err := Parse("@daily", day(2025, 1, 1), loc)
	if err != nil {
		t.Fatal(err)
	}
	got := tt.Next(day(2025, 1, 1))
	want := time.Date(2025, 1, 1, 17, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %s, want %s (local midnight)", got.UTC(), want)
	}
}

func TestDueRunsCatchup(t *testing.T) {
	t.Parallel()
	start := day(2025, 1, 1)
	tt := mustParse(t, "@daily", start)
	now := day(2025, 1, 4).Add(3 * time.Hour)

	got := DueRuns(tt, start, time.Time{}, now, true, 0)
	want := []time.Time{day(2025, 1, 1), day(2025, 1, 2), day(2025, 1, 3)}
	assertDates(t, got, want)

	got = DueRuns(tt, start, day(2025, 1, 1), now, true, 0)
	assertDates(t, got, want[1:])

	got = DueRuns(tt, start, time.Time{}, now, true, 2)
	assertDates(t, got, want[:2])

	got = DueRuns(tt, start, day(2025, 1, 3), now, true, 0)
	assertDates(t, got, nil)
}

func TestDueRunsNoCatchup(t *testing.T) {
	t.Parallel()
	start := day(2025, 1, 1)
	tt := mustParse(t, "@daily", start)
	now := day(2026, 10, 14).Add(9 * time.Hour)

	tests := []struct {
		name string
		last time.Time
		want []time.Time
	}{
		{"first start", time.Time{}, []time.Time{day(2026, 10, 13)}},
		{"behind", day(2025, 3, 1), []time.Time{day(2026, 10, 13)}},
		{"up to date", day(2026, 10, 13), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assertDates(t, DueRuns(tt, start, tc.last, now, false, 0), tc.want)
		})
	}
}

func TestDueRunsBeforeFirstInterval(t *testing.T) {
	t.Parallel()
	start := day(2025, 1, 1)
	tt := mustParse(t, "@daily", start)
	// The 2025-01-01 interval ends at 2025-01-02 00:00.
	now := start.Add(23 * time.Hour)
	for _, catchup := range []bool{true, false} {
		if got := DueRuns(tt, start, time.Time{}, now, catchup, 0); len(got) != 0 {
			t.Fatalf("catchup=%v: got %v, want none", catchup, got)
		}
	}
	assertDates(t, DueRuns(tt, start, time.Time{}, day(2025, 1, 2), false, 0), []time.Time{start})
}

func TestDueRunsOnceAndNone(t *testing.T) {
	t.Parallel()
	start := day(2025, 1, 1)
	once := mustParse(t, "@once", start)
	assertDates(t, DueRuns(once, start, time.Time{}, start, true, 0), []time.Time{start})
	assertDates(t, DueRuns(once, start, time.Time{}, start.Add(48*time.Hour), false, 0), []time.Time{start})
	assertDates(t, DueRuns(once, start, start, start.Add(48*time.Hour), true, 0), nil)

	none := mustParse(t, "None", start)
	assertDates(t, DueRuns(none, start, time.Time{}, start.Add(48*time.Hour), true, 0), nil)
}

func TestLatestEndedSparse(t *testing.T) {
	t.Parallel()
	start := day(2020, 1, 1)
	tt := mustParse(t, "@yearly", start)
	got, ok := LatestEnded(tt, start, day(2026, 10, 14))
	if !ok || !got.Equal(day(2025, 1, 1)) {
		t.Fatalf("LatestEnded = %s, %v; want 2025-01-01", got, ok)
	}
}

func TestNextTrigger(t *testing.T) {
	t.Parallel()
	start := day(2025, 1, 1)
	daily := mustParse(t, "@daily", start)

	if got := NextTrigger(daily, start, day(2024, 12, 1)); !got.Equal(day(2025, 1, 2)) {
		t.Errorf("before start: %s", got)
	}
	if got := NextTrigger(daily, start, day(2026, 10, 14).Add(time.Hour)); !got.Equal(day(2026, 10, 15)) {
		t.Errorf("running: %s", got)
	}
	once := mustParse(t, "@once", start)
	if got := NextTrigger(once, start, start.Add(time.Hour)); !got.IsZero() {
		t.Errorf("once after start: %s", got)
	}
}

func assertDates(t *testing.T, got, want []time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if !got[i].Equal(want[i]) {
			t.Fatalf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
