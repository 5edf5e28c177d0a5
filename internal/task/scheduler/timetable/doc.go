// Package timetable turns schedule strings into logical-date sequences.
//
// A logical date d covers the data interval [d, Next(d)). A run for d becomes
// due once that interval has ended, so a daily DAG's 2025-01-01 run fires at
// 2025-01-02 00:00.
package timetable
