package dagrun

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRunExists = errors.New("dag run already exists")
	ErrNoEngine  = errors.New("task engine unavailable")

	errInterrupted = errors.New("interrupted by process exit")
)

// RunType says what created a run.
type RunType string

const (
	RunScheduled RunType = "scheduled"
	RunManual    RunType = "manual"
	RunBackfill  RunType = "backfill"
)

// Run states.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateSuccess = "success"
	StateFailed  = "failed"
	// StateSkipped is only used for task instances.
	StateSkipped = "skipped"
)

// RunID builds the run id for a run type and logical date,
// e.g. scheduled__2025-01-01T00:00:00Z.
func RunID(t RunType, logical time.Time) string {
	return fmt.Sprintf("%s__%s", t, logical.UTC().Format(time.RFC3339))
}

// ParseRunID splits a run id built by RunID.
func ParseRunID(id string) (RunType, time.Time, error) {
	typ, date, ok := strings.Cut(id, "__")
	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid run id %q", id)
	}
	ts, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	return RunType(typ), ts, nil
}

// Finished reports whether state is terminal.
func Finished(state string) bool {
	return state == StateSuccess || state == StateFailed || state == StateSkipped
}

// Event is the payload of dagrun.* bus events.
type Event struct {
	DagID       string        `json:"dag_id"`
	RunID       string        `json:"run_id"`
	RunType     RunType       `json:"run_type"`
	LogicalDate time.Time     `json:"logical_date"`
	State       string        `json:"state"`
	Duration    time.Duration `json:"duration,omitempty"`
}
