package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (or "", "none"): in-memory only
//   - "file": jsonl journals under Path's directory
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DagRun is one execution of a DAG for a logical date.
type DagRun struct {
	DagID       string    `json:"dag_id"`
	RunID       string    `json:"run_id"`
	RunType     string    `json:"run_type"`
	LogicalDate time.Time `json:"logical_date"`
	IntervalEnd time.Time `json:"interval_end"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// TaskInstance is one task of one DagRun.
type TaskInstance struct {
	DagID     string    `json:"dag_id"`
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	State     string    `json:"state"`
	TryNumber int       `json:"try_number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Error     string    `json:"error,omitempty"`
}

// Store is the persistence API used by the run coordinator and scheduler.
//
// Put* calls are upserts keyed by (dag, run) and (dag, run, task).
type Store interface {
	PutDagRun(ctx context.Context, r DagRun) error
	GetDagRun(ctx context.Context, dagID, runID string) (DagRun, bool, error)
	// LatestDagRun returns the run with the greatest logical date.
	// runType filters by type; empty matches every type.
	LatestDagRun(ctx context.Context, dagID, runType string) (DagRun, bool, error)
	// ListDagRuns returns runs newest logical date first. limit <= 0 means all.
	ListDagRuns(ctx context.Context, dagID string, limit int) ([]DagRun, error)

	PutTaskInstance(ctx context.Context, ti TaskInstance) error
	ListTaskInstances(ctx context.Context, dagID, runID string) ([]TaskInstance, error)

	Close() error
}
