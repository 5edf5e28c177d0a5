package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dagd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) PutDagRun(ctx context.Context, r DagRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dag_run(dag_id, run_id, run_type, logical_date, interval_end, state, started_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(dag_id, run_id) DO UPDATE SET
		   run_type=excluded.run_type, logical_date=excluded.logical_date, interval_end=excluded.interval_end,
		   state=excluded.state, started_at=excluded.started_at, ended_at=excluded.ended_at`,
		r.DagID, r.RunID, r.RunType, r.LogicalDate.UnixMilli(), r.IntervalEnd.UnixMilli(),
		r.State, nullMillis(r.StartedAt), nullMillis(r.EndedAt),
	)
	return err
}

const dagRunCols = `dag_id, run_id, run_type, logical_date, interval_end, state, started_at, ended_at`

func scanDagRun(row interface{ Scan(...any) error }) (DagRun, error) {
	var (
		r                 DagRun
		logical, end      int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(&r.DagID, &r.RunID, &r.RunType, &logical, &end, &r.State, &started, &finished); err != nil {
		return DagRun{}, err
	}
	r.LogicalDate = time.UnixMilli(logical).UTC()
	r.IntervalEnd = time.UnixMilli(end).UTC()
	r.StartedAt = fromMillis(started)
	r.EndedAt = fromMillis(finished)
	return r, nil
}

func (s *sqliteStore) GetDagRun(ctx context.Context, dagID, runID string) (DagRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dagRunCols+` FROM dag_run WHERE dag_id = ? AND run_id = ?`, dagID, runID)
	r, err := scanDagRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DagRun{}, false, nil
	}
	if err != nil {
		return DagRun{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) LatestDagRun(ctx context.Context, dagID, runType string) (DagRun, bool, error) {
	q := `SELECT ` + dagRunCols + ` FROM dag_run WHERE dag_id = ?`
	args := []any{dagID}
	if runType != "" {
		q += ` AND run_type = ?`
		args = append(args, runType)
	}
	q += ` ORDER BY logical_date DESC LIMIT 1`
	r, err := scanDagRun(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return DagRun{}, false, nil
	}
	if err != nil {
		return DagRun{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) ListDagRuns(ctx context.Context, dagID string, limit int) ([]DagRun, error) {
	q := `SELECT ` + dagRunCols + ` FROM dag_run WHERE dag_id = ? ORDER BY logical_date DESC, run_id DESC`
	args := []any{dagID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DagRun
	for rows.Next() {
		r, err := scanDagRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTaskInstance(ctx context.Context, ti TaskInstance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_instance(dag_id, run_id, task_id, state, try_number, started_at, ended_at, err)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(dag_id, run_id, task_id) DO UPDATE SET
		   state=excluded.state, try_number=excluded.try_number, started_at=excluded.started_at,
		   ended_at=excluded.ended_at, err=excluded.err`,
		ti.DagID, ti.RunID, ti.TaskID, ti.State, ti.TryNumber,
		nullMillis(ti.StartedAt), nullMillis(ti.EndedAt), nullStr(ti.Error),
	)
	return err
}

func (s *sqliteStore) ListTaskInstances(ctx context.Context, dagID, runID string) ([]TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dag_id, run_id, task_id, state, try_number, started_at, ended_at, err
		 FROM task_instance WHERE dag_id = ? AND run_id = ? ORDER BY task_id`, dagID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskInstance
	for rows.Next() {
		var (
			ti                TaskInstance
			started, finished sql.NullInt64
			msg               sql.NullString
		)
		if err := rows.Scan(&ti.DagID, &ti.RunID, &ti.TaskID, &ti.State, &ti.TryNumber, &started, &finished, &msg); err != nil {
			return nil, err
		}
		ti.StartedAt = fromMillis(started)
		ti.EndedAt = fromMillis(finished)
		ti.Error = msg.String
		out = append(out, ti)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
