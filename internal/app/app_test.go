package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dagd/internal/config"
	"dagd/internal/eventbus"
	"dagd/internal/workflow"
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := New(writeConfig(t, body))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func testDAG(t *testing.T, id string, calls *atomic.Int32) *workflow.DAG {
	t.Helper()
	d, err := workflow.New(id, workflow.Options{StartDate: start, Schedule: "@daily"})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Add(workflow.Func("count", func() { calls.Add(1) })); err != nil {
		t.Fatal(err)
	}
	return d
}

const quietConfig = `
logging:
  level: error
  console: false
`

func TestDescribeAndTestTask(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig+`
dags:
  paused_dag:
    paused: true
`)
	defer a.Close()
	var calls atomic.Int32
	if err := a.DAGs().Register(testDAG(t, "active_dag", &calls), testDAG(t, "paused_dag", &calls)); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	infos, err := a.Describe(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].ID != "active_dag" || infos[1].ID != "paused_dag" {
		t.Fatalf("infos = %+v", infos)
	}
	if !infos[0].Next.Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)) || infos[0].Paused {
		t.Fatalf("active = %+v", infos[0])
	}
	if !infos[1].Paused || !infos[1].Next.IsZero() {
		t.Fatalf("paused = %+v", infos[1])
	}

	if err := a.TestTask(context.Background(), "active_dag", "count", start); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if err := a.TestTask(context.Background(), "missing", "count", start); !errors.Is(err, workflow.ErrUnknownDAG) {
		t.Fatalf("err = %v", err)
	}
}

func TestBackfillRecordsRuns(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig)
	defer a.Close()
	var calls atomic.Int32
	if err := a.DAGs().Register(testDAG(t, "d", &calls)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs, err := a.Backfill(ctx, "d", start, start.Add(2*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || calls.Load() != 3 {
		t.Fatalf("runs = %d calls = %d", len(runs), calls.Load())
	}
	for _, r := range runs {
		if r.State != "success" {
			t.Fatalf("run %s state = %s", r.RunID, r.State)
		}
	}
}

func TestBackfillUsesSchedulerTimezone(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig+`
scheduler:
  timezone: Asia/Jakarta
`)
	defer a.Close()
	var calls atomic.Int32
	if err := a.DAGs().Register(testDAG(t, "d", &calls)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs, err := a.Backfill(ctx, "d", start, start.Add(2*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	// @daily fires at local midnight, 17:00 UTC the previous day.
	want := []string{"backfill__2025-01-01T17:00:00Z", "backfill__2025-01-02T17:00:00Z"}
	if len(runs) != len(want) {
		t.Fatalf("runs = %+v", runs)
	}
	for i, r := range runs {
		if r.RunID != want[i] {
			t.Errorf("run %d = %s, want %s", i, r.RunID, want[i])
		}
	}
}

func TestStartSchedulesLatestInterval(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig+`
storage:
  driver: memory
`)
	var calls atomic.Int32
	if err := a.DAGs().Register(testDAG(t, "d", &calls)); err != nil {
		t.Fatal(err)
	}
	finished, unsub := a.bus.Subscribe(4, eventbus.DagRunFinished)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("no run finished after start")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want one run without catchup", calls.Load())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
}

func TestMapConfig(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig+`
scheduler:
  timezone: Asia/Jakarta
  max_active_runs: 4
task_engine:
  workers: 3
  default_timeout: 30s
dags:
  x:
    paused: true
`)
	defer a.Close()
	cfg := a.cfgm.Get()

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !ec.Enabled || ec.Workers != 3 || ec.DefaultTimeout != 30*time.Second || ec.RetryMax != 0 {
		t.Fatalf("engine config = %+v", ec)
	}
	sc := mapSchedulerConfig(cfg)
	if !sc.Enabled || sc.Timezone != "Asia/Jakarta" || sc.MaxActiveRuns != 4 || !sc.Paused["x"] {
		t.Fatalf("scheduler config = %+v", sc)
	}
	st, err := mapStorageConfig(cfg)
	if err != nil || st.Driver != "memory" {
		t.Fatalf("storage config = %+v, %v", st, err)
	}
}

func TestMapDebugConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"defaults", "", false},
		{"loopback", "debug:\n  enabled: true\n  addr: 127.0.0.1:7070\n", false},
		{"public with token", "debug:\n  enabled: true\n  addr: 0.0.0.0:7070\n  token: abc\n", false},
		{"public without token", "debug:\n  enabled: true\n  addr: 0.0.0.0:7070\n", true},
		{"bad addr", "debug:\n  enabled: true\n  addr: nope\n", true},
		{"bad duration", "debug:\n  read_timeout: soon\n", true},
		{"negative rate", "debug:\n  block_profile_rate: -1\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, quietConfig+tt.body)
			cfg, err := config.NewConfigManager(path).Parse()
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			dc, err := mapDebugConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (dc.Addr == "" || dc.Prefix != "/debug/pprof/") {
				t.Fatalf("config = %+v", dc)
			}

			a, err := New(path)
			if tt.wantErr {
				if err == nil {
					_ = a.Close()
					t.Fatal("New accepted an invalid debug section")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_ = a.Close()
		})
	}
}

func TestNewFailsBeforeOpeningStorage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "dagd.log")
	dbPath := filepath.Join(dir, "runs.db")
	path := writeConfig(t, `
logging:
  level: error
  console: false
  file:
    enabled: true
    path: `+logPath+`
storage:
  driver: sqlite
  path: `+dbPath+`
debug:
  enabled: true
  addr: 0.0.0.0:7070
`)
	if _, err := New(path); err == nil {
		t.Fatal("New accepted a public debug addr without token")
	}
	if _, err := os.Stat(dbPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("storage opened before config was validated: %v", err)
	}
	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "startup failed") {
		t.Fatalf("log = %q", b)
	}
}

func TestDebugStatusServesSnapshot(t *testing.T) {
	a := newTestApp(t, quietConfig+`
debug:
  enabled: true
  addr: 127.0.0.1:0
`)
	var calls atomic.Int32
	if err := a.DAGs().Register(testDAG(t, "status_dag", &calls)); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})

	addr := a.debug.Addr()
	if addr == "" {
		t.Fatal("debug server not listening")
	}
	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap struct {
		Enabled    bool
		Dags       []struct{ ID string }
		Goroutines struct{ Active, Started int64 }
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Enabled || len(snap.Dags) != 1 || snap.Dags[0].ID != "status_dag" {
		t.Fatalf("status = %+v", snap)
	}
	// eventbus.log and config.reload at least.
	if snap.Goroutines.Active < 2 || snap.Goroutines.Started < snap.Goroutines.Active {
		t.Fatalf("goroutines = %+v", snap.Goroutines)
	}
}
