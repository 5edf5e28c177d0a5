package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dagd/internal/dagrun"
	"dagd/internal/eventbus"
	"dagd/internal/storage"
	"dagd/internal/task/engine"
	"dagd/internal/task/scheduler/timetable"
	"dagd/internal/workflow"
	logx "dagd/pkg/logx"
)

const (
	DefaultMaxActiveRuns      = 16
	DefaultDispatchRatePerSec = 10
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled            bool
	Timezone           string // IANA TZ, e.g. "Asia/Jakarta"; empty means UTC
	MaxActiveRuns      int
	DispatchRatePerSec float64
	Paused             map[string]bool
}

func (c Config) withDefaults() Config {
	if c.MaxActiveRuns <= 0 {
		c.MaxActiveRuns = DefaultMaxActiveRuns
	}
	if c.DispatchRatePerSec <= 0 {
		c.DispatchRatePerSec = DefaultDispatchRatePerSec
	}
	return c
}

// Re-exported from timetable so callers need a single import.
type Timetable = timetable.Timetable

var (
	ParseTimetable = timetable.Parse
	DueRuns        = timetable.DueRuns
)

// Starter is the part of the run coordinator the scheduler drives.
type Starter interface {
	Start(ctx context.Context, dag *workflow.DAG, typ dagrun.RunType, logical, end time.Time) (storage.DagRun, error)
	ActiveRuns(dagID string) int
}

// Deps are the collaborators of the scheduler. Store and Engine may be nil.
type Deps struct {
	Registry *workflow.Registry
	Runner   Starter
	Store    storage.Store
	Engine   *engine.Service
	Log      logx.Logger
	Bus      eventbus.Bus
}

type dagDef struct {
	dag *workflow.DAG
	tt  timetable.Timetable

	// mu serializes dispatch for this DAG; last is the newest scheduled
	// logical date handed to the runner.
	mu   sync.Mutex
	last time.Time
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	bus     eventbus.Bus
	reg     *workflow.Registry
	runner  Starter
	store   storage.Store
	engine  *engine.Service
	limiter *rate.Limiter
	now     func() time.Time

	c      *cron.Cron
	defs   map[string]*dagDef
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Dispatch error throttling: key is dag id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type DagInfo struct {
	ID         string
	Schedule   string
	Catchup    bool
	Paused     bool
	Tasks      []string
	Last       time.Time
	Next       time.Time
	ActiveRuns int
}

type Snapshot struct {
	Enabled       bool
	Timezone      string
	MaxActiveRuns int
	Dags          []DagInfo

	// Executor diagnostics (task engine).
	Engine engine.Snapshot
}
