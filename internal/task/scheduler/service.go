package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dagd/internal/dagrun"
	"dagd/internal/eventbus"
	"dagd/internal/task/scheduler/timetable"
	logx "dagd/pkg/logx"
)

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		bus:         deps.Bus,
		reg:         deps.Registry,
		runner:      deps.Runner,
		store:       deps.Store,
		engine:      deps.Engine,
		limiter:     rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), burstFor(cfg.DispatchRatePerSec)),
		now:         time.Now,
		defs:        map[string]*dagDef{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func burstFor(r float64) int {
	return max(1, int(r))
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the configuration. A timezone change restarts the cron engine;
// DAGs that became unpaused are dispatched right away.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.DispatchRatePerSec))
	s.limiter.SetBurst(burstFor(cfg.DispatchRatePerSec))
	running := s.c != nil
	if running && strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
	s.mu.Unlock()

	if !running || !cfg.Enabled {
		return
	}
	for id := range prev.Paused {
		if prev.Paused[id] && !cfg.Paused[id] {
			s.log.Info("dag unpaused", logx.Dag(id))
			go s.dispatchDAG(id)
		}
	}
	if !prev.Enabled {
		go s.Tick(s.now())
	}
}

// Start registers every DAG of the registry with a fresh cron engine,
// dispatches whatever is already due, and follows run completions.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	n := len(s.defs)
	loc := s.loc
	s.mu.Unlock()

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64, eventbus.DagRunFinished)
		s.wg.Add(1)
		go s.followRuns(s.ctx, ch, unsub)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(s.now())
	}()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("dags", n))
}

// Stop stops cron triggering and waits (bounded by ctx) for in-progress
// dispatches to return. Runs already started keep going in the engine.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() {
	loc := loadLocation(s.cfg.Timezone, s.log)
	s.loc = loc
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)

	prev := s.defs
	s.defs = map[string]*dagDef{}
	if s.reg != nil {
		for _, dag := range s.reg.List() {
			tt, err := dag.Timetable(loc)
			if err != nil {
				s.log.Error("dag schedule invalid", logx.Dag(dag.ID), logx.String("schedule", dag.Schedule), logx.Err(err))
				continue
			}
			def := &dagDef{dag: dag, tt: tt}
			if old := prev[dag.ID]; old != nil {
				old.mu.Lock()
				def.last = old.last
				old.mu.Unlock()
			} else {
				def.last = s.loadCursor(dag.ID)
			}
			if tt.Kind() != timetable.SpecNone {
				id := dag.ID
				s.c.Schedule(triggerSchedule{tt: tt, start: dag.StartDate}, cron.FuncJob(func() { s.dispatchDAG(id) }))
			}
			s.defs[dag.ID] = def
			s.log.Debug("dag registered", logx.Dag(dag.ID), logx.String("schedule", tt.String()), logx.Time("last", def.last))
		}
	}
	s.c.Start()
}

// restartLocked rebuilds the cron engine, e.g. after a timezone change.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadCursor(dagID string) time.Time {
	if s.store == nil {
		return time.Time{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, ok, err := s.store.LatestDagRun(ctx, dagID, string(dagrun.RunScheduled))
	if err != nil {
		s.log.Warn("load last run failed", logx.Dag(dagID), logx.Err(err))
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	return run.LogicalDate
}

func (s *Service) followRuns(ctx context.Context, ch <-chan eventbus.Event, unsub func()) {
	defer s.wg.Done()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			// A finished run frees a max_active_runs slot.
			if ev, ok := e.Data.(dagrun.Event); ok {
				s.dispatchDAG(ev.DagID)
			}
		}
	}
}

// Tick dispatches the due runs of every DAG as of now.
func (s *Service) Tick(now time.Time) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.dispatchAt(id, now)
	}
}

func (s *Service) dispatchDAG(id string) { s.dispatchAt(id, s.now()) }

func (s *Service) dispatchAt(id string, now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	def := s.defs[id]
	ctx := s.ctx
	s.mu.Unlock()

	if def == nil || ctx == nil || !cfg.Enabled || s.runner == nil {
		return
	}
	if cfg.Paused[id] {
		s.log.Debug("dag paused; dispatch skipped", logx.Dag(id))
		return
	}

	def.mu.Lock()
	defer def.mu.Unlock()

	slots := cfg.MaxActiveRuns - s.runner.ActiveRuns(id)
	if slots <= 0 {
		s.log.Debug("max active runs reached", logx.Dag(id), logx.Int("max_active_runs", cfg.MaxActiveRuns))
		return
	}
	dag := def.dag
	due := timetable.DueRuns(def.tt, dag.StartDate, def.last, now, dag.Catchup, slots)
	for _, d := range due {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		_, err := s.runner.Start(ctx, dag, dagrun.RunScheduled, d, def.tt.IntervalEnd(d))
		if err != nil && !errors.Is(err, dagrun.ErrRunExists) {
			s.reportDispatchError(id, err)
			return
		}
		def.last = d
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC
	}
	if tz == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// triggerSchedule fires at the end of each data interval.
type triggerSchedule struct {
	tt    timetable.Timetable
	start time.Time
}

func (t triggerSchedule) Next(now time.Time) time.Time {
	return timetable.NextTrigger(t.tt, t.start, now)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron."+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron."+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
