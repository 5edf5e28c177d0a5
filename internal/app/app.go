package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"dagd/internal/config"
	"dagd/internal/dagrun"
	"dagd/internal/eventbus"
	"dagd/internal/observability/debugsrv"
	"dagd/internal/runtime/supervisor"
	"dagd/internal/storage"
	"dagd/internal/task/engine"
	"dagd/internal/task/scheduler"
	"dagd/internal/task/scheduler/timetable"
	"dagd/internal/workflow"
	logx "dagd/pkg/logx"
	"dagd/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dags   *workflow.Registry
	engine *engine.Service
	runner *dagrun.Runner
	sched  *scheduler.Service
	debug  *debugsrv.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.Comp("app"))
	fail := func(err error) (*App, error) {
		log.Error("startup failed", logx.Err(err))
		_ = logSvc.Close()
		return nil, err
	}

	// Map every section before opening anything that needs closing.
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()
	store, err := storage.Open(sc, log.With(logx.Comp("storage")))
	if err != nil {
		return fail(err)
	}
	log.Debug("storage opened", logx.String("driver", sc.Driver))

	engineSvc := engine.New(engCfg, log.With(logx.Comp("taskengine")), bus)
	runner := dagrun.New(engineSvc, store, bus, log.With(logx.Comp("dagrun")))
	dags := workflow.NewRegistry()
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), scheduler.Deps{
		Registry: dags,
		Runner:   runner,
		Store:    store,
		Engine:   engineSvc,
		Log:      log.With(logx.Comp("scheduler")),
		Bus:      bus,
	})

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		dags:    dags,
		engine:  engineSvc,
		runner:  runner,
		sched:   schedSvc,
	}
	a.debug = debugsrv.New(debugCfg, log.With(logx.Comp("debug")), func(context.Context) (any, error) {
		return a.Status(), nil
	})
	return a, nil
}

// Status is the scheduler snapshot plus the app's goroutine counters.
type Status struct {
	scheduler.Snapshot
	Goroutines supervisor.Counters `json:"goroutines"`
}

// Status reports what /status serves.
func (a *App) Status() Status {
	// a.sup is set once by Start, before the debug server listens.
	return Status{Snapshot: a.sched.Snapshot(), Goroutines: a.sup.Counters()}
}

// DAGs is the registry main registers definitions with before Start.
func (a *App) DAGs() *workflow.Registry { return a.dags }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		a.warnUnknownDags(cfg)
		return nil
	})
	a.warnUnknownDags(a.cfgm.Get())

	// Tasks outlive the app context so runs can drain during Stop.
	execCtx := context.WithoutCancel(a.sup.Context())
	if a.engine.Enabled() {
		a.engine.Start(execCtx)
	}

	ids := make([]string, 0, a.dags.Len())
	for _, d := range a.dags.List() {
		ids = append(ids, d.ID)
	}
	if n, err := a.runner.Recover(a.sup.Context(), ids); err != nil {
		a.log.Warn("recover interrupted runs failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("interrupted runs marked failed", logx.Int("runs", n))
	}

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.debug.Enabled() {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug server not started", logx.Err(err))
		}
	}

	// Log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e := <-events:
				// Keep this debug-level to avoid noise for frequent schedules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, execCtx, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c)
	})
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status("scheduling %d dags", a.dags.Len())

	a.log.Info("app started", logx.Int("dags", a.dags.Len()), logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

// applyConfig hot-applies logging, engine, scheduler and dag pause changes.
// Storage changes need a restart.
func (a *App) applyConfig(c, execCtx context.Context, prevCfg, newCfg *config.Config) {
	sections, attrs, dagChanged := config.SummarizeConfigChange(prevCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(dagChanged) > 0 {
		a.log.Debug("dag overrides changed", logx.Any("dags", dagChanged))
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("logging sink unavailable", logx.Err(err))
	}

	prevEngEnabled := a.engine.Enabled()
	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(execCtx, engCfg)
		if !prevEngEnabled && engCfg.Enabled {
			a.log.Info("task engine enabled via config")
		} else if prevEngEnabled && !engCfg.Enabled {
			a.log.Info("task engine disabled via config")
		}
	}

	prevSchedEnabled := a.sched.Enabled()
	schedCfg := mapSchedulerConfig(newCfg)
	a.sched.Apply(schedCfg)
	switch {
	case prevSchedEnabled && !schedCfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSchedEnabled && schedCfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if debugCfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else if err := a.debug.Reconfigure(c, debugCfg); err != nil {
		a.log.Warn("debug server reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) warnUnknownDags(cfg *config.Config) {
	if cfg == nil {
		return
	}
	for id := range cfg.Dags {
		if _, ok := a.dags.Get(id); !ok {
			a.log.Warn("config references unknown dag", logx.Dag(id))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel the app context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; log when it does not.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("runs", 5*time.Second, func(c context.Context) error { return a.runner.Wait(c) })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// Runs cut short by the engine stop report through OnDone; let them land.
	step("runs.final", time.Second, func(c context.Context) error { return a.runner.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases storage and log sinks for short-lived commands that never
// call Start.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}

// Describe reports every registered DAG with its last scheduled run and next
// trigger as of now, without starting the scheduler.
func (a *App) Describe(ctx context.Context, now time.Time) ([]scheduler.DagInfo, error) {
	cfg := a.cfgm.Get()
	loc, err := a.location()
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.DagInfo, 0, a.dags.Len())
	for _, d := range a.dags.List() {
		tt, err := d.Timetable(loc)
		if err != nil {
			return nil, err
		}
		info := scheduler.DagInfo{
			ID:       d.ID,
			Schedule: tt.String(),
			Catchup:  d.Catchup,
			Paused:   cfg.Paused(d.ID),
			Tasks:    d.TaskIDs(),
		}
		if last, ok, err := a.store.LatestDagRun(ctx, d.ID, string(dagrun.RunScheduled)); err != nil {
			return nil, err
		} else if ok {
			info.Last = last.LogicalDate
		}
		if !info.Paused {
			info.Next = timetable.NextTrigger(tt, d.StartDate, now)
		}
		out = append(out, info)
	}
	return out, nil
}

// location resolves scheduler.timezone the way the scheduler does, so CLI
// commands see the same logical dates.
func (a *App) location() (*time.Location, error) {
	tz := strings.TrimSpace(a.cfgm.Get().Scheduler.Timezone)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	if tz == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// TestTask runs a single task once in-process.
func (a *App) TestTask(ctx context.Context, dagID, taskID string, logical time.Time) error {
	d, err := a.dags.Lookup(dagID)
	if err != nil {
		return err
	}
	loc, err := a.location()
	if err != nil {
		return err
	}
	return a.runner.TestTask(ctx, d, taskID, logical, loc)
}

// Backfill runs every logical date of dagID in [from, to] through the engine
// and records each run. It starts and stops the engine itself.
func (a *App) Backfill(ctx context.Context, dagID string, from, to time.Time) ([]storage.DagRun, error) {
	d, err := a.dags.Lookup(dagID)
	if err != nil {
		return nil, err
	}
	loc, err := a.location()
	if err != nil {
		return nil, err
	}
	tt, err := d.Timetable(loc)
	if err != nil {
		return nil, err
	}
	if tt.Kind() == timetable.SpecNone {
		return nil, fmt.Errorf("dag %s has no schedule to backfill", dagID)
	}
	if !a.engine.Enabled() {
		return nil, engine.ErrDisabled
	}
	a.engine.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.engine.Stop(stopCtx)
	}()
	return a.runner.Backfill(ctx, d, tt, from, to)
}
