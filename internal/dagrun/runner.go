package dagrun

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"dagd/internal/eventbus"
	"dagd/internal/storage"
	"dagd/internal/task/engine"
	"dagd/internal/task/scheduler/timetable"
	"dagd/internal/workflow"
	logx "dagd/pkg/logx"
)

// Submitter is the part of the task engine the runner uses.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Runner creates DAG runs and drives their task instances through the
// engine. Tasks of one run are independent and may run concurrently.
type Runner struct {
	eng   Submitter
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	// mu serializes run creation so Start stays idempotent per run id.
	mu     sync.Mutex
	active map[string]map[string]*activeRun // dag id -> run id

	wg sync.WaitGroup
}

type activeRun struct {
	mu        sync.Mutex
	rec       storage.DagRun
	remaining int
	failed    bool
	done      chan struct{}
}

func New(eng Submitter, store storage.Store, bus eventbus.Bus, log logx.Logger) *Runner {
	if store == nil {
		store = storage.NewMemory()
	}
	return &Runner{
		eng:    eng,
		store:  store,
		bus:    bus,
		log:    log,
		now:    time.Now,
		active: map[string]map[string]*activeRun{},
	}
}

// Store returns the run store.
func (r *Runner) Store() storage.Store { return r.store }

// ActiveRuns returns the number of unfinished runs of dagID started by this
// runner.
func (r *Runner) ActiveRuns(dagID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[dagID])
}

// Start records a new run for logical and submits every task of dag. It
// returns once the tasks are queued; the run finishes in the background.
// end is the data interval end; a zero end is treated as logical.
func (r *Runner) Start(ctx context.Context, dag *workflow.DAG, typ RunType, logical, end time.Time) (storage.DagRun, error) {
	ar, err := r.start(ctx, dag, typ, logical, end)
	if err != nil {
		return storage.DagRun{}, err
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.rec, nil
}

// Run is Start followed by waiting for the run to finish.
func (r *Runner) Run(ctx context.Context, dag *workflow.DAG, typ RunType, logical, end time.Time) (storage.DagRun, error) {
	ar, err := r.start(ctx, dag, typ, logical, end)
	if err != nil {
		return storage.DagRun{}, err
	}
	select {
	case <-ar.done:
	case <-ctx.Done():
		return storage.DagRun{}, ctx.Err()
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.rec, nil
}

// Wait blocks until every run started by r has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) start(ctx context.Context, dag *workflow.DAG, typ RunType, logical, end time.Time) (*activeRun, error) {
	if dag == nil {
		return nil, errors.New("nil dag")
	}
	if r.eng == nil {
		return nil, ErrNoEngine
	}
	if end.IsZero() {
		end = logical
	}
	runID := RunID(typ, logical)
	tasks := dag.Tasks()
	now := r.now()

	if r.isActive(dag.ID, runID) {
		return nil, fmt.Errorf("%w: %s %s", ErrRunExists, dag.ID, runID)
	}
	if _, ok, err := r.store.GetDagRun(ctx, dag.ID, runID); err != nil {
		return nil, fmt.Errorf("lookup run: %w", err)
	} else if ok {
		return nil, fmt.Errorf("%w: %s %s", ErrRunExists, dag.ID, runID)
	}

	// Claim the run id before recording it; store I/O stays outside mu.
	ar := &activeRun{remaining: len(tasks), done: make(chan struct{})}
	r.mu.Lock()
	if _, ok := r.active[dag.ID][runID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrRunExists, dag.ID, runID)
	}
	if r.active[dag.ID] == nil {
		r.active[dag.ID] = map[string]*activeRun{}
	}
	r.active[dag.ID][runID] = ar
	r.mu.Unlock()

	rec := storage.DagRun{
		DagID:       dag.ID,
		RunID:       runID,
		RunType:     string(typ),
		LogicalDate: logical.UTC(),
		IntervalEnd: end.UTC(),
		State:       StateRunning,
		StartedAt:   now,
	}
	ar.mu.Lock()
	ar.rec = rec
	ar.mu.Unlock()
	r.wg.Add(1)
	if err := r.store.PutDagRun(ctx, rec); err != nil {
		r.release(dag.ID, runID)
		r.wg.Done()
		return nil, fmt.Errorf("record run: %w", err)
	}

	r.log.Info("dag run started", logx.Dag(dag.ID), logx.RunID(runID), logx.Int("tasks", len(tasks)))
	r.publish(eventbus.DagRunStarted, now, rec, 0)

	if len(tasks) == 0 {
		r.finish(dag.ID, ar)
		return ar, nil
	}

	for _, op := range tasks {
		ti := storage.TaskInstance{DagID: dag.ID, RunID: runID, TaskID: op.ID(), State: StateQueued}
		r.putTask(ti)

		if err := ctx.Err(); err != nil {
			ti.State = StateSkipped
			ti.Error = err.Error()
			ti.EndedAt = r.now()
			r.putTask(ti)
			r.taskReported(dag.ID, ar, false)
			continue
		}

		err := r.eng.Submit(ctx, r.engineTask(dag, ar, op, rec))
		if err != nil {
			r.log.Warn("task submit failed", logx.Dag(dag.ID), logx.RunID(runID), logx.Task(op.ID()), logx.Err(err))
			ti.State = StateFailed
			ti.Error = err.Error()
			ti.EndedAt = r.now()
			r.putTask(ti)
			r.taskReported(dag.ID, ar, false)
		}
	}
	return ar, nil
}

func (r *Runner) engineTask(dag *workflow.DAG, ar *activeRun, op workflow.Operator, rec storage.DagRun) engine.Task {
	opts := workflow.OptionsOf(op)
	taskID := op.ID()
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = workflow.DefaultRetryDelay
	}
	ti := storage.TaskInstance{DagID: dag.ID, RunID: rec.RunID, TaskID: taskID}

	var startedAt time.Time
	return engine.Task{
		ID:      rec.RunID + "/" + taskID,
		Name:    dag.ID + "." + taskID,
		Timeout: opts.Timeout,
		Opt: engine.TaskOptions{
			Overlap:  engine.OverlapAllow,
			RetryMax: opts.Retries,
			// Every retry waits exactly RetryDelay.
			RetryBase:     retryDelay,
			RetryMaxDelay: retryDelay,
			RetryJitter:   engine.NoJitter,
		},
		Run: func(ctx context.Context) error {
			try := engine.AttemptFromContext(ctx)
			if startedAt.IsZero() {
				startedAt = r.now()
			}
			running := ti
			running.State = StateRunning
			running.TryNumber = try
			running.StartedAt = startedAt
			r.putTask(running)

			ctx = workflow.WithRunInfo(ctx, workflow.RunInfo{
				DagID:       dag.ID,
				TaskID:      taskID,
				RunID:       rec.RunID,
				LogicalDate: rec.LogicalDate,
				IntervalEnd: rec.IntervalEnd,
				TryNumber:   try,
			})
			return op.Execute(ctx)
		},
		OnDone: func(res engine.Result) {
			final := ti
			final.TryNumber = res.Attempts
			final.StartedAt = res.Started
			final.EndedAt = res.Ended
			final.State = StateSuccess
			if res.Err != nil {
				final.State = StateFailed
				final.Error = res.Err.Error()
			}
			r.putTask(final)
			r.taskReported(dag.ID, ar, res.Err == nil)
		},
	}
}

func (r *Runner) taskReported(dagID string, ar *activeRun, ok bool) {
	ar.mu.Lock()
	if !ok {
		ar.failed = true
	}
	ar.remaining--
	last := ar.remaining == 0
	ar.mu.Unlock()
	if last {
		r.finish(dagID, ar)
	}
}

func (r *Runner) finish(dagID string, ar *activeRun) {
	ar.mu.Lock()
	ar.rec.EndedAt = r.now()
	ar.rec.State = StateSuccess
	if ar.failed {
		ar.rec.State = StateFailed
	}
	rec := ar.rec
	ar.mu.Unlock()

	// The run context may be gone by now; the record must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.store.PutDagRun(ctx, rec); err != nil {
		r.log.Error("record run result failed", logx.Dag(dagID), logx.RunID(rec.RunID), logx.Err(err))
	}
	cancel()

	dur := rec.EndedAt.Sub(rec.StartedAt)
	r.log.Info("dag run finished", logx.Dag(dagID), logx.RunID(rec.RunID), logx.String("state", rec.State), logx.Duration("dur", dur))
	r.publish(eventbus.DagRunFinished, rec.EndedAt, rec, dur)

	r.release(dagID, rec.RunID)
	close(ar.done)
	r.wg.Done()
}

func (r *Runner) putTask(ti storage.TaskInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.PutTaskInstance(ctx, ti); err != nil {
		r.log.Error("record task instance failed", logx.Dag(ti.DagID), logx.RunID(ti.RunID), logx.Task(ti.TaskID), logx.Err(err))
	}
}

func (r *Runner) publish(typ string, at time.Time, rec storage.DagRun, dur time.Duration) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: Event{
		DagID:       rec.DagID,
		RunID:       rec.RunID,
		RunType:     RunType(rec.RunType),
		LogicalDate: rec.LogicalDate,
		State:       rec.State,
		Duration:    dur,
	}})
}

// TestTask executes one task of dag in-process, once, without recording
// anything and without the engine. loc is the schedule timezone (nil: UTC).
func (r *Runner) TestTask(ctx context.Context, dag *workflow.DAG, taskID string, logical time.Time, loc *time.Location) (err error) {
	op, ok := dag.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s.%s", workflow.ErrUnknownTask, dag.ID, taskID)
	}
	if loc == nil {
		loc = time.UTC
	}
	end := logical
	if tt, terr := dag.Timetable(loc); terr == nil {
		if e := tt.IntervalEnd(logical); !e.IsZero() {
			end = e
		}
	}
	if t := workflow.OptionsOf(op).Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	ctx = workflow.WithRunInfo(ctx, workflow.RunInfo{
		DagID:       dag.ID,
		TaskID:      taskID,
		RunID:       RunID(RunManual, logical),
		LogicalDate: logical.UTC(),
		IntervalEnd: end.UTC(),
		TryNumber:   1,
	})
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("task.panic", logx.Task(taskID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return op.Execute(ctx)
}

// Backfill runs every logical date of tt in [from, to] one after another.
// Dates that already have a backfill run are skipped.
func (r *Runner) Backfill(ctx context.Context, dag *workflow.DAG, tt timetable.Timetable, from, to time.Time) ([]storage.DagRun, error) {
	if from.Before(dag.StartDate) {
		from = dag.StartDate
	}
	var out []storage.DagRun
	for d := timetable.First(tt, from); !d.IsZero() && !d.After(to); d = tt.Next(d) {
		rec, err := r.Run(ctx, dag, RunBackfill, d, tt.IntervalEnd(d))
		if errors.Is(err, ErrRunExists) {
			r.log.Info("backfill date already recorded", logx.Dag(dag.ID), logx.Time("logical_date", d))
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Recover marks runs left unfinished by a previous process as failed.
func (r *Runner) Recover(ctx context.Context, dagIDs []string) (int, error) {
	n := 0
	for _, id := range dagIDs {
		runs, err := r.store.ListDagRuns(ctx, id, 0)
		if err != nil {
			return n, err
		}
		for _, run := range runs {
			if Finished(run.State) || r.isActive(id, run.RunID) {
				continue
			}
			now := r.now()
			tis, err := r.store.ListTaskInstances(ctx, id, run.RunID)
			if err != nil {
				return n, err
			}
			for _, ti := range tis {
				if Finished(ti.State) {
					continue
				}
				ti.State = StateFailed
				ti.EndedAt = now
				ti.Error = errInterrupted.Error()
				if err := r.store.PutTaskInstance(ctx, ti); err != nil {
					return n, err
				}
			}
			run.State = StateFailed
			run.EndedAt = now
			if err := r.store.PutDagRun(ctx, run); err != nil {
				return n, err
			}
			n++
			r.log.Warn("marked interrupted run failed", logx.Dag(id), logx.RunID(run.RunID))
		}
	}
	return n, nil
}

func (r *Runner) release(dagID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active[dagID], runID)
	if len(r.active[dagID]) == 0 {
		delete(r.active, dagID)
	}
}

func (r *Runner) isActive(dagID, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[dagID][runID]
	return ok
}
