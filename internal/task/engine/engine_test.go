package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"dagd/internal/eventbus"
	logx "dagd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for task result")
		return Result{}
	}
}

func TestEngineRunsTaskAndReportsDone(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(8, "task.")
	defer unsub()

	results := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name: "hello",
		Run: func(ctx context.Context) error {
			if got := AttemptFromContext(ctx); got != 1 {
				t.Errorf("attempt = %d, want 1", got)
			}
			return nil
		},
		OnDone: func(r Result) { results <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r := waitResult(t, results)
	if r.Err != nil || r.Dropped || r.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.ID == "" {
		t.Fatal("expected a generated task id")
	}

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	if types[0] != eventbus.TaskStarted || types[1] != eventbus.TaskFinished {
		t.Fatalf("events = %v", types)
	}
}

func TestEngineRetries(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	results := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("boom")
			}
			return nil
		},
		OnDone: func(r Result) { results <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r := waitResult(t, results)
	if r.Err != nil || r.Attempts != 3 {
		t.Fatalf("result = %+v, want success after 3 attempts", r)
	}
}

func TestEngineNoRetryAndPanic(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 2})

	permanent := errors.New("permanent")
	cases := []struct {
		name     string
		run      func(context.Context) error
		wantErr  error
		attempts int
	}{
		{"no-retry", func(context.Context) error { return NoRetry(permanent) }, permanent, 1},
		{"panic", func(context.Context) error { panic("kaboom") }, nil, 2},
	}
	for _, tc := range cases {
		results := make(chan Result, 1)
		err := s.Enqueue(Task{
			Name:   tc.name,
			Opt:    TaskOptions{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
			Run:    tc.run,
			OnDone: func(r Result) { results <- r },
		})
		if err != nil {
			t.Fatalf("%s: Enqueue: %v", tc.name, err)
		}
		r := waitResult(t, results)
		if r.Err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if tc.wantErr != nil && !errors.Is(r.Err, tc.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tc.name, r.Err, tc.wantErr)
		}
		if r.Attempts != tc.attempts {
			t.Fatalf("%s: attempts = %d, want %d", tc.name, r.Attempts, tc.attempts)
		}
	}
}

func TestEngineTimeout(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})

	results := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(r Result) { results <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r := waitResult(t, results)
	if !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", r.Err)
	}
}

func TestEngineOverlapSkip(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})

	release := make(chan struct{})
	results := make(chan Result, 1)
	task := Task{
		Name:   "exclusive",
		Opt:    TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:    func(context.Context) error { <-release; return nil },
		OnDone: func(r Result) { results <- r },
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitResult(t, results)
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}
	waitResult(t, results)
}

func TestEngineQueueFull(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue queued: %v", err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", got)
	}
}

func TestEngineStopDrainsQueued(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "running", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	results := make(chan Result, 1)
	if err := s.Enqueue(Task{Name: "waiting", Run: func(context.Context) error { return nil }, OnDone: func(r Result) { results <- r }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	r := waitResult(t, results)
	if !r.Dropped || !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("result = %+v, want dropped with ErrStopped", r)
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after stop err = %v, want ErrStopped", err)
	}
}

func TestEngineDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, time.Second},
	}
	for _, tc := range tests {
		// rng nil disables jitter.
		if got := backoffDelay(opt, tc.retry, nil); got != tc.want {
			t.Errorf("backoffDelay(retry=%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("x"), 5*time.Second), nil)
	if hinted != time.Second {
		t.Errorf("retry-after hint should clamp to max delay, got %s", hinted)
	}
}

func TestBackoffDelayConstantWithoutJitter(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	opt := TaskOptions{RetryBase: 3 * time.Second, RetryMaxDelay: 3 * time.Second, RetryJitter: NoJitter}
	for retry := 1; retry <= 5; retry++ {
		if got := backoffDelay(opt, retry, rng); got != 3*time.Second {
			t.Fatalf("backoffDelay(retry=%d) = %s, want 3s", retry, got)
		}
	}
	if got := (TaskOptions{RetryJitter: NoJitter}).withDefaults(Config{}).RetryJitter; got != NoJitter {
		t.Fatalf("withDefaults overwrote NoJitter: %v", got)
	}
	if got := jitterOf(TaskOptions{}); got != 0.2 {
		t.Fatalf("default jitter = %v", got)
	}
}

func TestEngineDropsStaleQueuedTask(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, MaxQueueDelay: 20 * time.Millisecond})
	events, unsub := bus.Subscribe(8, eventbus.TaskDropped)
	defer unsub()

	release := make(chan struct{})
	blocking := make(chan Result, 1)
	if err := s.Enqueue(Task{
		Name:   "slow",
		Run:    func(context.Context) error { <-release; return nil },
		OnDone: func(r Result) { blocking <- r },
	}); err != nil {
		t.Fatal(err)
	}

	var ran atomic.Bool
	stale := make(chan Result, 1)
	if err := s.Enqueue(Task{
		Name:   "late",
		Run:    func(context.Context) error { ran.Store(true); return nil },
		OnDone: func(r Result) { stale <- r },
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	close(release)

	if r := waitResult(t, blocking); r.Err != nil {
		t.Fatalf("slow task: %+v", r)
	}
	r := waitResult(t, stale)
	if !r.Dropped || !errors.Is(r.Err, ErrStale) || r.Attempts != 0 {
		t.Fatalf("stale result = %+v", r)
	}
	if ran.Load() {
		t.Fatal("stale task must not run")
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TaskDropped {
			t.Fatalf("event = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.dropped event")
	}
	if snap := s.Snapshot(); snap.DroppedStale != 1 {
		t.Fatalf("DroppedStale = %d", snap.DroppedStale)
	}
}
