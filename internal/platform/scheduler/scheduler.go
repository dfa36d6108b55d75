// Package scheduler runs periodic jobs on a quartz clock with at most one
// run in flight per task.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
)

// ErrAlreadyStarted is returned by Start on a running task.
var ErrAlreadyStarted = errors.New("scheduler: task already started")

// RunFunc is one execution of a task.
type RunFunc func(ctx context.Context) error

// SkipRecorder is notified when a tick is dropped because the previous run
// has not finished.
type SkipRecorder interface {
	IncTickSkipped(task string)
}

// Task fires run every interval. Overlapping ticks are skipped, never queued.
type Task struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      RunFunc
	clock    quartz.Clock
	log      *slog.Logger
	skips    SkipRecorder
	onStart  bool

	running atomic.Bool
	runs    sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Task.
type Option func(*Task)

// WithClock replaces the real clock, mostly with quartz.NewMock in tests.
func WithClock(c quartz.Clock) Option { return func(t *Task) { t.clock = c } }

// WithTimeout bounds a single run. Zero means interval.
func WithTimeout(d time.Duration) Option { return func(t *Task) { t.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(t *Task) { t.log = l } }

func WithSkipRecorder(r SkipRecorder) Option { return func(t *Task) { t.skips = r } }

// WithRunOnStart fires one run immediately when the task starts.
func WithRunOnStart() Option { return func(t *Task) { t.onStart = true } }

// New returns a stopped task.
func New(name string, interval time.Duration, run RunFunc, opts ...Option) *Task {
	t := &Task{
		name:     name,
		interval: interval,
		run:      run,
		clock:    quartz.NewReal(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.timeout <= 0 {
		t.timeout = interval
	}
	t.log = t.log.With(slog.String("task", name))
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Interval returns the tick period.
func (t *Task) Interval() time.Duration { return t.interval }

// Running reports whether a run is currently in flight.
func (t *Task) Running() bool { return t.running.Load() }

// Start begins ticking in the background until Stop or ctx is cancelled.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	ticker := t.clock.NewTicker(t.interval, "scheduler", t.name)
	go func() {
		defer close(done)
		defer ticker.Stop()
		t.loop(ctx, ticker.C)
	}()
	return nil
}

// Stop halts ticking and waits for the in-flight run, if any, to return.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.runs.Wait()
}

// Serve lets a Task run under a suture supervisor.
func (t *Task) Serve(ctx context.Context) error {
	if err := t.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	t.Stop()
	return ctx.Err()
}

func (t *Task) String() string { return t.name }

// TryRun executes the task synchronously unless a run is already in flight.
// It reports whether the run happened.
func (t *Task) TryRun(ctx context.Context) (bool, error) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped()
		return false, nil
	}
	t.runs.Add(1)
	return true, t.execute(ctx)
}

func (t *Task) loop(ctx context.Context, ticks <-chan time.Time) {
	if t.onStart {
		t.fire(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			t.fire(ctx)
		}
	}
}

// fire starts a run unless the task was stopped. select picks randomly
// between a ready tick and a closed ctx, so the stop is re-checked here.
func (t *Task) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		t.skipped()
		return
	}
	t.runs.Add(1)
	go func() { _ = t.execute(ctx) }()
}

// execute must be called with running set and runs incremented. The run
// context survives cancellation of parent so a shutdown does not abort a
// half-finished cycle; only the timeout bounds it.
func (t *Task) execute(parent context.Context) error {
	defer t.runs.Done()
	defer t.running.Store(false)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.timeout)
	defer cancel()

	start := t.clock.Now()
	err := t.run(ctx)
	if err != nil {
		t.log.Error("task run failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", t.clock.Since(start)))
		return err
	}
	t.log.Debug("task run finished", slog.Duration("elapsed", t.clock.Since(start)))
	return nil
}

func (t *Task) skipped() {
	t.log.Warn("tick skipped, previous run still in flight")
	if t.skips != nil {
		t.skips.IncTickSkipped(t.name)
	}
}
