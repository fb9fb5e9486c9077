// Package registry keeps the in-memory set of armed tasks and dispatches
// them to the executor when their next-run instant elapses.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tubewatch/internal/schedule"
	"tubewatch/internal/storage"
	"tubewatch/pkg/logx"
)

// Store is the persistence surface the registry needs.
type Store interface {
	GetScheduledTask(ctx context.Context, id string) (*storage.ScheduledTask, error)
	UpdateScheduledTaskNextRun(ctx context.Context, id string, nextRun time.Time) error
}

// Runner executes one occurrence of a task.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

type Options struct {
	// TickEvery is the scan cadence of the dispatch loop.
	TickEvery time.Duration
	// Workers bounds concurrent executions across all tasks.
	Workers int
	// QueueSize bounds due tasks waiting for a worker.
	QueueSize int
}

type entry struct {
	spec    schedule.Spec
	nextRun time.Time
	// inFlight gates overlap: a task never runs concurrently with itself.
	// The due instant that elapses while a run is active is simply absorbed.
	inFlight bool
}

type Registry struct {
	store  Store
	runner Runner
	calc   *schedule.Calculator
	opts   Options
	log    logx.Logger

	mu      sync.Mutex
	entries map[string]*entry

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

func New(store Store, runner Runner, calc *schedule.Calculator, opts Options, log logx.Logger) *Registry {
	if opts.TickEvery <= 0 {
		opts.TickEvery = time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Registry{
		store:   store,
		runner:  runner,
		calc:    calc,
		opts:    opts,
		log:     log.With(logx.String("component", "registry")),
		entries: make(map[string]*entry),
		queue:   make(chan string, opts.QueueSize),
		now:     time.Now,
	}
}

// Arm registers a task for dispatch. Arming an already armed task replaces
// its entry, so repeated Arm calls never produce duplicate firings.
func (r *Registry) Arm(t *storage.ScheduledTask) error {
	spec, err := SpecOf(t)
	if err != nil {
		return err
	}
	nextRun := t.NextRun
	if nextRun.IsZero() {
		nextRun, err = r.calc.NextRun(spec, r.now())
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.entries[t.ID] = &entry{spec: spec, nextRun: nextRun}
	r.mu.Unlock()

	r.log.Debug("task armed",
		logx.String("task", t.ID),
		logx.String("kind", string(spec.Kind)),
		logx.Time("next_run", nextRun))
	return nil
}

// Disarm removes a task from dispatch. An execution already in flight is not
// interrupted; its completion just no longer re-arms anything.
func (r *Registry) Disarm(taskID string) {
	r.mu.Lock()
	_, ok := r.entries[taskID]
	delete(r.entries, taskID)
	r.mu.Unlock()
	if ok {
		r.log.Debug("task disarmed", logx.String("task", taskID))
	}
}

// Armed reports whether the task currently has an entry.
func (r *Registry) Armed(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[taskID]
	return ok
}

// Len returns the number of armed tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Start launches the dispatch loop and workers. It returns immediately;
// Stop waits for in-flight executions to drain.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.TickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.dispatchDue(ctx)
			}
		}
	}()

	r.log.Info("registry started",
		logx.Int("workers", r.opts.Workers),
		logx.Duration("tick", r.opts.TickEvery))
}

func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
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

// dispatchDue enqueues every due, idle task. A full queue is not an error:
// the entry stays due and the next tick retries.
func (r *Registry) dispatchDue(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var due []string
	for id, e := range r.entries {
		if e.inFlight || e.nextRun.After(now) {
			continue
		}
		e.inFlight = true
		due = append(due, id)
	}
	r.mu.Unlock()

	for _, id := range due {
		select {
		case r.queue <- id:
		case <-ctx.Done():
			r.clearInFlight(id)
			return
		default:
			r.log.Warn("dispatch queue full, deferring task", logx.String("task", id))
			r.clearInFlight(id)
		}
	}
}

func (r *Registry) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.execute(ctx, id)
		}
	}
}

// execute runs one due task and re-arms it afterwards. The active flag is
// re-read first so a task deactivated after dispatch is dropped without a
// record.
func (r *Registry) execute(ctx context.Context, taskID string) {
	defer r.clearInFlight(taskID)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("task execution panicked",
				logx.String("task", taskID), logx.Any("panic", rec))
		}
	}()

	task, err := r.store.GetScheduledTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		r.Disarm(taskID)
		return
	}
	if err != nil {
		// Transient store error: keep the entry, the next tick retries.
		r.log.Warn("read task before dispatch", logx.String("task", taskID), logx.Err(err))
		return
	}
	if !task.Active {
		r.Disarm(taskID)
		return
	}

	startedAt := r.now()
	if err := r.runner.Run(ctx, taskID); err != nil {
		r.log.Warn("task run failed", logx.String("task", taskID), logx.Err(err))
	}
	r.rearm(ctx, taskID, startedAt)
}

// rearm computes and persists the next firing. Interval tasks re-arm
// relative to completion, so long runs shift the cadence instead of
// stacking up.
func (r *Registry) rearm(ctx context.Context, taskID string, startedAt time.Time) {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	spec := e.spec
	r.mu.Unlock()

	next, err := r.calc.NextRun(spec, r.now())
	if err != nil {
		r.log.Error("compute next run", logx.String("task", taskID), logx.Err(err))
		r.Disarm(taskID)
		return
	}

	if err := r.store.UpdateScheduledTaskNextRun(ctx, taskID, next); err != nil {
		r.log.Error("persist next run", logx.String("task", taskID), logx.Err(err))
	}

	r.mu.Lock()
	if e, ok := r.entries[taskID]; ok {
		e.nextRun = next
	}
	r.mu.Unlock()

	r.log.Debug("task rearmed",
		logx.String("task", taskID),
		logx.Duration("ran_for", r.now().Sub(startedAt)),
		logx.Time("next_run", next))
}

func (r *Registry) clearInFlight(taskID string) {
	r.mu.Lock()
	if e, ok := r.entries[taskID]; ok {
		e.inFlight = false
	}
	r.mu.Unlock()
}

// SpecOf converts a stored task row into a calculator spec.
func SpecOf(t *storage.ScheduledTask) (schedule.Spec, error) {
	days, err := schedule.ParseWeekdays(t.Weekdays)
	if err != nil {
		return schedule.Spec{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return schedule.Spec{
		Kind:            schedule.Kind(t.Kind),
		IntervalMinutes: t.IntervalMinutes,
		TimeOfDay:       t.TimeOfDay,
		Weekdays:        days,
		DayOfMonth:      t.DayOfMonth,
	}, nil
}
