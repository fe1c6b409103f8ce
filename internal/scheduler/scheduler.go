// Package scheduler tracks in-flight session work so that shutdown can drain
// it correctly. Critical tasks block drain up to a bounded deadline;
// background tasks are best-effort and are cancelled when draining begins.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/plugins"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// TaskType classifies scheduled work.
type TaskType string

// Task types.
const (
	TaskCritical   TaskType = "critical"
	TaskBackground TaskType = "background"
)

// Task is one unit of tracked work.
type Task struct {
	ID        int64
	Label     string
	Type      TaskType
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Done returns a channel closed when the task completes or is cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Scheduler tracks critical and background tasks for one session.
// A Scheduler is single-use: once drained it accepts no new critical work.
// The session state machine creates a fresh Scheduler per session.
//
// Lock ordering: mu protects the task map only; it is never held while
// waiting on task completion.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[int64]*Task
	nextID   atomic.Int64
	draining atomic.Bool

	// Tracks spawned goroutines so tests can wait for quiescence.
	wg sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[int64]*Task)}
}

// Draining reports whether drain has begun. Once true it never reverts.
func (s *Scheduler) Draining() bool {
	return s.draining.Load()
}

// WaitUntil registers fn as a background task and runs it on its own
// goroutine. Failures are logged, never propagated. Background work is
// accepted even while draining; it is cancelled before drain completes.
func (s *Scheduler) WaitUntil(ctx context.Context, label string, fn func(context.Context) error) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	task := s.register(label, TaskBackground, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.complete(task)
		defer cancel()
		if err := fn(taskCtx); err != nil {
			log.Warn().
				Err(err).
				Str("label", label).
				Int64("task_id", task.ID).
				Msg("Background task failed")
		}
	}()

	return task
}

// RunCritical executes fn as a critical task with the given deadline and
// returns its result. It fails with ErrSchedulerDraining if drain has begun:
// tasks may not be scheduled against a draining scheduler.
func RunCritical[T any](s *Scheduler, ctx context.Context, label string, deadline time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	// Plugins may enqueue background work but never critical work.
	if plugins.InHook(ctx) {
		return zero, types.ErrReentrantCall
	}
	if s.draining.Load() {
		return zero, types.ErrSchedulerDraining
	}

	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	task := s.register(label, TaskCritical, cancel)
	defer cancel()
	defer s.complete(task)

	// Re-check after registration: Drain may have started between the first
	// check and the map insert, in which case this task must not run.
	if s.draining.Load() {
		return zero, types.ErrSchedulerDraining
	}

	result, err := fn(taskCtx)
	if err != nil && taskCtx.Err() != nil {
		log.Warn().
			Str("label", label).
			Int64("task_id", task.ID).
			Dur("deadline", deadline).
			Msg("Critical task cancelled or timed out")
	}
	return result, err
}

// Drain marks the scheduler draining, cancels background tasks immediately,
// and waits for in-flight critical tasks up to the deadline. Critical tasks
// still running when the deadline elapses are cancelled and Drain returns
// ErrDrainDeadline. Drain is idempotent at the scheduler level; callers
// serialise it through the state machine.
func (s *Scheduler) Drain(deadline time.Duration) error {
	s.draining.Store(true)

	s.mu.Lock()
	var critical []*Task
	for _, t := range s.tasks {
		switch t.Type {
		case TaskBackground:
			t.cancel()
		case TaskCritical:
			critical = append(critical, t)
		}
	}
	s.mu.Unlock()

	if len(critical) == 0 {
		return nil
	}

	log.Debug().
		Int("critical", len(critical)).
		Dur("deadline", deadline).
		Msg("Draining critical tasks")

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for _, t := range critical {
		select {
		case <-t.Done():
		case <-timer.C:
			// Deadline elapsed: cancel everything still in flight.
			expired := 0
			s.mu.Lock()
			for _, rem := range s.tasks {
				rem.cancel()
				expired++
			}
			s.mu.Unlock()
			log.Warn().
				Int("cancelled", expired).
				Dur("deadline", deadline).
				Msg("Drain deadline exceeded, cancelling remaining critical tasks")
			return types.ErrDrainDeadline
		}
	}
	return nil
}

// CancelAll fires the cancel signal on every tracked task and returns
// immediately without waiting for completion.
func (s *Scheduler) CancelAll(reason string) {
	s.mu.Lock()
	n := len(s.tasks)
	for _, t := range s.tasks {
		t.cancel()
	}
	s.mu.Unlock()

	if n > 0 {
		log.Debug().
			Int("count", n).
			Str("reason", reason).
			Msg("Cancelled all scheduled tasks")
	}
}

// Wait blocks until every goroutine the scheduler spawned has returned.
// Used by shutdown paths and tests; not part of the drain contract.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// CriticalCount returns the number of in-flight critical tasks.
func (s *Scheduler) CriticalCount() int {
	return s.count(TaskCritical)
}

// BackgroundCount returns the number of in-flight background tasks.
func (s *Scheduler) BackgroundCount() int {
	return s.count(TaskBackground)
}

func (s *Scheduler) count(tt TaskType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Type == tt {
			n++
		}
	}
	return n
}

func (s *Scheduler) register(label string, tt TaskType, cancel context.CancelFunc) *Task {
	task := &Task{
		ID:        s.nextID.Add(1),
		Label:     label,
		Type:      tt,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return task
}

func (s *Scheduler) complete(task *Task) {
	s.mu.Lock()
	delete(s.tasks, task.ID)
	s.mu.Unlock()
	close(task.done)
}
