// Package scheduler is the in-process task queue at the center of the
// replicator. It dispatches tasks to a fixed worker pool with three
// guarantees the handlers lean on: tasks sharing a resource are never
// concurrent (and waiters run FIFO), tasks with equal schedule keys are
// coalesced into one dispatch carrying their combined multiplicity, and
// tasks published through a Handle appear atomically.
//
// The queue is memory-only by design. Durability of report work rides
// in the pending-delta ledger; a crash loses only in-flight refreshes,
// which the next info message or the follow-up loop re-triggers.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler executes one task. The followup handle is committed by the
// scheduler when Handle returns nil and rolled back otherwise.
type Handler interface {
	Handle(ctx context.Context, task *Task, followup *Handle) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task, followup *Handle) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task, followup *Handle) error {
	return f(ctx, task, followup)
}

// Options tunes the pool.
type Options struct {
	Concurrency    int           // worker count; default 4
	MaxAttempts    int           // dispatches per task before dropping; default 6
	InitialBackoff time.Duration // first retry delay; default 50ms
	MaxBackoff     time.Duration // retry delay ceiling; default 10s
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 6
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Stats is a snapshot of queue state, used by the idle check.
type Stats struct {
	Queued    int
	Active    int
	Retrying  int
	Completed uint64
	Dropped   uint64
}

// Remaining is the count of tasks not yet finished with.
func (s Stats) Remaining() int { return s.Queued + s.Active + s.Retrying }

// Scheduler owns the worker pool. Create with New, then Register
// handlers, then Start.
type Scheduler struct {
	opts     Options
	handlers map[string]Handler

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*Task
	byKey     map[string]*Task
	active    map[Resource]bool
	activeN   int
	retryN    int
	completed uint64
	dropped   uint64
	running   bool
	stopping  bool

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		opts:     opts.withDefaults(),
		handlers: make(map[string]Handler),
		byKey:    make(map[string]*Task),
		active:   make(map[Resource]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Register binds a handler to an action. Must be called before Start.
func (s *Scheduler) Register(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// NewHandle opens a commit group.
func (s *Scheduler) NewHandle() *Handle {
	return &Handle{s: s}
}

// Start launches the worker pool. ctx is the base context handed to
// handlers; cancel it to abort in-flight work during shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopping = false
	s.ctx = ctx
	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop halts dispatch and waits for in-flight tasks, bounded by ctx.
// Queued tasks are abandoned; call Drain first for a graceful stop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.running = false
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until no tasks remain (queued, active, or awaiting
// retry) or ctx expires.
func (s *Scheduler) Drain(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if s.Stats().Remaining() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Stats snapshots the queue.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:    len(s.queue),
		Active:    s.activeN,
		Retrying:  s.retryN,
		Completed: s.completed,
		Dropped:   s.dropped,
	}
}

// enqueueAll publishes a committed group. Tasks whose schedule key
// matches a queued, not-yet-dispatched task fold into it.
func (s *Scheduler) enqueueAll(tasks []*Task) {
	if len(tasks) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.enqueueLocked(t)
	}
	s.cond.Broadcast()
}

func (s *Scheduler) enqueueLocked(t *Task) {
	if t.Multiplicity <= 0 {
		t.Multiplicity = 1
	}
	key := t.ScheduleKey()
	if existing, ok := s.byKey[key]; ok {
		existing.Multiplicity += t.Multiplicity
		return
	}
	s.byKey[key] = t
	s.queue = append(s.queue, t)
}

// nextLocked returns the first queued task whose resources are all
// free, removing it from the queue. Scanning in queue order keeps
// same-resource waiters FIFO.
func (s *Scheduler) nextLocked() *Task {
	for i, t := range s.queue {
		blocked := false
		for _, r := range t.Resources {
			if s.active[r] {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		delete(s.byKey, t.ScheduleKey())
		for _, r := range t.Resources {
			s.active[r] = true
		}
		s.activeN++
		return t
	}
	return nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var task *Task
		for {
			if s.stopping {
				s.mu.Unlock()
				return
			}
			if task = s.nextLocked(); task != nil {
				break
			}
			s.cond.Wait()
		}
		ctx := s.ctx
		s.mu.Unlock()

		s.run(ctx, task)
	}
}

func (s *Scheduler) run(ctx context.Context, task *Task) {
	handler := s.handlers[task.Action]
	followup := s.NewHandle()

	var err error
	if handler == nil {
		err = errUnknownAction(task.Action)
	} else {
		err = handler.Handle(ctx, task, followup)
	}

	s.mu.Lock()
	for _, r := range task.Resources {
		delete(s.active, r)
	}
	s.activeN--

	switch {
	case err == nil:
		s.completed++
		s.mu.Unlock()
		followup.Commit()
	case IsRetryable(err) && task.Attempt+1 < s.opts.MaxAttempts:
		task.Attempt++
		s.retryN++
		delay := s.retryDelay(task)
		s.mu.Unlock()
		followup.Rollback()
		log.Printf("scheduler: task %s attempt %d failed, retrying in %s: %v",
			task.Action, task.Attempt, delay.Round(time.Millisecond), err)
		time.AfterFunc(delay, func() { s.requeue(task) })
	default:
		s.dropped++
		s.mu.Unlock()
		followup.Rollback()
		log.Printf("scheduler: dropping task %s after %d attempts: %v",
			task.Action, task.Attempt+1, err)
	}
	s.cond.Broadcast()
}

// retryDelay advances the task's exponential backoff. Called with the
// lock held only to serialize first-use initialization.
func (s *Scheduler) retryDelay(task *Task) time.Duration {
	if task.bo == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.opts.InitialBackoff
		bo.MaxInterval = s.opts.MaxBackoff
		bo.MaxElapsedTime = 0 // attempts are bounded, not wall time
		task.bo = bo
	}
	return task.bo.NextBackOff()
}

func (s *Scheduler) requeue(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryN--
	if s.stopping {
		return
	}
	s.enqueueLocked(task)
	s.cond.Broadcast()
}

type errUnknownAction string

func (e errUnknownAction) Error() string { return "no handler registered for action " + string(e) }
