package scheduler

import "sync"

// Handle is a commit group for task creation. Tasks scheduled through a
// handle become visible to the worker pool all together on Commit, or
// not at all on Rollback. Handlers receive a follow-up Handle whose
// commit is tied to the handler's own success.
type Handle struct {
	s *Scheduler

	mu     sync.Mutex
	tasks  []*Task
	closed bool
}

// Schedule adds a task to the group. Multiplicity starts at 1; the
// scheduler's de-duplication rule may fold it into an equivalent queued
// task at commit time. Calls after Commit or Rollback are ignored.
func (h *Handle) Schedule(action string, params map[string]string, resources ...Resource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.tasks = append(h.tasks, &Task{
		Action:       action,
		Parameters:   params,
		Resources:    resources,
		Multiplicity: 1,
	})
}

// Commit atomically publishes the group's tasks to the scheduler.
func (h *Handle) Commit() {
	h.mu.Lock()
	tasks := h.tasks
	done := h.closed
	h.closed = true
	h.tasks = nil
	h.mu.Unlock()
	if done {
		return
	}
	h.s.enqueueAll(tasks)
}

// Rollback discards the group.
func (h *Handle) Rollback() {
	h.mu.Lock()
	h.closed = true
	h.tasks = nil
	h.mu.Unlock()
}

// Pending reports how many tasks are staged and not yet committed.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}
