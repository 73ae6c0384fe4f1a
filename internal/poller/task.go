package poller

import (
	"context"
	"sync"
	"time"
)

// Task is one running poll loop. The owner cancels it exactly once; extra
// Cancel calls are no-ops.
type Task struct {
	name     string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	registry *Registry
}

// Cancel stops the loop and waits for it and any in-flight fetch to return.
// A nil Task is valid.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.cancel()
		<-t.done
		if t.registry != nil {
			t.registry.remove(t)
		}
	})
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Interval returns the tick period.
func (t *Task) Interval() time.Duration {
	return t.interval
}

func (t *Task) String() string {
	return t.name + "@" + t.interval.String()
}

// Registry tracks running tasks so a single teardown can cancel all of them.
type Registry struct {
	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[*Task]struct{})}
}

func (r *Registry) add(t *Task) {
	r.mu.Lock()
	r.tasks[t] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(t *Task) {
	r.mu.Lock()
	delete(r.tasks, t)
	r.mu.Unlock()
}

// Len returns the number of running tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CancelAll cancels every registered task and waits for them to exit.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	return len(tasks)
}
