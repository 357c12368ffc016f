package task

import "sync"

// Queue is the FIFO of not-yet-executed tasks of a call leg.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
}

// NewQueue creates a queue holding tasks in order.
func NewQueue(tasks []Task) *Queue {
	q := &Queue{}
	q.tasks = append(q.tasks, tasks...)
	return q
}

// Shift removes and returns the head of the queue.
func (q *Queue) Shift() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t, true
}

// Replace drops every remaining task and installs tasks in their place.
func (q *Queue) Replace(tasks []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append([]Task(nil), tasks...)
}

// Clear empties the queue and returns how many tasks were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Tasks returns a copy of the queued tasks in order.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.tasks...)
}
