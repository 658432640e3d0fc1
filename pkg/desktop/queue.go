package desktop

import (
	"context"
	"sync"
)

// Action is a UI operation that must run on the normal desktop
type Action struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is an ordered queue of deferred actions. It is consumed by take,
// which empties it, so an action can never run twice.
type Queue struct {
	mu      sync.Mutex
	actions []Action
	sealed  bool
}

func (q *Queue) enqueue(a Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return ErrSessionClosed
	}
	q.actions = append(q.actions, a)
	return nil
}

// Len returns the number of pending actions
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

func (q *Queue) isSealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed
}

// take returns the pending actions and clears the queue
func (q *Queue) take() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions := q.actions
	q.actions = nil
	q.sealed = true
	return actions
}
