package scheduler

import (
	"context"
	"sync"
)

// Locks hands out one mutual-exclusion token per account. Holders of the
// token are the only writers of that account.
type Locks struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

// NewLocks creates an empty lock table
func NewLocks() *Locks {
	return &Locks{slots: make(map[int64]chan struct{})}
}

func (l *Locks) slot(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

// TryAcquire takes the token if it is free
func (l *Locks) TryAcquire(id int64) (release func(), ok bool) {
	ch := l.slot(id)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// Acquire waits for the token or until ctx is done
func (l *Locks) Acquire(ctx context.Context, id int64) (release func(), err error) {
	ch := l.slot(id)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
