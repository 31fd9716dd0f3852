package channel

import (
	"container/list"
	"context"
	"sync"
)

// turnLock hands call ownership to waiters in strict arrival order.
type turnLock struct {
	mu      sync.Mutex
	held    bool
	waiters list.List
}

// Lock blocks until the caller owns the channel, ctx is done, or abort closes.
func (l *turnLock) Lock(ctx context.Context, abort <-chan struct{}) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	elem := l.waiters.PushBack(grant)
	l.mu.Unlock()

	var err error
	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-abort:
		err = errAborted
	}

	l.mu.Lock()
	select {
	case <-grant:
		// Ownership arrived while giving up; pass it on.
		l.mu.Unlock()
		l.Unlock()
	default:
		l.waiters.Remove(elem)
		l.mu.Unlock()
	}
	return err
}

func (l *turnLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	front := l.waiters.Front()
	if front == nil {
		l.held = false
		return
	}
	l.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// queued reports how many callers are waiting for ownership.
func (l *turnLock) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}
