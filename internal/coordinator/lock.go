package coordinator

import (
	"context"
	"sync"
)

// queueLocks serializes the multi-step writes of one queue inside this
// process. Reconcile takes the same lock, so it never sees a write path with
// only one of its two stores updated.
type queueLocks struct {
	m sync.Map
}

// lock waits for the queue's lock or for ctx to end. The returned func
// releases it.
func (l *queueLocks) lock(ctx context.Context, queueID int64) (func(), error) {
	v, _ := l.m.LoadOrStore(queueID, make(chan struct{}, 1))
	sem := v.(chan struct{})

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
