// Package membershiptest provides Store doubles for failure injection.
package membershiptest

import (
	"context"
	"fmt"
	"sync"

	"stand-queue/internal/membership"
	"stand-queue/internal/status"
)

// FlakyStore wraps a Store and fails chosen operations with
// status.ErrStoreUnavailable. Operation names match the Store methods:
// "Join", "Leave", "PositionOf", "PopFront", "PushFront", "List", "Len", "Replace".
type FlakyStore struct {
	membership.Store

	mu    sync.Mutex
	down  bool
	fail  map[string]bool
	after map[string]func()
}

func NewFlakyStore(inner membership.Store) *FlakyStore {
	return &FlakyStore{Store: inner, fail: make(map[string]bool), after: make(map[string]func())}
}

// After runs fn once, right after the next successful "Join", "Leave" or
// "PopFront".
func (f *FlakyStore) After(op string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[op] = fn
}

func (f *FlakyStore) runAfter(op string) {
	f.mu.Lock()
	fn := f.after[op]
	delete(f.after, op)
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// SetDown makes every operation fail until called again with false.
func (f *FlakyStore) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// FailOn makes only the named operations fail.
func (f *FlakyStore) FailOn(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.fail[op] = true
	}
}

func (f *FlakyStore) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = false
	f.fail = make(map[string]bool)
	f.after = make(map[string]func())
}

func (f *FlakyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || f.fail[op] {
		return fmt.Errorf("%w: %s: injected", status.ErrStoreUnavailable, op)
	}
	return nil
}

func (f *FlakyStore) Join(ctx context.Context, queueID, participantID int64) (membership.JoinResult, error) {
	if err := f.check("Join"); err != nil {
		return membership.JoinResult{}, err
	}
	res, err := f.Store.Join(ctx, queueID, participantID)
	if err == nil {
		f.runAfter("Join")
	}
	return res, err
}

func (f *FlakyStore) Leave(ctx context.Context, queueID, participantID int64) (bool, error) {
	if err := f.check("Leave"); err != nil {
		return false, err
	}
	removed, err := f.Store.Leave(ctx, queueID, participantID)
	if err == nil {
		f.runAfter("Leave")
	}
	return removed, err
}

func (f *FlakyStore) PositionOf(ctx context.Context, queueID, participantID int64) (int, bool, error) {
	if err := f.check("PositionOf"); err != nil {
		return 0, false, err
	}
	return f.Store.PositionOf(ctx, queueID, participantID)
}

func (f *FlakyStore) PopFront(ctx context.Context, queueID int64) (int64, bool, error) {
	if err := f.check("PopFront"); err != nil {
		return 0, false, err
	}
	id, ok, err := f.Store.PopFront(ctx, queueID)
	if err == nil {
		f.runAfter("PopFront")
	}
	return id, ok, err
}

func (f *FlakyStore) PushFront(ctx context.Context, queueID, participantID int64) error {
	if err := f.check("PushFront"); err != nil {
		return err
	}
	return f.Store.PushFront(ctx, queueID, participantID)
}

func (f *FlakyStore) List(ctx context.Context, queueID int64, start, stop int64) ([]int64, error) {
	if err := f.check("List"); err != nil {
		return nil, err
	}
	return f.Store.List(ctx, queueID, start, stop)
}

func (f *FlakyStore) Len(ctx context.Context, queueID int64) (int64, error) {
	if err := f.check("Len"); err != nil {
		return 0, err
	}
	return f.Store.Len(ctx, queueID)
}

func (f *FlakyStore) Replace(ctx context.Context, queueID int64, participantIDs []int64) error {
	if err := f.check("Replace"); err != nil {
		return err
	}
	return f.Store.Replace(ctx, queueID, participantIDs)
}
