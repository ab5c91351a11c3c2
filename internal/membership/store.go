// Package membership keeps the real-time order of waiting participants, one
// ordered list per queue. It is a cache: the ledger's waiting entries are the
// fallback of record.
//
// Every Store method fails with an error wrapping status.ErrStoreUnavailable
// when the backing service cannot answer; callers switch to the ledger path
// on that signal and must never read it as "queue empty".
package membership

import (
	"context"
	"fmt"
)

// JoinResult is the outcome of Store.Join. Added is false when the
// participant was already in line and nothing changed.
type JoinResult struct {
	Position int
	Added    bool
}

type Store interface {
	// Join appends participantID unless present and returns its 1-based position.
	Join(ctx context.Context, queueID, participantID int64) (JoinResult, error)
	// Leave removes the first occurrence of participantID.
	Leave(ctx context.Context, queueID, participantID int64) (bool, error)
	// PositionOf returns the 1-based position, or ok=false when absent.
	PositionOf(ctx context.Context, queueID, participantID int64) (position int, ok bool, err error)
	// PopFront removes and returns the head, or ok=false when the line is empty.
	PopFront(ctx context.Context, queueID int64) (participantID int64, ok bool, err error)
	// PushFront puts participantID back at the head.
	PushFront(ctx context.Context, queueID, participantID int64) error
	// List returns members between start and stop inclusive; negative indexes
	// count from the tail, so List(ctx, q, 0, -1) is the whole line.
	List(ctx context.Context, queueID int64, start, stop int64) ([]int64, error)
	Len(ctx context.Context, queueID int64) (int64, error)
	// Replace swaps the whole line for participantIDs in the given order.
	Replace(ctx context.Context, queueID int64, participantIDs []int64) error
}

// Key is the per-queue key of the waiting line.
func Key(queueID int64) string {
	return fmt.Sprintf("queue:waiting:%d", queueID)
}
