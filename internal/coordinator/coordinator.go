// Package coordinator keeps the fast membership store and the durable ledger
// consistent. Multi-step writes run as sagas with named compensations, and
// reads fall back to the ledger whenever the fast store cannot answer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stand-queue/internal/membership"
	"stand-queue/internal/status"
	"stand-queue/models"
	"stand-queue/monitoring"
)

// Ledger is the subset of the durable ledger the coordinator drives.
type Ledger interface {
	GetOrCreateWaitingEntry(ctx context.Context, queueID, participantID int64) (models.QueueEntry, bool, error)
	CreateEntry(ctx context.Context, queueID, participantID int64, st models.EntryStatus) (models.QueueEntry, error)
	GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error)
	EarliestWaitingEntry(ctx context.Context, queueID, participantID int64) (models.QueueEntry, error)
	WaitingEntries(ctx context.Context, queueID int64) ([]models.QueueEntry, error)
	CountWaitingAtOrBefore(ctx context.Context, queueID int64, at time.Time, tieBreakID int64) (int, error)
	MarkCalled(ctx context.Context, entryID int64) (models.QueueEntry, error)
	MarkCancelled(ctx context.Context, entryID int64) (models.QueueEntry, error)
}

type JoinResult struct {
	Position int
	EntryID  int64
	Degraded bool
}

type PositionResult struct {
	Position int
	Found    bool
	Degraded bool
	EntryID  int64
}

type AdvanceResult struct {
	Empty         bool
	ParticipantID int64
	Entry         models.QueueEntry
}

type CancelResult struct {
	Entry                models.QueueEntry
	RemovedFromFastStore bool
}

// ReconcileResult counts the fast-store repairs of one Reconcile.
type ReconcileResult struct {
	Appended int
	Removed  int
}

type Coordinator struct {
	store  membership.Store
	ledger Ledger
	locks  queueLocks
}

func New(store membership.Store, ledger Ledger) *Coordinator {
	return &Coordinator{store: store, ledger: ledger}
}

// Join puts the participant in line in both stores. Joining twice returns the
// existing position and entry.
func (c *Coordinator) Join(ctx context.Context, queueID, participantID int64) (JoinResult, error) {
	unlock, err := c.locks.lock(ctx, queueID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join: %w", err)
	}
	defer unlock()

	var (
		joined membership.JoinResult
		entry  models.QueueEntry
	)

	err = runSaga(ctx, "join",
		Step{
			Name: "fast-store-join",
			Do: func(ctx context.Context) error {
				var err error
				joined, err = c.store.Join(ctx, queueID, participantID)
				return err
			},
			Compensate: func(ctx context.Context) error {
				if !joined.Added {
					return nil
				}
				_, err := c.store.Leave(ctx, queueID, participantID)
				return err
			},
		},
		Step{
			Name: "ledger-waiting-entry",
			Do: func(ctx context.Context) error {
				var err error
				entry, _, err = c.ledger.GetOrCreateWaitingEntry(ctx, queueID, participantID)
				return err
			},
		},
	)
	if errors.Is(err, status.ErrStoreUnavailable) {
		slog.Warn("Fast store unavailable, joining through ledger", "queueID", queueID, "error", err)
		return c.joinLedgerOnly(ctx, queueID, participantID)
	}
	if err != nil {
		return JoinResult{}, err
	}

	return JoinResult{Position: joined.Position, EntryID: entry.ID}, nil
}

func (c *Coordinator) joinLedgerOnly(ctx context.Context, queueID, participantID int64) (JoinResult, error) {
	monitoring.TrackDegraded("join")

	entry, _, err := c.ledger.GetOrCreateWaitingEntry(ctx, queueID, participantID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join: ledger waiting entry: %w", err)
	}
	pos, err := c.rankInLedger(ctx, entry)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join: ledger rank: %w", err)
	}
	return JoinResult{Position: pos, EntryID: entry.ID, Degraded: true}, nil
}

// Leave takes the participant out of line. A fast-store failure is ignored;
// the ledger result is authoritative.
func (c *Coordinator) Leave(ctx context.Context, queueID, participantID int64) (bool, error) {
	unlock, err := c.locks.lock(ctx, queueID)
	if err != nil {
		return false, fmt.Errorf("leave: %w", err)
	}
	defer unlock()

	storeRemoved, err := c.store.Leave(ctx, queueID, participantID)
	if err != nil {
		slog.Warn("Fast store leave failed", "queueID", queueID, "participantID", participantID, "error", err)
		monitoring.TrackDegraded("leave")
		storeRemoved = false
	}

	entry, err := c.ledger.EarliestWaitingEntry(ctx, queueID, participantID)
	if errors.Is(err, status.ErrEntryNotFound) {
		return storeRemoved, nil
	}
	if err != nil {
		return storeRemoved, fmt.Errorf("leave: %w", err)
	}

	if _, err := c.ledger.MarkCancelled(ctx, entry.ID); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			// Called or cancelled concurrently.
			return storeRemoved, nil
		}
		return storeRemoved, fmt.Errorf("leave: %w", err)
	}
	return true, nil
}

// Position answers from the fast store and falls back to the ledger when the
// participant is missing there or the store is down.
func (c *Coordinator) Position(ctx context.Context, queueID, participantID int64) (PositionResult, error) {
	pos, ok, err := c.store.PositionOf(ctx, queueID, participantID)
	switch {
	case err != nil && !errors.Is(err, status.ErrStoreUnavailable):
		return PositionResult{}, fmt.Errorf("position: %w", err)
	case err == nil && ok:
		return PositionResult{Position: pos, Found: true}, nil
	}

	entry, lerr := c.ledger.EarliestWaitingEntry(ctx, queueID, participantID)
	if errors.Is(lerr, status.ErrEntryNotFound) {
		return PositionResult{}, nil
	}
	if lerr != nil {
		return PositionResult{}, fmt.Errorf("position: %w", lerr)
	}

	rank, lerr := c.rankInLedger(ctx, entry)
	if lerr != nil {
		return PositionResult{}, fmt.Errorf("position: %w", lerr)
	}

	if err != nil {
		slog.Warn("Fast store unavailable, position from ledger", "queueID", queueID, "error", err)
	} else {
		slog.Warn("Participant missing from fast store, position from ledger",
			"queueID", queueID, "participantID", participantID)
	}
	monitoring.TrackDegraded("position")
	return PositionResult{Position: rank, Found: true, Degraded: true, EntryID: entry.ID}, nil
}

// Advance calls the head of the line. The fast store owns the head, so its
// unavailability is returned to the caller instead of guessing from the ledger.
func (c *Coordinator) Advance(ctx context.Context, queueID int64) (AdvanceResult, error) {
	unlock, err := c.locks.lock(ctx, queueID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("advance: %w", err)
	}
	defer unlock()

	var (
		participantID int64
		popped        bool
		entry         models.QueueEntry
	)

	err = runSaga(ctx, "advance",
		Step{
			Name: "fast-store-pop",
			Do: func(ctx context.Context) error {
				var err error
				participantID, popped, err = c.store.PopFront(ctx, queueID)
				return err
			},
			Compensate: func(ctx context.Context) error {
				if !popped {
					return nil
				}
				return c.store.PushFront(ctx, queueID, participantID)
			},
		},
		Step{
			Name: "ledger-mark-called",
			Do: func(ctx context.Context) error {
				if !popped {
					return nil
				}
				var err error
				entry, err = c.markCalled(ctx, queueID, participantID)
				return err
			},
		},
	)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !popped {
		return AdvanceResult{Empty: true}, nil
	}
	return AdvanceResult{ParticipantID: participantID, Entry: entry}, nil
}

func (c *Coordinator) markCalled(ctx context.Context, queueID, participantID int64) (models.QueueEntry, error) {
	waiting, err := c.ledger.EarliestWaitingEntry(ctx, queueID, participantID)
	if errors.Is(err, status.ErrEntryNotFound) {
		slog.Warn("Called participant has no waiting entry, creating one",
			"queueID", queueID, "participantID", participantID)
		return c.ledger.CreateEntry(ctx, queueID, participantID, models.StatusCalled)
	}
	if err != nil {
		return models.QueueEntry{}, err
	}
	return c.ledger.MarkCalled(ctx, waiting.ID)
}

// CancelEntry cancels a waiting entry by id and removes the participant from
// the fast store when it can.
func (c *Coordinator) CancelEntry(ctx context.Context, entryID int64) (CancelResult, error) {
	entry, err := c.ledger.GetEntry(ctx, entryID)
	if err != nil {
		return CancelResult{}, err
	}
	if entry.Status != models.StatusWaiting {
		return CancelResult{}, &status.CannotCancelError{EntryID: entryID, Status: entry.Status.String()}
	}

	unlock, err := c.locks.lock(ctx, entry.QueueID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel: %w", err)
	}
	defer unlock()

	cancelled, err := c.ledger.MarkCancelled(ctx, entryID)
	if errors.Is(err, status.ErrInvalidTransition) {
		current, gerr := c.ledger.GetEntry(ctx, entryID)
		if gerr != nil {
			return CancelResult{}, err
		}
		return CancelResult{}, &status.CannotCancelError{EntryID: entryID, Status: current.Status.String()}
	}
	if err != nil {
		return CancelResult{}, err
	}

	removed, err := c.store.Leave(ctx, entry.QueueID, entry.ParticipantID)
	if err != nil {
		slog.Warn("Fast store removal after cancel failed", "entryID", entryID, "error", err)
		monitoring.TrackDegraded("cancel")
		removed = false
	}
	return CancelResult{Entry: cancelled, RemovedFromFastStore: removed}, nil
}

// Waiting lists participant ids in line order. Degraded is true when the
// list comes from the ledger.
func (c *Coordinator) Waiting(ctx context.Context, queueID int64) ([]int64, bool, error) {
	ids, err := c.store.List(ctx, queueID, 0, -1)
	if err == nil {
		return ids, false, nil
	}
	if !errors.Is(err, status.ErrStoreUnavailable) {
		return nil, false, fmt.Errorf("waiting: %w", err)
	}

	slog.Warn("Fast store unavailable, listing from ledger", "queueID", queueID, "error", err)
	monitoring.TrackDegraded("waiting")
	ids, err = c.ledgerOrder(ctx, queueID)
	if err != nil {
		return nil, true, fmt.Errorf("waiting: %w", err)
	}
	return ids, true, nil
}

// Rebuild replaces the fast-store line with the ledger's waiting order and
// returns its length.
func (c *Coordinator) Rebuild(ctx context.Context, queueID int64) (int, error) {
	unlock, err := c.locks.lock(ctx, queueID)
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	defer unlock()

	ids, err := c.ledgerOrder(ctx, queueID)
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	if err := c.store.Replace(ctx, queueID, ids); err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	slog.Info("Rebuilt fast store from ledger", "queueID", queueID, "waiting", len(ids))
	return len(ids), nil
}

// Reconcile repairs fast-store drift for one queue. Participants waiting in
// the ledger but missing from the fast store are appended in ledger order, and
// members with no waiting ledger entry (e.g. they left while the fast store
// was down) are removed.
func (c *Coordinator) Reconcile(ctx context.Context, queueID int64) (ReconcileResult, error) {
	var res ReconcileResult

	unlock, err := c.locks.lock(ctx, queueID)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	defer unlock()

	present, err := c.store.List(ctx, queueID, 0, -1)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	inStore := make(map[int64]struct{}, len(present))
	for _, id := range present {
		inStore[id] = struct{}{}
	}

	ids, err := c.ledgerOrder(ctx, queueID)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	waiting := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		waiting[id] = struct{}{}
	}

	for _, id := range present {
		if _, ok := waiting[id]; ok {
			continue
		}
		// Another instance may have just added it ahead of its ledger write.
		stillGone, err := c.hasNoWaitingEntry(ctx, queueID, id)
		if err != nil {
			return res, fmt.Errorf("reconcile: %w", err)
		}
		if !stillGone {
			continue
		}
		removed, err := c.store.Leave(ctx, queueID, id)
		if err != nil {
			return res, fmt.Errorf("reconcile: %w", err)
		}
		if removed {
			res.Removed++
		}
	}

	for _, id := range ids {
		if _, ok := inStore[id]; ok {
			continue
		}
		joined, err := c.store.Join(ctx, queueID, id)
		if err != nil {
			return res, fmt.Errorf("reconcile: %w", err)
		}
		if !joined.Added {
			continue
		}
		// Another instance may have cancelled or called it meanwhile.
		gone, err := c.hasNoWaitingEntry(ctx, queueID, id)
		if err != nil {
			return res, fmt.Errorf("reconcile: %w", err)
		}
		if gone {
			if _, err := c.store.Leave(ctx, queueID, id); err != nil {
				return res, fmt.Errorf("reconcile: %w", err)
			}
			continue
		}
		res.Appended++
	}

	if res.Appended > 0 || res.Removed > 0 {
		slog.Info("Reconciled fast store with ledger",
			"queueID", queueID, "appended", res.Appended, "removed", res.Removed)
	}
	return res, nil
}

func (c *Coordinator) hasNoWaitingEntry(ctx context.Context, queueID, participantID int64) (bool, error) {
	_, err := c.ledger.EarliestWaitingEntry(ctx, queueID, participantID)
	if errors.Is(err, status.ErrEntryNotFound) {
		return true, nil
	}
	return false, err
}

func (c *Coordinator) ledgerOrder(ctx context.Context, queueID int64) ([]int64, error) {
	entries, err := c.ledger.WaitingEntries(ctx, queueID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ParticipantID)
	}
	return ids, nil
}

func (c *Coordinator) rankInLedger(ctx context.Context, entry models.QueueEntry) (int, error) {
	return c.ledger.CountWaitingAtOrBefore(ctx, entry.QueueID, entry.CreatedAt, entry.ID)
}
