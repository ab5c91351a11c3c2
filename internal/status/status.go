package status

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable      = errors.New("fast store: unavailable")
	ErrInvalidTransition     = errors.New("entry: invalid status transition")
	ErrQueueNotFound         = errors.New("queue: queue not found")
	ErrParticipantNotFound   = errors.New("participant: participant not found")
	ErrEntryNotFound         = errors.New("entry: entry not found")
	ErrParticipantIDRequired = errors.New("participant: external id is required")
	ErrCannotCancel          = errors.New("entry: cannot cancel")
	ErrInvalidQueue          = errors.New("queue: name is required and prior must not be negative")
)

// CannotCancelError carries the entry status that blocked a cancellation.
type CannotCancelError struct {
	EntryID int64
	Status  string
}

func (e *CannotCancelError) Error() string {
	return fmt.Sprintf("entry: cannot cancel entry %d in status %q", e.EntryID, e.Status)
}

func (e *CannotCancelError) Unwrap() error {
	return ErrCannotCancel
}

// IsNotFound reports whether err is any of the not-found conditions.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound) ||
		errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
