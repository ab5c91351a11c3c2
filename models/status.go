package models

import (
	"fmt"

	"stand-queue/internal/status"
)

type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusCalled    EntryStatus = "called"
	StatusServed    EntryStatus = "served"
	StatusCancelled EntryStatus = "cancelled"
	StatusSkipped   EntryStatus = "skipped"
)

var transitions = map[EntryStatus][]EntryStatus{
	StatusWaiting: {StatusCalled, StatusCancelled},
	StatusCalled:  {StatusServed, StatusCancelled, StatusSkipped},
}

func ParseEntryStatus(s string) (EntryStatus, error) {
	switch st := EntryStatus(s); st {
	case StatusWaiting, StatusCalled, StatusServed, StatusCancelled, StatusSkipped:
		return st, nil
	}
	return "", fmt.Errorf("unknown entry status %q", s)
}

func (s EntryStatus) String() string {
	return string(s)
}

// Terminal reports whether no transition leaves s.
func (s EntryStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns an error wrapping status.ErrInvalidTransition when
// from -> to is not in the transition table.
func CheckTransition(from, to EntryStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", status.ErrInvalidTransition, from, to)
	}
	return nil
}
