package membership

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store. Each queue has its own lock, so
// operations on different queues never contend.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[int64]*memoryLine
}

type memoryLine struct {
	mu      sync.Mutex
	members []int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[int64]*memoryLine)}
}

func (s *MemoryStore) line(queueID int64) *memoryLine {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.queues[queueID]
	if !ok {
		l = &memoryLine{}
		s.queues[queueID] = l
	}
	return l
}

func (s *MemoryStore) Join(_ context.Context, queueID, participantID int64) (JoinResult, error) {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := slices.Index(l.members, participantID); i >= 0 {
		return JoinResult{Position: i + 1}, nil
	}
	l.members = append(l.members, participantID)
	return JoinResult{Position: len(l.members), Added: true}, nil
}

func (s *MemoryStore) Leave(_ context.Context, queueID, participantID int64) (bool, error) {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.Index(l.members, participantID)
	if i < 0 {
		return false, nil
	}
	l.members = slices.Delete(l.members, i, i+1)
	return true, nil
}

func (s *MemoryStore) PositionOf(_ context.Context, queueID, participantID int64) (int, bool, error) {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.Index(l.members, participantID)
	if i < 0 {
		return 0, false, nil
	}
	return i + 1, true, nil
}

func (s *MemoryStore) PopFront(_ context.Context, queueID int64) (int64, bool, error) {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.members) == 0 {
		return 0, false, nil
	}
	head := l.members[0]
	l.members = slices.Delete(l.members, 0, 1)
	return head, true, nil
}

func (s *MemoryStore) PushFront(_ context.Context, queueID, participantID int64) error {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.members = slices.Insert(l.members, 0, participantID)
	return nil
}

func (s *MemoryStore) List(_ context.Context, queueID int64, start, stop int64) ([]int64, error) {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	n := int64(len(l.members))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	stop = min(stop, n-1)
	if start > stop {
		return []int64{}, nil
	}
	return slices.Clone(l.members[start : stop+1]), nil
}

func (s *MemoryStore) Len(_ context.Context, queueID int64) (int64, error) {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	return int64(len(l.members)), nil
}

func (s *MemoryStore) Replace(_ context.Context, queueID int64, participantIDs []int64) error {
	l := s.line(queueID)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.members = slices.Clone(participantIDs)
	return nil
}
