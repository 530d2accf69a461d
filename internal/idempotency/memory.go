package idempotency

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store.
//
// Suitable for single-instance deployments where losing dedup state on
// restart is an accepted risk; the operator is warned about this at startup.
// For load-balanced or restart-safe deployments use RedisStore.
type MemoryStore struct {
	mu       sync.Mutex
	settled  map[string]*Record
	inFlight map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settled:  make(map[string]*Record),
		inFlight: make(map[string]struct{}),
	}
}

// CheckAndReserve atomically checks the identity and reserves it if unseen.
func (s *MemoryStore) CheckAndReserve(_ context.Context, identity string) (Status, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.settled[identity]; ok {
		return StatusSettled, record, nil
	}
	if _, ok := s.inFlight[identity]; ok {
		return StatusInFlight, nil, nil
	}

	s.inFlight[identity] = struct{}{}
	return StatusReserved, nil, nil
}

// Commit finalizes a reservation into a permanent record.
func (s *MemoryStore) Commit(_ context.Context, identity string, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settled[identity]; ok {
		return ErrAlreadyCommitted
	}
	s.settled[identity] = record
	delete(s.inFlight, identity)
	return nil
}

// Release clears the in-flight marker. Committed records are never removed.
func (s *MemoryStore) Release(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, identity)
	return nil
}

var _ Store = (*MemoryStore)(nil)
