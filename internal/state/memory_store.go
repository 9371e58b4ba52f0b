package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"escalation/internal/domain"
)

// MemoryStore keeps alert state in process memory for single-instance mode.
// Params: in-memory map keyed by service ID.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]domain.AlertState
	// versions is the last version issued per service; it survives Delete.
	versions map[string]uint64
}

// NewMemoryStore creates in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]domain.AlertState),
		versions: make(map[string]uint64),
	}
}

// Get returns state of one service.
// Params: service ID key.
// Returns: stored state or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, serviceID string) (domain.AlertState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.states[serviceID]
	if !ok {
		return domain.AlertState{}, ErrNotFound
	}
	return current, nil
}

// Save writes state using version CAS.
// Params: state carrying expected version (0 when absent).
// Returns: saved state with a version above any issued before, or ErrConflict.
func (s *MemoryStore) Save(_ context.Context, next domain.AlertState) (domain.AlertState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[next.ServiceID]
	if err := checkWrite(current, ok, next); err != nil {
		return domain.AlertState{}, err
	}
	next.Version = s.bumpLocked(next.ServiceID)
	s.states[next.ServiceID] = next
	return next, nil
}

func (s *MemoryStore) bumpLocked(serviceID string) uint64 {
	s.versions[serviceID]++
	return s.versions[serviceID]
}

// Delete removes state of one service.
// Params: service ID key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) Delete(_ context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, serviceID)
	return nil
}

// MarkAcknowledged sets acknowledged flag under store lock.
// Params: service ID and ack time.
// Returns: acknowledged state or ErrNotFound.
func (s *MemoryStore) MarkAcknowledged(_ context.Context, serviceID string, at time.Time) (domain.AlertState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[serviceID]
	if !ok {
		return domain.AlertState{}, ErrNotFound
	}
	next, changed := acknowledge(current, at)
	if !changed {
		return current, nil
	}
	next.Version = s.bumpLocked(serviceID)
	s.states[serviceID] = next
	return next, nil
}

// List returns all states ordered by service ID.
// Params: none.
// Returns: state snapshot.
func (s *MemoryStore) List(_ context.Context) ([]domain.AlertState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AlertState, 0, len(s.states))
	for _, current := range s.states {
		out = append(out, current)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
