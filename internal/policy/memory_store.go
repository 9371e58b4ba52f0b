package policy

import (
	"context"
	"sort"
	"sync"

	"escalation/internal/domain"
)

// MemoryStore keeps policies in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]domain.EscalationPolicy
}

// NewMemoryStore creates empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]domain.EscalationPolicy)}
}

// Get returns policy of one service or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, serviceID string) (domain.EscalationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[serviceID]
	if !ok {
		return domain.EscalationPolicy{}, ErrNotFound
	}
	return policy, nil
}

// Save replaces policy document of its service.
func (s *MemoryStore) Save(_ context.Context, policy domain.EscalationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ServiceID] = policy
	return nil
}

// Delete removes policy of one service.
func (s *MemoryStore) Delete(_ context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, serviceID)
	return nil
}

// List returns all policies ordered by service ID.
func (s *MemoryStore) List(_ context.Context) ([]domain.EscalationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EscalationPolicy, 0, len(s.policies))
	for _, policy := range s.policies {
		out = append(out, policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
