package decisions

import (
	"context"
	"sync"
)

// Store persists decisions and their statuses. Implementations must keep
// decisions in first-publish order.
type Store interface {
	Upsert(ctx context.Context, d Decision) error
	List(ctx context.Context) ([]Decision, error)
	SetStatus(ctx context.Context, id string, entry StatusEntry) error
	// InitStatus sets entry only when id has no status yet.
	InitStatus(ctx context.Context, id string, entry StatusEntry) error
	Statuses(ctx context.Context) (map[string]StatusEntry, error)
}

// MemoryStore is the default single-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions []Decision
	index     map[string]int
	statuses  map[string]StatusEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index:    make(map[string]int),
		statuses: make(map[string]StatusEntry),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[d.ID]; ok {
		s.decisions[i] = d
		return nil
	}
	s.index[d.ID] = len(s.decisions)
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Decision, len(s.decisions))
	copy(out, s.decisions)
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, entry StatusEntry) error {
	s.mu.Lock()
	s.statuses[id] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) InitStatus(_ context.Context, id string, entry StatusEntry) error {
	s.mu.Lock()
	if _, ok := s.statuses[id]; !ok {
		s.statuses[id] = entry
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Statuses(_ context.Context) (map[string]StatusEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StatusEntry, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out, nil
}
