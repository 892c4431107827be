package memory

import (
	"context"
	"sync"
)

// InMemoryStore is the default Store: a bounded per-key history ring and a
// working-memory map, both process-local. Contents are lost on restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	history map[string][]Entry
	working map[string]map[string]string
}

// NewInMemoryStore creates an InMemoryStore whose history rings hold at most
// limit entries per key.
func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &InMemoryStore{
		limit:   limit,
		history: map[string][]Entry{},
		working: map[string]map[string]string{},
	}
}

// AppendHistory appends an entry, evicting the oldest when the ring is full.
func (s *InMemoryStore) AppendHistory(ctx context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.history[key], entry)
	if len(ring) > s.limit {
		ring = ring[len(ring)-s.limit:]
	}
	s.history[key] = ring
	return nil
}

// History returns up to limit entries for the key, oldest first.
func (s *InMemoryStore) History(ctx context.Context, key string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.history[key]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	out := make([]Entry, len(ring))
	copy(out, ring)
	return out, nil
}

// SetWorkingMemory stores a field for the scope. An empty value deletes the field.
func (s *InMemoryStore) SetWorkingMemory(ctx context.Context, scopeID, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := s.working[scopeID]
	if fields == nil {
		fields = map[string]string{}
		s.working[scopeID] = fields
	}
	if value == "" {
		delete(fields, field)
		return nil
	}
	fields[field] = value
	return nil
}

// WorkingMemory returns a copy of the scope's fields.
func (s *InMemoryStore) WorkingMemory(ctx context.Context, scopeID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields := s.working[scopeID]
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}
