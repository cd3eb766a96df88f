package audit

import (
	"context"
	"sync"
)

// MemStore is an in-memory audit store for database-less runs and tests.
type MemStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemStore creates an empty in-memory audit store
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Insert appends an event
func (s *MemStore) Insert(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// Query returns events matching the filters, newest first
func (s *MemStore) Query(_ context.Context, filters *QueryFilters) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filters == nil {
		filters = &QueryFilters{}
	}

	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filters.TaskID != "" && e.TaskID != filters.TaskID {
			continue
		}
		if filters.AgentID != "" && e.AgentID != filters.AgentID {
			continue
		}
		if filters.EventType != "" && e.EventType != filters.EventType {
			continue
		}
		if !filters.Since.IsZero() && e.CreatedAt.Before(filters.Since) {
			continue
		}
		out = append(out, e)
		if filters.Limit > 0 && len(out) >= filters.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored events
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
