package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEventNotFound is returned by the memory store for unknown ids.
var ErrEventNotFound = errors.New("audit event not found")

type memoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an in-process audit store.
func NewMemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) Log(_ context.Context, e Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.NewString()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, e)
	return e.ID, nil
}

func (s *memoryStore) Query(_ context.Context, p QueryParams) ([]Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Event
	for _, e := range s.events {
		if match(e, p) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	total := len(matched)
	if p.Offset > 0 {
		if p.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[p.Offset:]
	}
	if p.Limit > 0 && len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}
	return matched, total, nil
}

func (s *memoryStore) GetEvent(_ context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ID == id {
			return e, nil
		}
	}
	return Event{}, ErrEventNotFound
}

func match(e Event, p QueryParams) bool {
	eq := func(want *string, got string) bool { return want == nil || *want == got }
	if !eq(p.RunID, e.RunID) || !eq(p.Action, e.Action) || !eq(p.ResourceType, e.ResourceType) ||
		!eq(p.ResourceID, deref(e.ResourceID)) || !eq(p.Outcome, e.Outcome) {
		return false
	}
	if p.StartTime != nil && e.Timestamp.Before(*p.StartTime) {
		return false
	}
	if p.EndTime != nil && e.Timestamp.After(*p.EndTime) {
		return false
	}
	return true
}
