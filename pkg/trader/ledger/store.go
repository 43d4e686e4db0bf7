package ledger

import (
	"context"
	"sync"
)

// EventStore persists the ledger log. Implementations must be append-only:
// an event, once stored, is never updated or deleted.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	Load(ctx context.Context) ([]Event, error)
	Close() error
}

// MemoryStore keeps events in memory. Backtests use it for their private ledgers.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreFrom creates a store preloaded with events.
func NewMemoryStoreFrom(events []Event) *MemoryStore {
	return &MemoryStore{events: append([]Event(nil), events...)}
}

func (s *MemoryStore) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), nil
}

func (s *MemoryStore) Close() error { return nil }
