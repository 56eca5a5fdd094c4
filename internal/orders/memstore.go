package orders

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. It is the default when no Postgres DSN
// is configured, and doubles as the test store.
type MemStore struct {
	mu     sync.Mutex
	orders []Order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Record implements [Store].
func (s *MemStore) Record(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
	return nil
}

// Orders returns a copy of all recorded orders, in insertion order.
func (s *MemStore) Orders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.orders...)
}
