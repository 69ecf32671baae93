// Package usagetest provides an in-memory usage event store for tests.
package usagetest

import (
	"context"
	"sync"
	"time"

	"signledger/internal/plans"
	"signledger/internal/usage"
)

// Store is an in-memory usage.Store
type Store struct {
	mu     sync.Mutex
	events []usage.Event

	// FailRecord, when set, is returned by every Record call
	FailRecord error
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{}
}

// Record implements usage.Store
func (s *Store) Record(_ context.Context, e *usage.Event) (*usage.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRecord != nil {
		return nil, false, s.FailRecord
	}
	if e.EntityID != "" {
		for _, existing := range s.events {
			if existing.CustomerID == e.CustomerID && existing.Type == e.Type && existing.EntityID == e.EntityID {
				out := existing
				return &out, false, nil
			}
		}
	}
	s.events = append(s.events, *e)
	return e, true, nil
}

// CountByType implements usage.Store
func (s *Store) CountByType(_ context.Context, customerID string, from, to time.Time) (map[plans.UsageType]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[plans.UsageType]int64)
	for _, e := range s.events {
		if e.CustomerID == customerID && !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			counts[e.Type] += e.Quantity
		}
	}
	return counts, nil
}

// Seed records n units of t at the given time
func (s *Store) Seed(customerID string, t plans.UsageType, n int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, usage.Event{CustomerID: customerID, Type: t, Quantity: n, OccurredAt: at})
}

// Events returns a copy of the recorded events
func (s *Store) Events() []usage.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usage.Event(nil), s.events...)
}
