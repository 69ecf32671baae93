// Package refundtest provides an in-memory refund.Store for tests.
package refundtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"signledger/internal/refund"
)

// Store is an in-memory refund.Store with the same conditional-update rules
// as the PostgreSQL store
type Store struct {
	mu       sync.Mutex
	entities map[string]*refund.Entity
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{entities: make(map[string]*refund.Entity)}
}

func key(t refund.EntityType, id string) string { return string(t) + "/" + id }

// Track implements refund.Store
func (s *Store) Track(_ context.Context, e *refund.Entity) (*refund.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(e.EntityType, e.EntityID)
	if existing, ok := s.entities[k]; ok {
		return clone(existing), false, nil
	}
	s.entities[k] = clone(e)
	return clone(e), true, nil
}

// Get implements refund.Store
func (s *Store) Get(_ context.Context, t refund.EntityType, id string) (*refund.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key(t, id)]
	if !ok {
		return nil, refund.ErrEntityNotFound
	}
	return clone(e), nil
}

// MarkArchived implements refund.Store
func (s *Store) MarkArchived(_ context.Context, t refund.EntityType, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[key(t, id)]; ok && e.Status == refund.StatusActive {
		e.Status = refund.StatusArchived
		e.ArchiveReason = reason
		e.UpdatedAt = at
	}
	return nil
}

// ClaimRefund implements refund.Store
func (s *Store) ClaimRefund(_ context.Context, t refund.EntityType, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key(t, id)]
	if !ok || e.RefundState != refund.StateEligible {
		return false, nil
	}
	e.Status = refund.StatusArchived
	e.ArchiveReason = reason
	e.RefundState = refund.StateRefunded
	e.RefundedAt = &at
	e.UpdatedAt = at
	return true, nil
}

// CompleteRefund implements refund.Store
func (s *Store) CompleteRefund(_ context.Context, t refund.EntityType, id, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[key(t, id)]; ok && e.RefundState == refund.StateRefunded {
		e.RefundTransactionID = transactionID
	}
	return nil
}

// ReleaseRefund implements refund.Store
func (s *Store) ReleaseRefund(_ context.Context, t refund.EntityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[key(t, id)]; ok && e.RefundState == refund.StateRefunded && e.RefundTransactionID == "" {
		e.RefundState = refund.StateEligible
		e.RefundedAt = nil
	}
	return nil
}

// MarkCompleted implements refund.Store
func (s *Store) MarkCompleted(_ context.Context, t refund.EntityType, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key(t, id)]
	if !ok || e.Status != refund.StatusActive {
		return false, nil
	}
	e.Status = refund.StatusCompleted
	e.UpdatedAt = at
	if e.RefundState == refund.StateEligible {
		e.RefundState = refund.StateFinalized
	}
	return e.RefundState == refund.StateFinalized, nil
}

// ListExpired implements refund.Store
func (s *Store) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]*refund.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*refund.Entity
	for _, e := range s.entities {
		if e.RefundState == refund.StateEligible && !e.CreatedAt.After(cutoff) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Finalize implements refund.Store
func (s *Store) Finalize(_ context.Context, t refund.EntityType, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key(t, id)]
	if !ok || e.RefundState != refund.StateEligible {
		return false, nil
	}
	e.RefundState = refund.StateFinalized
	e.UpdatedAt = at
	return true, nil
}

// SumRefunds implements refund.Store
func (s *Store) SumRefunds(_ context.Context, customerID string, from, to time.Time) ([]refund.TypeTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := map[refund.EntityType]*refund.TypeTotal{}
	for _, e := range s.entities {
		if e.CustomerID != customerID || e.RefundState != refund.StateRefunded || e.RefundedAt == nil {
			continue
		}
		if e.RefundedAt.Before(from) || !e.RefundedAt.Before(to) {
			continue
		}
		t, ok := byType[e.EntityType]
		if !ok {
			t = &refund.TypeTotal{EntityType: e.EntityType}
			byType[e.EntityType] = t
		}
		t.Count++
		t.Amount += e.Amount
	}
	var out []refund.TypeTotal
	for _, t := range byType {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out, nil
}

// Backdate moves an entity's creation time, opening or closing its window
func (s *Store) Backdate(t refund.EntityType, id string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[key(t, id)]; ok {
		e.CreatedAt = createdAt
	}
}

// Put stores e as is
func (s *Store) Put(e *refund.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[key(e.EntityType, e.EntityID)] = clone(e)
}

func clone(e *refund.Entity) *refund.Entity {
	c := *e
	if e.RefundedAt != nil {
		t := *e.RefundedAt
		c.RefundedAt = &t
	}
	return &c
}
