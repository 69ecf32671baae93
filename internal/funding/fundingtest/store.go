// Package fundingtest provides in-memory funding collaborators for tests.
package fundingtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signledger/internal/common/money"
	"signledger/internal/funding"
)

// Store is an in-memory funding.Store with the same conditional-update rules
// as the PostgreSQL store
type Store struct {
	mu       sync.Mutex
	payments map[string]*funding.PendingPayment
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{payments: make(map[string]*funding.PendingPayment)}
}

// Create implements funding.Store
func (s *Store) Create(_ context.Context, p *funding.PendingPayment) (*funding.PendingPayment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.ExternalPaymentRef == p.ExternalPaymentRef {
			return clone(existing), false, nil
		}
	}
	s.payments[p.ID] = clone(p)
	return clone(p), true, nil
}

// GetByReference implements funding.Store
func (s *Store) GetByReference(_ context.Context, ref string) (*funding.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ExternalPaymentRef == ref {
			return clone(p), nil
		}
	}
	return nil, funding.ErrPaymentNotFound
}

// ListOpen implements funding.Store
func (s *Store) ListOpen(_ context.Context, limit int) ([]*funding.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*funding.PendingPayment
	for _, p := range s.sorted() {
		if !p.Status.Terminal() {
			out = append(out, clone(p))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// List implements funding.Store
func (s *Store) List(_ context.Context, status *funding.Status, limit, offset int) ([]*funding.PendingPayment, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*funding.PendingPayment
	all := s.sorted()
	for i := len(all) - 1; i >= 0; i-- {
		if status == nil || all[i].Status == *status {
			matched = append(matched, clone(all[i]))
		}
	}
	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// MarkProcessing implements funding.Store
func (s *Store) MarkProcessing(_ context.Context, id string, at time.Time) (*funding.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status.Terminal() {
		return nil, funding.ErrAlreadyResolved
	}
	p.Status = funding.StatusProcessing
	p.CheckAttempts++
	p.LastCheckedAt = &at
	return clone(p), nil
}

// Release implements funding.Store
func (s *Store) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[id]; ok && p.Status == funding.StatusProcessing {
		p.Status = funding.StatusPending
	}
	return nil
}

// Resolve implements funding.Store
func (s *Store) Resolve(_ context.Context, id string, res funding.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status.Terminal() {
		return false, nil
	}
	p.Status = res.Status
	p.CompensationTransactionID = res.CompensationTransactionID
	p.FailureReason = res.FailureReason
	at := res.ResolvedAt
	p.ResolvedAt = &at
	return true, nil
}

// Put stores p as-is, overwriting any payment with the same ID
func (s *Store) Put(p *funding.PendingPayment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = clone(p)
}

func (s *Store) sorted() []*funding.PendingPayment {
	out := make([]*funding.PendingPayment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func clone(p *funding.PendingPayment) *funding.PendingPayment {
	c := *p
	return &c
}

// Processor is a scripted funding.Processor
type Processor struct {
	mu       sync.Mutex
	statuses map[string]*funding.PaymentStatus
	errs     map[string]error
	calls    map[string]int
	created  []*funding.TopUpIntent

	// Delay, when set, blocks each status call until it elapses or ctx ends
	Delay time.Duration
}

// NewProcessor creates a processor that reports every payment as pending
func NewProcessor() *Processor {
	return &Processor{
		statuses: make(map[string]*funding.PaymentStatus),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Name implements funding.Processor
func (p *Processor) Name() string { return "fake" }

// CreateTopUpIntent implements funding.Processor
func (p *Processor) CreateTopUpIntent(_ context.Context, customerID string, amount int64, currency money.Currency, method funding.Method) (*funding.TopUpIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent := &funding.TopUpIntent{
		PaymentReference: fmt.Sprintf("pi_fake_%s_%d", customerID, len(p.created)+1),
		ClientSecret:     "secret",
		Amount:           amount,
		Currency:         currency,
		Method:           method,
		Status:           funding.ProcessorPending,
	}
	p.created = append(p.created, intent)
	p.statuses[intent.PaymentReference] = &funding.PaymentStatus{
		Reference: intent.PaymentReference, CustomerID: customerID, Status: funding.ProcessorPending, Amount: amount, Method: method,
	}
	return intent, nil
}

// GetPaymentStatus implements funding.Processor
func (p *Processor) GetPaymentStatus(ctx context.Context, ref string) (*funding.PaymentStatus, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[ref]++
	if err := p.errs[ref]; err != nil {
		return nil, err
	}
	if st, ok := p.statuses[ref]; ok {
		c := *st
		return &c, nil
	}
	return &funding.PaymentStatus{Reference: ref, Status: funding.ProcessorPending}, nil
}

// Set scripts the status reported for ref. The customer and method of an
// intent created through the processor are kept.
func (p *Processor) Set(ref string, status funding.ProcessorStatus, amount int64, failureReason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := &funding.PaymentStatus{Reference: ref, Status: status, Amount: amount, FailureReason: failureReason}
	if prev, ok := p.statuses[ref]; ok {
		next.CustomerID = prev.CustomerID
		next.Method = prev.Method
	}
	p.statuses[ref] = next
	delete(p.errs, ref)
}

// Fail makes every status call for ref return err
func (p *Processor) Fail(ref string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[ref] = err
}

// Calls returns how often ref was polled
func (p *Processor) Calls(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ref]
}
