// Package ledgertest provides an in-memory wallet store for tests of the
// wallet and the components built on it.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"signledger/internal/common/money"
	"signledger/internal/ledger/domain"
)

// Store is a mutex-guarded in-memory implementation of ledger.Store with the
// same atomicity and uniqueness guarantees as the PostgreSQL store
type Store struct {
	mu       sync.Mutex
	balances map[string]*domain.WalletBalance
	txns     []*domain.WalletTransaction
	byID     map[string]*domain.WalletTransaction

	// FailNext, when set, is returned by the next mutating call
	FailNext error
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		balances: make(map[string]*domain.WalletBalance),
		byID:     make(map[string]*domain.WalletTransaction),
	}
}

func (s *Store) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *Store) balance(customerID string, currency money.Currency) *domain.WalletBalance {
	b, ok := s.balances[customerID]
	if !ok {
		now := time.Now().UTC()
		b = &domain.WalletBalance{CustomerID: customerID, Currency: currency, CreatedAt: now, LastUpdated: now}
		s.balances[customerID] = b
	}
	return b
}

func (s *Store) byReference(customerID, ref string) *domain.WalletTransaction {
	if ref == "" {
		return nil
	}
	for _, t := range s.txns {
		if t.CustomerID == customerID && t.PaymentReference == ref {
			return t
		}
	}
	return nil
}

func (s *Store) refundOf(id string) *domain.WalletTransaction {
	for _, t := range s.txns {
		if t.RefundOf == id {
			return t
		}
	}
	return nil
}

func (s *Store) append(txn *domain.WalletTransaction) *domain.WalletTransaction {
	cp := *txn
	s.txns = append(s.txns, &cp)
	s.byID[cp.ID] = &cp
	out := cp
	return &out
}

// GetOrCreateBalance implements ledger.Store
func (s *Store) GetOrCreateBalance(_ context.Context, customerID string, currency money.Currency) (*domain.WalletBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.balance(customerID, currency)
	return &cp, nil
}

// ApplyCredit implements ledger.Store
func (s *Store) ApplyCredit(_ context.Context, txn *domain.WalletTransaction, currency money.Currency) (*domain.WalletTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}

	if existing := s.byReference(txn.CustomerID, txn.PaymentReference); existing != nil {
		cp := *existing
		return &cp, false, nil
	}
	if txn.RefundOf != "" && s.refundOf(txn.RefundOf) != nil {
		return nil, false, domain.ErrAlreadyRefunded
	}

	b := s.balance(txn.CustomerID, currency)
	txn.BalanceBefore = b.Balance
	b.Balance += txn.Amount
	b.TotalCredits += txn.Amount
	b.LastUpdated = time.Now().UTC()
	txn.BalanceAfter = b.Balance
	return s.append(txn), true, nil
}

// ApplyDebit implements ledger.Store
func (s *Store) ApplyDebit(_ context.Context, txn *domain.WalletTransaction) (*domain.WalletTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}

	if existing := s.byReference(txn.CustomerID, txn.PaymentReference); existing != nil {
		cp := *existing
		return &cp, false, nil
	}

	b, ok := s.balances[txn.CustomerID]
	if !ok || b.Balance < txn.Amount {
		return nil, false, domain.ErrInsufficientFunds
	}
	txn.BalanceBefore = b.Balance
	b.Balance -= txn.Amount
	b.TotalDebits += txn.Amount
	b.LastUpdated = time.Now().UTC()
	txn.BalanceAfter = b.Balance
	return s.append(txn), true, nil
}

// GetTransaction implements ledger.Store
func (s *Store) GetTransaction(_ context.Context, id string) (*domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

// FindRefundOf implements ledger.Store
func (s *Store) FindRefundOf(_ context.Context, transactionID string) (*domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.refundOf(transactionID)
	if t == nil {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTransactions implements ledger.Store
func (s *Store) ListTransactions(_ context.Context, customerID string, filter domain.TransactionFilter, limit, offset int) ([]*domain.WalletTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reverse insertion order is newest first
	var matched []*domain.WalletTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		t := s.txns[i]
		if t.CustomerID != customerID {
			continue
		}
		if filter.Type != nil && t.Type != *filter.Type {
			continue
		}
		if filter.From != nil && t.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !t.CreatedAt.Before(*filter.To) {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

// AttachPaymentReference implements ledger.Store
func (s *Store) AttachPaymentReference(_ context.Context, transactionID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[transactionID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if t.PaymentReference == ref {
		return nil
	}
	if t.PaymentReference != "" || s.byReference(t.CustomerID, ref) != nil {
		return domain.ErrReferenceConflict
	}
	t.PaymentReference = ref
	return nil
}

// SumTransactions implements ledger.Store
func (s *Store) SumTransactions(_ context.Context, customerID string) (credits, debits, count int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txns {
		if t.CustomerID != customerID {
			continue
		}
		count++
		if t.Type.Increases() {
			credits += t.Amount
		} else {
			debits += t.Amount
		}
	}
	return credits, debits, count, nil
}

// Transactions returns a copy of every stored transaction in insertion order
func (s *Store) Transactions(customerID string) []domain.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WalletTransaction
	for _, t := range s.txns {
		if t.CustomerID == customerID {
			out = append(out, *t)
		}
	}
	return out
}

// Corrupt overwrites a stored balance, for integrity-check tests
func (s *Store) Corrupt(customerID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance(customerID, money.EUR).Balance = balance
}
