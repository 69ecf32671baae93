package domain

import (
	"errors"
	"fmt"
	"time"

	"signledger/internal/common/money"
)

// Business outcomes. These are expected results, not system failures.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyRefunded     = errors.New("transaction already refunded")
	ErrNotRefundable       = errors.New("transaction is not refundable")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidReason       = errors.New("invalid reason for transaction type")
	ErrReferenceConflict   = errors.New("transaction already carries a different payment reference")
)

// IntegrityError reports ledger state that contradicts its own invariants.
// The write that detected it is rejected.
type IntegrityError struct {
	CustomerID    string
	TransactionID string
	Detail        string
}

func (e *IntegrityError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("ledger integrity violation for customer %s, transaction %s: %s", e.CustomerID, e.TransactionID, e.Detail)
	}
	return fmt.Sprintf("ledger integrity violation for customer %s: %s", e.CustomerID, e.Detail)
}

// IsIntegrityError reports whether err is or wraps an IntegrityError
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// WalletBalance is a customer's prepaid balance with running totals
type WalletBalance struct {
	CustomerID   string         `json:"customer_id"`
	Balance      int64          `json:"balance"`
	TotalCredits int64          `json:"total_credits"`
	TotalDebits  int64          `json:"total_debits"`
	Currency     money.Currency `json:"currency"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// Consistent reports whether the balance matches its running totals
func (b *WalletBalance) Consistent() bool {
	return b.Balance >= 0 && b.Balance == b.TotalCredits-b.TotalDebits
}

// CanAfford reports whether amount can be debited
func (b *WalletBalance) CanAfford(amount int64) bool {
	return b.Balance >= amount
}

// BalanceReport compares the stored balance with the sum of its transactions
type BalanceReport struct {
	CustomerID        string `json:"customer_id"`
	StoredBalance     int64  `json:"stored_balance"`
	StoredCredits     int64  `json:"stored_credits"`
	StoredDebits      int64  `json:"stored_debits"`
	TransactionCredit int64  `json:"transaction_credits"`
	TransactionDebit  int64  `json:"transaction_debits"`
	TransactionCount  int64  `json:"transaction_count"`
	Consistent        bool   `json:"consistent"`
}

// Check fills Consistent and returns an IntegrityError describing the first mismatch
func (r *BalanceReport) Check() error {
	r.Consistent = false
	switch {
	case r.StoredCredits != r.TransactionCredit:
		return &IntegrityError{CustomerID: r.CustomerID, Detail: fmt.Sprintf("total_credits %d != sum of credit transactions %d", r.StoredCredits, r.TransactionCredit)}
	case r.StoredDebits != r.TransactionDebit:
		return &IntegrityError{CustomerID: r.CustomerID, Detail: fmt.Sprintf("total_debits %d != sum of debit transactions %d", r.StoredDebits, r.TransactionDebit)}
	case r.StoredBalance != r.TransactionCredit-r.TransactionDebit:
		return &IntegrityError{CustomerID: r.CustomerID, Detail: fmt.Sprintf("balance %d != credits - debits %d", r.StoredBalance, r.TransactionCredit-r.TransactionDebit)}
	}
	r.Consistent = true
	return nil
}
