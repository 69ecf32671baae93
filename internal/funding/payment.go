// Package funding credits wallets from customer top-ups and reconciles the
// ones that settle asynchronously.
package funding

import (
	"errors"
	"time"
)

// Method is the payment method a top-up was made with
type Method string

const (
	MethodCard      Method = "card"
	MethodBankDebit Method = "sepa_debit"
)

// Valid reports whether m is a supported method
func (m Method) Valid() bool {
	return m == MethodCard || m == MethodBankDebit
}

// SettlesAsync reports whether funds are only final days after checkout
func (m Method) SettlesAsync() bool {
	return m == MethodBankDebit
}

// Status is the reconciliation state of a pending payment
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

var (
	ErrPaymentNotFound   = errors.New("pending payment not found")
	ErrAlreadyResolved   = errors.New("pending payment already resolved")
	ErrInvalidTopUp      = errors.New("invalid top-up")
	ErrProcessorMismatch = errors.New("processor reported a different payment")
)

// PendingPayment tracks one optimistic credit until the processor settles it
type PendingPayment struct {
	ID                        string     `json:"id"`
	CustomerID                string     `json:"customer_id"`
	ExternalPaymentRef        string     `json:"external_payment_ref"`
	Amount                    int64      `json:"amount"`
	PaymentMethod             Method     `json:"payment_method"`
	Status                    Status     `json:"status"`
	WalletTransactionID       string     `json:"wallet_transaction_id"`
	CompensationTransactionID string     `json:"compensation_transaction_id,omitempty"`
	FailureReason             string     `json:"failure_reason,omitempty"`
	CheckAttempts             int        `json:"check_attempts"`
	LastCheckedAt             *time.Time `json:"last_checked_at,omitempty"`
	ExpectedConfirmationDate  time.Time  `json:"expected_confirmation_date"`
	CreatedAt                 time.Time  `json:"created_at"`
	ResolvedAt                *time.Time `json:"resolved_at,omitempty"`
}

// Overdue reports whether the payment is still open past its expected
// confirmation date plus grace
func (p *PendingPayment) Overdue(now time.Time, grace time.Duration) bool {
	return !p.Status.Terminal() && now.After(p.ExpectedConfirmationDate.Add(grace))
}

// Resolution is a terminal transition applied to a pending payment
type Resolution struct {
	Status                    Status
	CompensationTransactionID string
	FailureReason             string
	ResolvedAt                time.Time
}
