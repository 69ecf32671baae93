package domain

import (
	"fmt"
	"time"
)

// TransactionType is the direction of a wallet transaction
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
	TransactionTypeRefund TransactionType = "refund"
)

// Increases reports whether the type adds to the balance
func (t TransactionType) Increases() bool {
	return t == TransactionTypeCredit || t == TransactionTypeRefund
}

// Valid reports whether t is a known type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeCredit, TransactionTypeDebit, TransactionTypeRefund:
		return true
	}
	return false
}

// Reason explains why a transaction happened
type Reason string

const (
	ReasonTopUp          Reason = "top_up"
	ReasonExtraContract  Reason = "extra_contract"
	ReasonExtraSignature Reason = "extra_signature"
	ReasonSMS            Reason = "sms"
	ReasonExtraAICall    Reason = "extra_ai_call"
	ReasonRefund         Reason = "refund"
	ReasonBonus          Reason = "bonus"
)

// CreditReason reports whether r may be used for a credit
func (r Reason) CreditReason() bool {
	return r == ReasonTopUp || r == ReasonBonus || r == ReasonRefund
}

// DebitReason reports whether r may be used for a debit. A debit with reason
// refund is the compensation for a top-up that failed to settle.
func (r Reason) DebitReason() bool {
	switch r {
	case ReasonExtraContract, ReasonExtraSignature, ReasonSMS, ReasonExtraAICall, ReasonRefund:
		return true
	}
	return false
}

// WalletTransaction is an append-only ledger record
type WalletTransaction struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	Type             TransactionType `json:"type"`
	Reason           Reason          `json:"reason"`
	Amount           int64           `json:"amount"`
	Description      string          `json:"description"`
	BalanceBefore    int64           `json:"balance_before"`
	BalanceAfter     int64           `json:"balance_after"`
	RelatedEntityID  string          `json:"related_entity_id,omitempty"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	RefundOf         string          `json:"refund_of,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// CheckBalances verifies that balance_after is balance_before moved by amount
func (t *WalletTransaction) CheckBalances() error {
	want := t.BalanceBefore - t.Amount
	if t.Type.Increases() {
		want = t.BalanceBefore + t.Amount
	}
	if t.BalanceAfter != want || t.BalanceAfter < 0 {
		return &IntegrityError{
			CustomerID:    t.CustomerID,
			TransactionID: t.ID,
			Detail:        fmt.Sprintf("balance_after %d inconsistent with balance_before %d and %s of %d", t.BalanceAfter, t.BalanceBefore, t.Type, t.Amount),
		}
	}
	return nil
}

// Refundable reports whether the transaction is a debit that can be reversed
func (t *WalletTransaction) Refundable() bool {
	return t.Type == TransactionTypeDebit && t.Reason != ReasonRefund
}

// SameIntent reports whether other describes the same ledger movement. Used to
// tell a safe re-delivery from a reference collision.
func (t *WalletTransaction) SameIntent(other *WalletTransaction) bool {
	return t.CustomerID == other.CustomerID &&
		t.Type == other.Type &&
		t.Amount == other.Amount
}

// TransactionFilter narrows a transaction listing
type TransactionFilter struct {
	Type *TransactionType
	From *time.Time
	To   *time.Time
}
