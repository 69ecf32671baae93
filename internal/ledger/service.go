package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"signledger/internal/common/events"
	"signledger/internal/common/metrics"
	"signledger/internal/common/money"
	"signledger/internal/ledger/domain"
)

// Store is the persistence contract of the wallet. Credit and debit must each be
// a single atomic conditional update whose before/after values fill the record.
type Store interface {
	GetOrCreateBalance(ctx context.Context, customerID string, currency money.Currency) (*domain.WalletBalance, error)
	ApplyCredit(ctx context.Context, txn *domain.WalletTransaction, currency money.Currency) (*domain.WalletTransaction, bool, error)
	ApplyDebit(ctx context.Context, txn *domain.WalletTransaction) (*domain.WalletTransaction, bool, error)
	GetTransaction(ctx context.Context, id string) (*domain.WalletTransaction, error)
	FindRefundOf(ctx context.Context, transactionID string) (*domain.WalletTransaction, error)
	ListTransactions(ctx context.Context, customerID string, filter domain.TransactionFilter, limit, offset int) ([]*domain.WalletTransaction, int64, error)
	AttachPaymentReference(ctx context.Context, transactionID, ref string) error
	SumTransactions(ctx context.Context, customerID string) (credits, debits, count int64, err error)
}

// Service owns every write to wallet balances and transactions
type Service struct {
	store     Store
	currency  money.Currency
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new wallet service
func NewService(store Store, currency money.Currency, publisher events.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Service{
		store:     store,
		currency:  currency,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetBalance returns the customer's balance, lazily creating a zero balance
func (s *Service) GetBalance(ctx context.Context, customerID string) (*domain.WalletBalance, error) {
	return s.store.GetOrCreateBalance(ctx, customerID, s.currency)
}

// CreditRequest adds funds to a wallet
type CreditRequest struct {
	CustomerID       string        `json:"customer_id" validate:"required"`
	Amount           int64         `json:"amount" validate:"required,minor_units"`
	Reason           domain.Reason `json:"reason" validate:"required,oneof=top_up bonus"`
	Description      string        `json:"description" validate:"max=500"`
	PaymentReference string        `json:"payment_reference,omitempty" validate:"max=255"`
	RelatedEntityID  string        `json:"related_entity_id,omitempty"`
}

// AddCredits credits the wallet. A repeated payment reference returns the
// original transaction instead of crediting twice.
func (s *Service) AddCredits(ctx context.Context, req CreditRequest) (*domain.WalletTransaction, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !req.Reason.CreditReason() || req.Reason == domain.ReasonRefund {
		return nil, fmt.Errorf("%w: credit with reason %q", domain.ErrInvalidReason, req.Reason)
	}

	txn := s.newTransaction(req.CustomerID, domain.TransactionTypeCredit, req.Reason, req.Amount, req.Description)
	txn.PaymentReference = req.PaymentReference
	txn.RelatedEntityID = req.RelatedEntityID

	stored, created, err := s.store.ApplyCredit(ctx, txn, s.currency)
	if err != nil {
		s.metrics.WalletOp("credit", "error")
		return nil, s.integrity(err, "credit failed")
	}
	if !created {
		return s.replayed("credit", txn, stored)
	}

	s.applied(ctx, stored, events.EventWalletCredited)
	return stored, nil
}

// DebitRequest removes funds from a wallet
type DebitRequest struct {
	CustomerID       string        `json:"customer_id" validate:"required"`
	Amount           int64         `json:"amount" validate:"required,minor_units"`
	Reason           domain.Reason `json:"reason" validate:"required,oneof=extra_contract extra_signature sms extra_ai_call"`
	Description      string        `json:"description" validate:"max=500"`
	RelatedEntityID  string        `json:"related_entity_id,omitempty" validate:"max=255"`
	PaymentReference string        `json:"payment_reference,omitempty" validate:"max=255"`
}

// Debit charges the wallet only if the balance covers the amount. It fails with
// domain.ErrInsufficientFunds and leaves the balance unchanged otherwise.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*domain.WalletTransaction, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !req.Reason.DebitReason() {
		return nil, fmt.Errorf("%w: debit with reason %q", domain.ErrInvalidReason, req.Reason)
	}

	txn := s.newTransaction(req.CustomerID, domain.TransactionTypeDebit, req.Reason, req.Amount, req.Description)
	txn.RelatedEntityID = req.RelatedEntityID
	txn.PaymentReference = req.PaymentReference

	stored, created, err := s.store.ApplyDebit(ctx, txn)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.metrics.WalletOp("debit", "insufficient_funds")
			s.logger.Debug("debit declined",
				"customer_id", req.CustomerID,
				"amount", req.Amount,
				"reason", req.Reason,
			)
			return nil, err
		}
		s.metrics.WalletOp("debit", "error")
		return nil, s.integrity(err, "debit failed")
	}
	if !created {
		return s.replayed("debit", txn, stored)
	}

	s.applied(ctx, stored, events.EventWalletDebited)
	return stored, nil
}

// Refund credits back a debit. Each debit can be refunded at most once.
func (s *Service) Refund(ctx context.Context, transactionID string) (*domain.WalletTransaction, error) {
	original, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !original.Refundable() {
		return nil, domain.ErrNotRefundable
	}

	if _, err := s.store.FindRefundOf(ctx, original.ID); err == nil {
		return nil, domain.ErrAlreadyRefunded
	} else if !errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, fmt.Errorf("checking prior refund: %w", err)
	}

	txn := s.newTransaction(original.CustomerID, domain.TransactionTypeRefund, domain.ReasonRefund, original.Amount,
		"Refund: "+original.Description)
	txn.RelatedEntityID = original.RelatedEntityID
	txn.RefundOf = original.ID

	stored, _, err := s.store.ApplyCredit(ctx, txn, s.currency)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRefunded) {
			s.metrics.WalletOp("refund", "already_refunded")
			return nil, err
		}
		s.metrics.WalletOp("refund", "error")
		return nil, s.integrity(err, "refund failed")
	}

	s.applied(ctx, stored, events.EventWalletRefunded)
	return stored, nil
}

// FormatAmount renders minor units in the wallet currency
func (s *Service) FormatAmount(amountMinor int64) string {
	return money.Format(amountMinor, s.currency)
}

// Currency returns the wallet currency
func (s *Service) Currency() money.Currency {
	return s.currency
}

// ListTransactions returns a page of the customer's history, newest first
func (s *Service) ListTransactions(ctx context.Context, customerID string, filter domain.TransactionFilter, limit, offset int) ([]*domain.WalletTransaction, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.ListTransactions(ctx, customerID, filter, limit, offset)
}

// GetTransaction retrieves a transaction by ID
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.WalletTransaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// AttachPaymentReference records a late-arriving external reference on a transaction
func (s *Service) AttachPaymentReference(ctx context.Context, transactionID, ref string) error {
	if ref == "" {
		return errors.New("payment reference is required")
	}
	if err := s.store.AttachPaymentReference(ctx, transactionID, ref); err != nil {
		return err
	}
	s.logger.Info("payment reference attached", "transaction_id", transactionID, "payment_reference", ref)
	return nil
}

// VerifyBalance recomputes the balance from the transaction history and compares
// it with the stored running totals
func (s *Service) VerifyBalance(ctx context.Context, customerID string) (*domain.BalanceReport, error) {
	balance, err := s.store.GetOrCreateBalance(ctx, customerID, s.currency)
	if err != nil {
		return nil, err
	}
	credits, debits, count, err := s.store.SumTransactions(ctx, customerID)
	if err != nil {
		return nil, err
	}

	report := &domain.BalanceReport{
		CustomerID:        customerID,
		StoredBalance:     balance.Balance,
		StoredCredits:     balance.TotalCredits,
		StoredDebits:      balance.TotalDebits,
		TransactionCredit: credits,
		TransactionDebit:  debits,
		TransactionCount:  count,
	}
	if err := report.Check(); err != nil {
		s.logger.Error("wallet balance mismatch",
			"customer_id", customerID,
			"error", err,
			"stored_balance", balance.Balance,
			"transaction_credits", credits,
			"transaction_debits", debits,
		)
		return report, err
	}
	return report, nil
}

func (s *Service) newTransaction(customerID string, t domain.TransactionType, reason domain.Reason, amount int64, description string) *domain.WalletTransaction {
	return &domain.WalletTransaction{
		ID:          ulid.Make().String(),
		CustomerID:  customerID,
		Type:        t,
		Reason:      reason,
		Amount:      amount,
		Description: description,
		CreatedAt:   s.now(),
	}
}

// replayed handles a payment reference that was already recorded. A replay that
// moves a different amount is a reference collision, not a re-delivery.
func (s *Service) replayed(op string, attempted, stored *domain.WalletTransaction) (*domain.WalletTransaction, error) {
	if !stored.SameIntent(attempted) {
		err := &domain.IntegrityError{
			CustomerID:    attempted.CustomerID,
			TransactionID: stored.ID,
			Detail: fmt.Sprintf("payment reference %s reused: stored %s of %d, attempted %s of %d",
				stored.PaymentReference, stored.Type, stored.Amount, attempted.Type, attempted.Amount),
		}
		s.metrics.WalletOp(op, "integrity_error")
		s.logger.Error("idempotency key collision", "error", err, "customer_id", attempted.CustomerID)
		return nil, err
	}

	s.metrics.WalletOp(op, "replayed")
	s.logger.Info("duplicate payment reference, returning original transaction",
		"customer_id", stored.CustomerID,
		"transaction_id", stored.ID,
		"payment_reference", stored.PaymentReference,
	)
	return stored, nil
}

func (s *Service) applied(ctx context.Context, txn *domain.WalletTransaction, eventType string) {
	if err := txn.CheckBalances(); err != nil {
		// The row is committed; surface it to operators rather than the caller.
		s.logger.Error("transaction balances inconsistent", "error", err)
	}

	s.metrics.WalletOp(string(txn.Type), "ok")
	s.metrics.WalletAmount(string(txn.Type), string(txn.Reason), txn.Amount)

	s.logger.Info("wallet transaction recorded",
		"customer_id", txn.CustomerID,
		"transaction_id", txn.ID,
		"type", txn.Type,
		"reason", txn.Reason,
		"amount", txn.Amount,
		"balance_after", txn.BalanceAfter,
	)

	events.PublishAfterCommit(ctx, s.publisher, s.logger, eventType, txn.CustomerID, "wallet_transaction", txn.ID,
		events.WalletTransactionData{
			TransactionID:   txn.ID,
			CustomerID:      txn.CustomerID,
			Type:            string(txn.Type),
			Reason:          string(txn.Reason),
			Amount:          txn.Amount,
			BalanceAfter:    txn.BalanceAfter,
			RelatedEntityID: txn.RelatedEntityID,
			RefundOf:        txn.RefundOf,
		})
}

func (s *Service) integrity(err error, msg string) error {
	if domain.IsIntegrityError(err) {
		s.logger.Error("ledger write rejected", "error", err)
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}
