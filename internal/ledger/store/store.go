package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"signledger/internal/common/database"
	"signledger/internal/common/money"
	"signledger/internal/ledger/domain"
)

const (
	paymentReferenceIndex = "wallet_transactions_payment_reference_key"
	refundOfIndex         = "wallet_transactions_refund_of_key"
)

// Store provides wallet data access on PostgreSQL
type Store struct {
	db *database.DB
}

// New creates a new wallet store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const transactionColumns = `
	id, customer_id, type, reason, amount, description, balance_before, balance_after,
	related_entity_id, payment_reference, refund_of, created_at
`

// GetOrCreateBalance returns the customer's balance, creating a zero row if none exists
func (s *Store) GetOrCreateBalance(ctx context.Context, customerID string, currency money.Currency) (*domain.WalletBalance, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallet_balances (customer_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID, currency)
	if err != nil {
		return nil, fmt.Errorf("creating balance: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		SELECT customer_id, balance, total_credits, total_debits, currency, created_at, last_updated
		FROM wallet_balances
		WHERE customer_id = $1
	`, customerID)
	return scanBalance(row)
}

// ApplyCredit atomically increments the balance and records txn. When txn carries a
// payment reference already used by this customer, the stored transaction is
// returned with created=false and the balance is untouched.
func (s *Store) ApplyCredit(ctx context.Context, txn *domain.WalletTransaction, currency money.Currency) (*domain.WalletTransaction, bool, error) {
	if existing, err := s.findReplay(ctx, txn); err != nil || existing != nil {
		return existing, false, err
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var after int64
		err := tx.QueryRow(ctx, `
			INSERT INTO wallet_balances (customer_id, balance, total_credits, currency)
			VALUES ($1, $2, $2, $3)
			ON CONFLICT (customer_id) DO UPDATE
			SET balance = wallet_balances.balance + EXCLUDED.balance,
			    total_credits = wallet_balances.total_credits + EXCLUDED.total_credits,
			    last_updated = now()
			RETURNING balance
		`, txn.CustomerID, txn.Amount, currency).Scan(&after)
		if err != nil {
			return fmt.Errorf("incrementing balance: %w", err)
		}

		txn.BalanceAfter = after
		txn.BalanceBefore = after - txn.Amount
		return insertTransaction(ctx, tx, txn)
	})
	return s.resolveInsert(ctx, txn, err)
}

// ApplyDebit atomically decrements the balance if it covers the amount and records txn.
// Returns domain.ErrInsufficientFunds without any change otherwise.
func (s *Store) ApplyDebit(ctx context.Context, txn *domain.WalletTransaction) (*domain.WalletTransaction, bool, error) {
	if existing, err := s.findReplay(ctx, txn); err != nil || existing != nil {
		return existing, false, err
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var after int64
		err := tx.QueryRow(ctx, `
			UPDATE wallet_balances
			SET balance = balance - $2,
			    total_debits = total_debits + $2,
			    last_updated = now()
			WHERE customer_id = $1 AND balance >= $2
			RETURNING balance
		`, txn.CustomerID, txn.Amount).Scan(&after)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrInsufficientFunds
			}
			return fmt.Errorf("decrementing balance: %w", err)
		}

		txn.BalanceAfter = after
		txn.BalanceBefore = after + txn.Amount
		return insertTransaction(ctx, tx, txn)
	})
	if errors.Is(err, domain.ErrInsufficientFunds) {
		// A concurrent writer with the same reference may have spent the balance
		if existing, ferr := s.findReplay(ctx, txn); ferr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return s.resolveInsert(ctx, txn, err)
}

// findReplay returns the stored transaction for txn's payment reference, if any
func (s *Store) findReplay(ctx context.Context, txn *domain.WalletTransaction) (*domain.WalletTransaction, error) {
	if txn.PaymentReference == "" {
		return nil, nil
	}
	existing, err := s.FindByPaymentReference(ctx, txn.CustomerID, txn.PaymentReference)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, nil
	}
	return existing, err
}

// resolveInsert maps unique violations raised by a concurrent writer. The whole
// transaction has been rolled back, so the balance is unchanged.
func (s *Store) resolveInsert(ctx context.Context, txn *domain.WalletTransaction, err error) (*domain.WalletTransaction, bool, error) {
	if err == nil {
		return txn, true, nil
	}
	switch database.UniqueViolationConstraint(err) {
	case paymentReferenceIndex:
		existing, findErr := s.FindByPaymentReference(ctx, txn.CustomerID, txn.PaymentReference)
		if findErr != nil {
			return nil, false, fmt.Errorf("loading concurrent transaction: %w", findErr)
		}
		return existing, false, nil
	case refundOfIndex:
		return nil, false, domain.ErrAlreadyRefunded
	}
	if database.IsCheckViolation(err) {
		return nil, false, &domain.IntegrityError{CustomerID: txn.CustomerID, TransactionID: txn.ID, Detail: err.Error()}
	}
	return nil, false, err
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *domain.WalletTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_transactions (
			id, customer_id, type, reason, amount, description, balance_before, balance_after,
			related_entity_id, payment_reference, refund_of, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		txn.ID,
		txn.CustomerID,
		txn.Type,
		txn.Reason,
		txn.Amount,
		txn.Description,
		txn.BalanceBefore,
		txn.BalanceAfter,
		nullStr(txn.RelatedEntityID),
		nullStr(txn.PaymentReference),
		nullStr(txn.RefundOf),
		txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.WalletTransaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM wallet_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// FindByPaymentReference retrieves a customer's transaction by external reference
func (s *Store) FindByPaymentReference(ctx context.Context, customerID, ref string) (*domain.WalletTransaction, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE customer_id = $1 AND payment_reference = $2
	`, customerID, ref)
	return scanTransaction(row)
}

// FindRefundOf retrieves the refund recorded against a debit
func (s *Store) FindRefundOf(ctx context.Context, transactionID string) (*domain.WalletTransaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM wallet_transactions WHERE refund_of = $1`, transactionID)
	return scanTransaction(row)
}

// ListTransactions lists a customer's transactions, newest first
func (s *Store) ListTransactions(ctx context.Context, customerID string, filter domain.TransactionFilter, limit, offset int) ([]*domain.WalletTransaction, int64, error) {
	where := []string{"customer_id = $1"}
	args := []interface{}{customerID}

	if filter.Type != nil {
		args = append(args, *filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_transactions WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM wallet_transactions WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, clause, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.WalletTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txns = append(txns, t)
	}
	return txns, total, rows.Err()
}

// AttachPaymentReference sets the external reference on a transaction that has none
func (s *Store) AttachPaymentReference(ctx context.Context, transactionID, ref string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE wallet_transactions
		SET payment_reference = $2
		WHERE id = $1 AND payment_reference IS NULL
	`, transactionID, ref)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return domain.ErrReferenceConflict
		}
		return fmt.Errorf("attaching payment reference: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := s.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if existing.PaymentReference != ref {
		return domain.ErrReferenceConflict
	}
	return nil
}

// SumTransactions totals a customer's transactions by direction
func (s *Store) SumTransactions(ctx context.Context, customerID string) (credits, debits, count int64, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type IN ('credit', 'refund')), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'debit'), 0),
			COUNT(*)
		FROM wallet_transactions
		WHERE customer_id = $1
	`, customerID).Scan(&credits, &debits, &count)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("summing transactions: %w", err)
	}
	return credits, debits, count, nil
}

func scanBalance(row pgx.Row) (*domain.WalletBalance, error) {
	var b domain.WalletBalance
	err := row.Scan(&b.CustomerID, &b.Balance, &b.TotalCredits, &b.TotalDebits, &b.Currency, &b.CreatedAt, &b.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning balance: %w", err)
	}
	return &b, nil
}

func scanTransaction(row pgx.Row) (*domain.WalletTransaction, error) {
	var t domain.WalletTransaction
	var relatedEntityID, paymentReference, refundOf *string
	err := row.Scan(
		&t.ID, &t.CustomerID, &t.Type, &t.Reason, &t.Amount, &t.Description,
		&t.BalanceBefore, &t.BalanceAfter, &relatedEntityID, &paymentReference, &refundOf,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	t.RelatedEntityID = deref(relatedEntityID)
	t.PaymentReference = deref(paymentReference)
	t.RefundOf = deref(refundOf)
	return &t, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
