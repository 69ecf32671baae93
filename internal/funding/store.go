package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signledger/internal/common/database"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, customer_id, external_payment_ref, amount, payment_method, status,
	wallet_transaction_id, compensation_transaction_id, failure_reason,
	check_attempts, last_checked_at, expected_confirmation_date, created_at, resolved_at
`

// Create inserts p. A payment already recorded for the same reference is
// returned with created=false.
func (s *PostgresStore) Create(ctx context.Context, p *PendingPayment) (*PendingPayment, bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO pending_payments (
			id, customer_id, external_payment_ref, amount, payment_method, status,
			wallet_transaction_id, expected_confirmation_date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_payment_ref) DO NOTHING
	`, p.ID, p.CustomerID, p.ExternalPaymentRef, p.Amount, p.PaymentMethod, p.Status,
		p.WalletTransactionID, p.ExpectedConfirmationDate, p.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("inserting pending payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return p, true, nil
	}

	existing, err := s.GetByReference(ctx, p.ExternalPaymentRef)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByReference retrieves a pending payment by processor reference.
func (s *PostgresStore) GetByReference(ctx context.Context, ref string) (*PendingPayment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM pending_payments WHERE external_payment_ref = $1`, ref)
	return scanPayment(row)
}

// ListOpen returns up to limit non-terminal payments, oldest first.
func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*PendingPayment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM pending_payments
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing open payments: %w", err)
	}
	defer rows.Close()
	return collectPayments(rows)
}

// List returns a page of payments, newest first, with the total count.
func (s *PostgresStore) List(ctx context.Context, status *Status, limit, offset int) ([]*PendingPayment, int64, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}

	var total int64
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM pending_payments WHERE ($1::text IS NULL OR status = $1)
	`, filter).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payments: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM pending_payments
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, filter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	payments, err := collectPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// MarkProcessing claims an open payment for a poll and counts the attempt.
// ErrAlreadyResolved means a racing run reached a terminal state first.
func (s *PostgresStore) MarkProcessing(ctx context.Context, id string, at time.Time) (*PendingPayment, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE pending_payments
		SET status = 'processing', check_attempts = check_attempts + 1, last_checked_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+paymentColumns, id, at)
	p, err := scanPayment(row)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, ErrAlreadyResolved
	}
	return p, err
}

// Release returns a processing payment to pending.
func (s *PostgresStore) Release(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE pending_payments SET status = 'pending'
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("releasing payment: %w", err)
	}
	return nil
}

// Resolve moves a non-terminal payment to a terminal status. It reports false
// when the payment was already terminal.
func (s *PostgresStore) Resolve(ctx context.Context, id string, res Resolution) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE pending_payments
		SET status = $2, compensation_transaction_id = $3, failure_reason = $4, resolved_at = $5
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, res.Status, nullStr(res.CompensationTransactionID), nullStr(res.FailureReason), res.ResolvedAt)
	if err != nil {
		return false, fmt.Errorf("resolving payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectPayments(rows pgx.Rows) ([]*PendingPayment, error) {
	var payments []*PendingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row pgx.Row) (*PendingPayment, error) {
	var p PendingPayment
	var compensationID, failureReason *string
	err := row.Scan(
		&p.ID, &p.CustomerID, &p.ExternalPaymentRef, &p.Amount, &p.PaymentMethod, &p.Status,
		&p.WalletTransactionID, &compensationID, &failureReason,
		&p.CheckAttempts, &p.LastCheckedAt, &p.ExpectedConfirmationDate, &p.CreatedAt, &p.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scanning pending payment: %w", err)
	}
	if compensationID != nil {
		p.CompensationTransactionID = *compensationID
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
