package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signledger/internal/common/database"
)

// PostgresStore implements Store on the billable_entities table. Every state
// change is a conditional update so racing callers apply it at most once.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entityColumns = `
	entity_id, entity_type, customer_id, charge_transaction_id, amount, status,
	refund_state, refund_transaction_id, archive_reason, created_at, refunded_at, updated_at
`

// Track inserts e. An entity already tracked is returned with created=false.
func (s *PostgresStore) Track(ctx context.Context, e *Entity) (*Entity, bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO billable_entities (
			entity_id, entity_type, customer_id, charge_transaction_id, amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
	`, e.EntityID, e.EntityType, e.CustomerID, e.ChargeTransactionID, e.Amount, e.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("inserting billable entity: %w", err)
	}

	stored, err := s.Get(ctx, e.EntityType, e.EntityID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// Get retrieves an entity.
func (s *PostgresStore) Get(ctx context.Context, entityType EntityType, entityID string) (*Entity, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM billable_entities WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)
	return scanEntity(row)
}

// MarkArchived records the archive of an active entity without touching its
// refund state.
func (s *PostgresStore) MarkArchived(ctx context.Context, entityType EntityType, entityID, reason string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE billable_entities
		SET status = 'archived', archive_reason = $3, updated_at = $4
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'active'
	`, entityType, entityID, nullStr(reason), at)
	if err != nil {
		return fmt.Errorf("archiving entity: %w", err)
	}
	return nil
}

// ClaimRefund moves an eligible entity to refunded before the ledger refund is
// applied. It reports false when another caller got there first.
func (s *PostgresStore) ClaimRefund(ctx context.Context, entityType EntityType, entityID, reason string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE billable_entities
		SET status = 'archived', archive_reason = $3, refund_state = 'refunded', refunded_at = $4, updated_at = $4
		WHERE entity_type = $1 AND entity_id = $2 AND refund_state = 'eligible'
	`, entityType, entityID, nullStr(reason), at)
	if err != nil {
		return false, fmt.Errorf("claiming refund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRefund attaches the ledger refund to a claimed entity.
func (s *PostgresStore) CompleteRefund(ctx context.Context, entityType EntityType, entityID, transactionID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE billable_entities
		SET refund_transaction_id = $3, updated_at = now()
		WHERE entity_type = $1 AND entity_id = $2 AND refund_state = 'refunded'
	`, entityType, entityID, transactionID)
	if err != nil {
		return fmt.Errorf("completing refund: %w", err)
	}
	return nil
}

// ReleaseRefund returns a claimed entity whose ledger refund did not happen
// to eligible.
func (s *PostgresStore) ReleaseRefund(ctx context.Context, entityType EntityType, entityID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE billable_entities
		SET refund_state = 'eligible', refunded_at = NULL, updated_at = now()
		WHERE entity_type = $1 AND entity_id = $2 AND refund_state = 'refunded' AND refund_transaction_id IS NULL
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("releasing refund claim: %w", err)
	}
	return nil
}

// MarkCompleted records a completed document and closes its refund window.
// It reports whether the refund state was finalized by this call.
func (s *PostgresStore) MarkCompleted(ctx context.Context, entityType EntityType, entityID string, at time.Time) (bool, error) {
	var finalized bool
	err := s.db.QueryRow(ctx, `
		UPDATE billable_entities
		SET status = 'completed',
		    refund_state = CASE WHEN refund_state = 'eligible' THEN 'finalized' ELSE refund_state END,
		    updated_at = $3
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'active'
		RETURNING refund_state = 'finalized'
	`, entityType, entityID, at).Scan(&finalized)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("completing entity: %w", err)
	}
	return finalized, nil
}

// ListExpired returns up to limit eligible entities created at or before cutoff.
func (s *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Entity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entityColumns+`
		FROM billable_entities
		WHERE refund_state = 'eligible' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Finalize closes the refund window of an eligible entity. It reports false
// when the entity was refunded or finalized meanwhile.
func (s *PostgresStore) Finalize(ctx context.Context, entityType EntityType, entityID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE billable_entities
		SET refund_state = 'finalized', updated_at = $3
		WHERE entity_type = $1 AND entity_id = $2 AND refund_state = 'eligible'
	`, entityType, entityID, at)
	if err != nil {
		return false, fmt.Errorf("finalizing entity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SumRefunds aggregates refunded entities of a customer in [from, to).
func (s *PostgresStore) SumRefunds(ctx context.Context, customerID string, from, to time.Time) ([]TypeTotal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT entity_type, COUNT(*), COALESCE(SUM(amount), 0)
		FROM billable_entities
		WHERE customer_id = $1 AND refund_state = 'refunded'
		  AND refunded_at >= $2 AND refunded_at < $3
		GROUP BY entity_type
		ORDER BY entity_type
	`, customerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("summing refunds: %w", err)
	}
	defer rows.Close()

	var out []TypeTotal
	for rows.Next() {
		var t TypeTotal
		if err := rows.Scan(&t.EntityType, &t.Count, &t.Amount); err != nil {
			return nil, fmt.Errorf("scanning refund total: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanEntity(row pgx.Row) (*Entity, error) {
	var e Entity
	var refundTxn, reason *string
	err := row.Scan(
		&e.EntityID, &e.EntityType, &e.CustomerID, &e.ChargeTransactionID, &e.Amount, &e.Status,
		&e.RefundState, &refundTxn, &reason, &e.CreatedAt, &e.RefundedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("scanning billable entity: %w", err)
	}
	if refundTxn != nil {
		e.RefundTransactionID = *refundTxn
	}
	if reason != nil {
		e.ArchiveReason = *reason
	}
	return &e, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
