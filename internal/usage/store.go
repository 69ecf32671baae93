package usage

import (
	"context"
	"fmt"
	"time"

	"signledger/internal/common/database"
	"signledger/internal/plans"
)

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a usage event store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record implements Store. An event for an entity already recorded under the
// same usage type is not inserted again; the stored one is returned instead.
func (s *PostgresStore) Record(ctx context.Context, e *Event) (*Event, bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO usage_events (id, customer_id, usage_type, quantity, entity_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (customer_id, usage_type, entity_id) WHERE entity_id IS NOT NULL DO NOTHING
	`, e.ID, e.CustomerID, e.Type, e.Quantity, nullStr(e.EntityID), e.OccurredAt)
	if err != nil {
		return nil, false, fmt.Errorf("inserting usage event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}

	var (
		existing Event
		t        string
		entityID *string
	)
	err = s.db.QueryRow(ctx, `
		SELECT id, customer_id, usage_type, quantity, entity_id, occurred_at
		FROM usage_events
		WHERE customer_id = $1 AND usage_type = $2 AND entity_id = $3
	`, e.CustomerID, e.Type, e.EntityID).Scan(
		&existing.ID, &existing.CustomerID, &t, &existing.Quantity, &entityID, &existing.OccurredAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("loading recorded usage event: %w", err)
	}
	existing.Type = plans.UsageType(t)
	if entityID != nil {
		existing.EntityID = *entityID
	}
	return &existing, false, nil
}

// CountByType implements Store
func (s *PostgresStore) CountByType(ctx context.Context, customerID string, from, to time.Time) (map[plans.UsageType]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT usage_type, SUM(quantity)
		FROM usage_events
		WHERE customer_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		GROUP BY usage_type
	`, customerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("counting usage: %w", err)
	}
	defer rows.Close()

	counts := make(map[plans.UsageType]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning usage count: %w", err)
		}
		counts[plans.UsageType(t)] = n
	}
	return counts, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
