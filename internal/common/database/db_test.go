package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/billing", migrateURL("postgres://u:p@localhost:5432/billing"))
	assert.Equal(t, "pgx5://localhost/billing", migrateURL("postgresql://localhost/billing"))
	assert.Equal(t, "pgx5://localhost/billing", migrateURL("pgx5://localhost/billing"))
}

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "wallet_transactions_refund_of_key"})
	check := &pgconn.PgError{Code: "23514"}

	assert.True(t, IsUniqueViolation(unique))
	assert.Equal(t, "wallet_transactions_refund_of_key", UniqueViolationConstraint(unique))
	assert.False(t, IsUniqueViolation(check))
	assert.Empty(t, UniqueViolationConstraint(check))
	assert.True(t, IsCheckViolation(check))

	assert.True(t, IsNotFound(fmt.Errorf("scan: %w", pgx.ErrNoRows)))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.False(t, IsNotFound(errors.New("boom")))
}
