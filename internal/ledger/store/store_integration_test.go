//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"signledger/internal/common/database"
	"signledger/internal/common/money"
	"signledger/internal/ledger"
	"signledger/internal/ledger/domain"
	"signledger/internal/ledger/store"
)

func setupDatabase(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("billing_test"),
		postgres.WithUsername("billing"),
		postgres.WithPassword("billing_test_password"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(url, logger))

	db, err := database.New(ctx, database.Config{URL: url, MaxConns: 20, MinConns: 1, MaxConnLifetime: time.Hour, MaxConnIdleTime: time.Minute}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func newWallet(t *testing.T) *ledger.Service {
	db := setupDatabase(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ledger.NewService(store.New(db), money.EUR, nil, nil, logger)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	w := newWallet(t)
	ctx := context.Background()

	_, err := w.AddCredits(ctx, ledger.CreditRequest{CustomerID: "cus_race", Amount: 100, Reason: domain.ReasonTopUp, PaymentReference: "pi_race"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		declined  int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Debit(ctx, ledger.DebitRequest{
				CustomerID:       "cus_race",
				Amount:           10,
				Reason:           domain.ReasonExtraSignature,
				PaymentReference: fmt.Sprintf("charge:signatures:sr_%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientFunds):
				declined++
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 15, declined)

	b, err := w.GetBalance(ctx, "cus_race")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)

	report, err := w.VerifyBalance(ctx, "cus_race")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestCreditIsIdempotentOnPaymentReference(t *testing.T) {
	w := newWallet(t)
	ctx := context.Background()
	req := ledger.CreditRequest{CustomerID: "cus_1", Amount: 500, Reason: domain.ReasonTopUp, PaymentReference: "pi_once"}

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn, err := w.AddCredits(ctx, req)
			if assert.NoError(t, err) {
				ids[i] = txn.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	b, err := w.GetBalance(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Balance)
}

func TestOneRefundPerDebit(t *testing.T) {
	w := newWallet(t)
	ctx := context.Background()

	_, err := w.AddCredits(ctx, ledger.CreditRequest{CustomerID: "cus_1", Amount: 100, Reason: domain.ReasonTopUp, PaymentReference: "pi_1"})
	require.NoError(t, err)
	debit, err := w.Debit(ctx, ledger.DebitRequest{CustomerID: "cus_1", Amount: 30, Reason: domain.ReasonExtraContract})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		refunded int
		rejected int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Refund(ctx, debit.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				refunded++
			case errors.Is(err, domain.ErrAlreadyRefunded):
				rejected++
			default:
				t.Errorf("unexpected refund error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, refunded)
	assert.Equal(t, 4, rejected)

	b, err := w.GetBalance(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Balance)
}
