package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signledger/internal/common/money"
	"signledger/internal/ledger/domain"
	"signledger/internal/ledger/ledgertest"
)

func newTestService(t *testing.T) (*Service, *ledgertest.Store) {
	t.Helper()
	store := ledgertest.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, money.EUR, nil, nil, logger), store
}

func topUp(t *testing.T, svc *Service, customerID string, amount int64) *domain.WalletTransaction {
	t.Helper()
	txn, err := svc.AddCredits(context.Background(), CreditRequest{
		CustomerID: customerID, Amount: amount, Reason: domain.ReasonTopUp, Description: "top up",
	})
	require.NoError(t, err)
	return txn
}

func TestGetBalanceCreatesZeroBalance(t *testing.T) {
	svc, _ := newTestService(t)

	b, err := svc.GetBalance(context.Background(), "cus_new")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)
	assert.Equal(t, money.EUR, b.Currency)
	assert.True(t, b.Consistent())
}

func TestAddCreditsRecordsBeforeAndAfter(t *testing.T) {
	svc, _ := newTestService(t)

	first := topUp(t, svc, "cus_1", 1000)
	second := topUp(t, svc, "cus_1", 250)

	assert.Equal(t, int64(0), first.BalanceBefore)
	assert.Equal(t, int64(1000), first.BalanceAfter)
	assert.Equal(t, int64(1000), second.BalanceBefore)
	assert.Equal(t, int64(1250), second.BalanceAfter)
	assert.NoError(t, second.CheckBalances())
}

func TestAddCreditsValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, CreditRequest{CustomerID: "c", Amount: 0, Reason: domain.ReasonTopUp})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.AddCredits(ctx, CreditRequest{CustomerID: "c", Amount: 10, Reason: domain.ReasonExtraContract})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)

	_, err = svc.AddCredits(ctx, CreditRequest{CustomerID: "c", Amount: 10, Reason: domain.ReasonRefund})
	assert.ErrorIs(t, err, domain.ErrInvalidReason, "refund credits go through Refund")
}

func TestAddCreditsIsIdempotentOnPaymentReference(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := CreditRequest{CustomerID: "cus_1", Amount: 1000, Reason: domain.ReasonTopUp, PaymentReference: "pi_X"}

	first, err := svc.AddCredits(ctx, req)
	require.NoError(t, err)
	second, err := svc.AddCredits(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.Transactions("cus_1"), 1)

	b, err := svc.GetBalance(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Balance)
}

func TestAddCreditsRejectsReferenceCollision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, CreditRequest{CustomerID: "cus_1", Amount: 1000, Reason: domain.ReasonTopUp, PaymentReference: "pi_X"})
	require.NoError(t, err)

	_, err = svc.AddCredits(ctx, CreditRequest{CustomerID: "cus_1", Amount: 5000, Reason: domain.ReasonTopUp, PaymentReference: "pi_X"})
	assert.True(t, domain.IsIntegrityError(err))

	b, _ := svc.GetBalance(ctx, "cus_1")
	assert.Equal(t, int64(1000), b.Balance)
}

func TestDebitInsufficientFundsLeavesBalanceUnchanged(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 100)

	for i := 0; i < 3; i++ {
		_, err := svc.Debit(ctx, DebitRequest{CustomerID: "cus_1", Amount: 101, Reason: domain.ReasonExtraSignature})
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}

	b, _ := svc.GetBalance(ctx, "cus_1")
	assert.Equal(t, int64(100), b.Balance)
	assert.Equal(t, int64(0), b.TotalDebits)
	assert.Len(t, store.Transactions("cus_1"), 1)
}

func TestDebitUnknownCustomerIsInsufficientFunds(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Debit(context.Background(), DebitRequest{CustomerID: "nobody", Amount: 1, Reason: domain.ReasonSMS})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestDebitInfrastructureErrorIsWrapped(t *testing.T) {
	svc, store := newTestService(t)
	topUp(t, svc, "cus_1", 100)

	boom := errors.New("connection reset")
	store.FailNext = boom
	_, err := svc.Debit(context.Background(), DebitRequest{CustomerID: "cus_1", Amount: 10, Reason: domain.ReasonSMS})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestConcurrentMutationsKeepInvariants(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 500)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := int64(rand.Intn(50) + 1)
			if i%3 == 0 {
				_, _ = svc.AddCredits(ctx, CreditRequest{CustomerID: "cus_1", Amount: amount, Reason: domain.ReasonBonus})
				return
			}
			_, err := svc.Debit(ctx, DebitRequest{CustomerID: "cus_1", Amount: amount, Reason: domain.ReasonExtraContract})
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
			}
		}(i)
	}
	wg.Wait()

	b, err := svc.GetBalance(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, b.TotalCredits-b.TotalDebits, b.Balance)
	for _, txn := range store.Transactions("cus_1") {
		assert.GreaterOrEqual(t, txn.BalanceAfter, int64(0))
		assert.NoError(t, txn.CheckBalances())
	}

	report, err := svc.VerifyBalance(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestConcurrentDebitsOnlyOneAffordable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Debit(ctx, DebitRequest{CustomerID: "cus_1", Amount: 10, Reason: domain.ReasonExtraSignature}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	b, _ := svc.GetBalance(ctx, "cus_1")
	assert.Equal(t, int64(0), b.Balance)
}

func TestRefundOnlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 100)

	debit, err := svc.Debit(ctx, DebitRequest{CustomerID: "cus_1", Amount: 30, Reason: domain.ReasonExtraContract, RelatedEntityID: "ctr_1"})
	require.NoError(t, err)

	refund, err := svc.Refund(ctx, debit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeRefund, refund.Type)
	assert.Equal(t, domain.ReasonRefund, refund.Reason)
	assert.Equal(t, int64(30), refund.Amount)
	assert.Equal(t, "ctr_1", refund.RelatedEntityID)
	assert.Equal(t, debit.ID, refund.RefundOf)
	assert.Equal(t, int64(100), refund.BalanceAfter)

	_, err = svc.Refund(ctx, debit.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyRefunded)

	b, _ := svc.GetBalance(ctx, "cus_1")
	assert.Equal(t, int64(100), b.Balance)
}

func TestConcurrentRefundsApplyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 100)
	debit, err := svc.Debit(ctx, DebitRequest{CustomerID: "cus_1", Amount: 40, Reason: domain.ReasonExtraContract})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refund(ctx, debit.ID)
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyRefunded)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	b, _ := svc.GetBalance(ctx, "cus_1")
	assert.Equal(t, int64(100), b.Balance)
}

func TestRefundErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Refund(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	credit := topUp(t, svc, "cus_1", 100)
	_, err = svc.Refund(ctx, credit.ID)
	assert.ErrorIs(t, err, domain.ErrNotRefundable)

	reversal, err := svc.Debit(ctx, DebitRequest{CustomerID: "cus_1", Amount: 100, Reason: domain.ReasonRefund, PaymentReference: "reversal:pi_1"})
	require.NoError(t, err)
	_, err = svc.Refund(ctx, reversal.ID)
	assert.ErrorIs(t, err, domain.ErrNotRefundable)
}

func TestDebitIsIdempotentOnPaymentReference(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 100)

	req := DebitRequest{CustomerID: "cus_1", Amount: 60, Reason: domain.ReasonRefund, PaymentReference: "reversal:pi_1"}
	first, err := svc.Debit(ctx, req)
	require.NoError(t, err)
	second, err := svc.Debit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.Transactions("cus_1"), 2)
}

func TestFormatAmount(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, "12,50 €", svc.FormatAmount(1250))
}

func TestListTransactions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 100)
	_, err := svc.Debit(ctx, DebitRequest{CustomerID: "cus_1", Amount: 10, Reason: domain.ReasonSMS})
	require.NoError(t, err)
	topUp(t, svc, "cus_2", 5)

	all, total, err := svc.ListTransactions(ctx, "cus_1", domain.TransactionFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, domain.TransactionTypeDebit, all[0].Type, "newest first")

	debit := domain.TransactionTypeDebit
	debits, total, err := svc.ListTransactions(ctx, "cus_1", domain.TransactionFilter{Type: &debit}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, debits, 1)
}

func TestAttachPaymentReference(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	credit := topUp(t, svc, "cus_1", 100)

	require.NoError(t, svc.AttachPaymentReference(ctx, credit.ID, "pi_late"))
	require.NoError(t, svc.AttachPaymentReference(ctx, credit.ID, "pi_late"), "re-attaching the same reference is a no-op")
	assert.ErrorIs(t, svc.AttachPaymentReference(ctx, credit.ID, "pi_other"), domain.ErrReferenceConflict)
	assert.ErrorIs(t, svc.AttachPaymentReference(ctx, "missing", "pi"), domain.ErrTransactionNotFound)

	stored, err := svc.GetTransaction(ctx, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_late", stored.PaymentReference)
}

func TestVerifyBalanceDetectsMismatch(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	topUp(t, svc, "cus_1", 100)

	store.Corrupt("cus_1", 90)
	report, err := svc.VerifyBalance(ctx, "cus_1")
	require.Error(t, err)
	assert.True(t, domain.IsIntegrityError(err))
	assert.False(t, report.Consistent)
}
