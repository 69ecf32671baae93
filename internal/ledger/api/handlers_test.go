package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signledger/internal/common/middleware"
	"signledger/internal/common/money"
	"signledger/internal/ledger"
	"signledger/internal/ledger/domain"
	"signledger/internal/ledger/ledgertest"
)

func newRouter(t *testing.T) (http.Handler, *ledger.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(ledgertest.NewStore(), money.EUR, nil, nil, logger)
	h := NewHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(middleware.CustomerExtractor)
	r.Mount("/wallet", h.Routes())
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAPIKey([]string{"ops_key"}))
		r.Mount("/wallet", h.AdminRoutes())
	})
	return r, svc
}

func do(t *testing.T, h http.Handler, method, path, customer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if customer != "" {
		req.Header.Set("X-Customer-ID", customer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func admin(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer ops_key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return env.Data
}

func TestBalanceRequiresCustomer(t *testing.T) {
	h, _ := newRouter(t)
	rr := do(t, h, http.MethodGet, "/wallet/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDebitAndRefundFlow(t *testing.T) {
	h, svc := newRouter(t)
	_, err := svc.AddCredits(context.Background(), ledger.CreditRequest{CustomerID: "cus_1", Amount: 100, Reason: domain.ReasonTopUp})
	require.NoError(t, err)

	rr := do(t, h, http.MethodPost, "/wallet/debit", "cus_1", `{"amount":500,"reason":"extra_signature"}`)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Contains(t, rr.Body.String(), "INSUFFICIENT_FUNDS")

	rr = do(t, h, http.MethodPost, "/wallet/debit", "cus_1", `{"amount":40,"reason":"extra_signature","related_entity_id":"sr_1"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	debit := decode[domain.WalletTransaction](t, rr)
	assert.Equal(t, int64(60), debit.BalanceAfter)

	// Customers cannot refund debits directly
	rr = do(t, h, http.MethodPost, "/wallet/refund", "cus_1", `{"transaction_id":"`+debit.ID+`"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, h, http.MethodPost, "/admin/wallet/refund", "cus_1", `{"transaction_id":"`+debit.ID+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = admin(t, h, http.MethodPost, "/admin/wallet/refund", `{"transaction_id":"`+debit.ID+`"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = admin(t, h, http.MethodPost, "/admin/wallet/refund", `{"transaction_id":"`+debit.ID+`"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "ALREADY_REFUNDED")

	rr = do(t, h, http.MethodGet, "/wallet/balance", "cus_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	bal := decode[BalanceResponse](t, rr)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, "1,00 €", bal.Formatted)
}

func TestDebitValidation(t *testing.T) {
	h, _ := newRouter(t)
	rr := do(t, h, http.MethodPost, "/wallet/debit", "cus_1", `{"amount":0,"reason":"top_up"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "VALIDATION_ERROR")
}

func TestListTransactions(t *testing.T) {
	h, svc := newRouter(t)
	for i := 0; i < 3; i++ {
		_, err := svc.AddCredits(context.Background(), ledger.CreditRequest{CustomerID: "cus_1", Amount: 10, Reason: domain.ReasonBonus})
		require.NoError(t, err)
	}

	rr := do(t, h, http.MethodGet, "/wallet/transactions?limit=2", "cus_1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var page struct {
		Data       []domain.WalletTransaction `json:"data"`
		Pagination struct {
			Total   int64 `json:"total"`
			HasMore bool  `json:"has_more"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Len(t, page.Data, 2)
	assert.Equal(t, int64(3), page.Pagination.Total)
	assert.True(t, page.Pagination.HasMore)

	rr = do(t, h, http.MethodGet, "/wallet/transactions?type=bogus", "cus_1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminCreditIdempotentAndVerify(t *testing.T) {
	h, _ := newRouter(t)
	body := `{"customer_id":"cus_9","amount":1000,"reason":"top_up","payment_reference":"pi_1"}`

	first := admin(t, h, http.MethodPost, "/admin/wallet/credit", body)
	require.Equal(t, http.StatusCreated, first.Code)
	second := admin(t, h, http.MethodPost, "/admin/wallet/credit", body)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decode[domain.WalletTransaction](t, first).ID, decode[domain.WalletTransaction](t, second).ID)

	rr := admin(t, h, http.MethodGet, "/admin/wallet/cus_9/verify", "")
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[domain.BalanceReport](t, rr)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(1000), report.StoredBalance)
}
