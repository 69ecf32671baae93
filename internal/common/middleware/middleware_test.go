package middleware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key string, v []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	store := &memoryStore{data: map[string][]byte{}}
	calls := 0
	h := CustomerExtractor(Idempotency(store, time.Hour, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"tx1"}}`))
	})))

	send := func(customer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/wallet/debit", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "abc")
		req.Header.Set("X-Customer-ID", customer)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	first := send("cus_1")
	second := send("cus_1")
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))

	// Same key from another customer is a different request
	send("cus_2")
	assert.Equal(t, 2, calls)
}

func TestIdempotencyDoesNotCacheFailures(t *testing.T) {
	store := &memoryStore{data: map[string][]byte{}}
	calls := 0
	h := Idempotency(store, time.Hour, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusPaymentRequired)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/wallet/debit", nil)
		req.Header.Set("Idempotency-Key", "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
}

func TestAdminAPIKey(t *testing.T) {
	h := AdminAPIKey([]string{"secret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Basic secret", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer secret", http.StatusNoContent},
		{"ApiKey secret", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, tt.want, rr.Code, tt.header)
	}
}

func TestRequireCustomer(t *testing.T) {
	h := CustomerExtractor(RequireCustomer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cus_1", GetCustomerID(r.Context()))
		assert.Equal(t, "pro", GetPlanID(r.Context()))
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Customer-ID", "cus_1")
	req.Header.Set("X-Plan-ID", "pro")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestKeyLimiter(t *testing.T) {
	l := NewKeyLimiter(0.001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestKeyLimiterEvictsIdleKeys(t *testing.T) {
	l := NewKeyLimiter(0.001, 1)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		_, err := l.Allow(ctx, fmt.Sprintf("addr:10.0.0.%d", i))
		require.NoError(t, err)
	}
	assert.Len(t, l.limiters, 100)

	now = now.Add(keyLimiterIdle / 2)
	ok, _ := l.Allow(ctx, "addr:10.0.0.1")
	assert.False(t, ok, "an active key keeps its spent bucket")

	now = now.Add(keyLimiterIdle)
	_, _ = l.Allow(ctx, "addr:10.0.0.200")
	assert.Len(t, l.limiters, 1, "idle keys are evicted")
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "INTERNAL_ERROR")
}
