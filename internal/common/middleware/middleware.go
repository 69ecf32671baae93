package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// Context keys
type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	CustomerIDKey    contextKey = "customer_id"
	PlanIDKey        contextKey = "plan_id"
	AdminKey         contextKey = "admin"
)

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// GetCustomerID retrieves the customer ID from context
func GetCustomerID(ctx context.Context) string {
	if v, ok := ctx.Value(CustomerIDKey).(string); ok {
		return v
	}
	return ""
}

// GetPlanID retrieves the subscription plan ID from context
func GetPlanID(ctx context.Context) string {
	if v, ok := ctx.Value(PlanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCustomer returns a context carrying the customer and plan, as CustomerExtractor would set them
func WithCustomer(ctx context.Context, customerID, planID string) context.Context {
	ctx = context.WithValue(ctx, CustomerIDKey, customerID)
	return context.WithValue(ctx, PlanIDKey, planID)
}

// CorrelationID middleware adds a correlation ID to each request
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = ulid.Make().String()
		}

		ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger creates a structured logging middleware
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"correlation_id", GetCorrelationID(r.Context()),
					"customer_id", GetCustomerID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Recoverer recovers from panics and logs them
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"method", r.Method,
						"correlation_id", GetCorrelationID(r.Context()),
					)
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// CustomerExtractor reads the customer and plan set by the upstream identity layer
func CustomerExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if customerID := strings.TrimSpace(r.Header.Get("X-Customer-ID")); customerID != "" {
			ctx = context.WithValue(ctx, CustomerIDKey, customerID)
		}
		if planID := strings.TrimSpace(r.Header.Get("X-Plan-ID")); planID != "" {
			ctx = context.WithValue(ctx, PlanIDKey, planID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCustomer ensures a customer ID is present
func RequireCustomer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetCustomerID(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "MISSING_CUSTOMER", "Customer ID is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminAPIKey restricts a route group to callers presenting one of the configured keys
func AdminAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing authorization header")
				return
			}

			// Support both "Bearer <key>" and "ApiKey <key>"
			var apiKey string
			if strings.HasPrefix(authHeader, "Bearer ") {
				apiKey = strings.TrimPrefix(authHeader, "Bearer ")
			} else if strings.HasPrefix(authHeader, "ApiKey ") {
				apiKey = strings.TrimPrefix(authHeader, "ApiKey ")
			} else {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid authorization format")
				return
			}

			for _, k := range keys {
				if k != "" && subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
					ctx := context.WithValue(r.Context(), AdminKey, true)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
		})
	}
}

// IdempotencyStore persists responses keyed by the client's Idempotency-Key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (response []byte, found bool, err error)
	Set(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the customer and route so two customers cannot collide.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			idempotencyKey := r.Header.Get("Idempotency-Key")
			if idempotencyKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := GetCustomerID(r.Context()) + ":" + r.Method + ":" + r.URL.Path + ":" + idempotencyKey

			cached, found, err := store.Get(r.Context(), key)
			if err != nil {
				logger.Warn("idempotency lookup failed", "error", err, "key", idempotencyKey)
				next.ServeHTTP(w, r)
				return
			}

			if found {
				var resp cachedResponse
				if err := json.Unmarshal(cached, &resp); err == nil {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Replayed", "true")
					w.WriteHeader(resp.Status)
					_, _ = w.Write(resp.Body)
					return
				}
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Only successful responses are replayable
			if rec.status >= 200 && rec.status < 300 {
				payload, err := json.Marshal(cachedResponse{Status: rec.status, Body: rec.body})
				if err == nil {
					err = store.Set(r.Context(), key, payload, ttl)
				}
				if err != nil {
					logger.Warn("idempotency store failed", "error", err, "key", idempotencyKey)
				}
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// RateLimiter decides whether a request identified by key may proceed
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit rejects requests the limiter refuses with 429
func RateLimit(limiter RateLimiter, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), keyFunc(r))
			if err != nil {
				// Fail open on limiter failure
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keyLimiterIdle is how long an unused key keeps its bucket
const keyLimiterIdle = 10 * time.Minute

type keyBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// KeyLimiter is an in-process token bucket per key. Buckets idle for longer
// than keyLimiterIdle are evicted; a fresh bucket starts full, so eviction
// never tightens the limit.
type KeyLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyBucket
	rps       rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewKeyLimiter creates a limiter allowing rps requests per second per key with the given burst
func NewKeyLimiter(rps float64, burst int) *KeyLimiter {
	return &KeyLimiter{
		limiters: make(map[string]*keyBucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     keyLimiterIdle,
		now:      time.Now,
	}
}

// Allow implements RateLimiter
func (l *KeyLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.evictIdle(now)
	}
	b, ok := l.limiters[key]
	if !ok {
		b = &keyBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1), nil
}

// evictIdle drops buckets unused for the idle period. Callers hold l.mu.
func (l *KeyLimiter) evictIdle(now time.Time) {
	for key, b := range l.limiters {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

// CustomerOrAddr keys rate limiting by customer, falling back to the remote address
func CustomerOrAddr(r *http.Request) string {
	if id := GetCustomerID(r.Context()); id != "" {
		return "customer:" + id
	}
	return "addr:" + r.RemoteAddr
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
