package stripe

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"signledger/internal/common/money"
	"signledger/internal/funding"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMapStatus(t *testing.T) {
	tests := []struct {
		name   string
		pi     stripe.PaymentIntent
		want   funding.ProcessorStatus
		reason string
	}{
		{"succeeded", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}, funding.ProcessorSucceeded, ""},
		{"processing", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, funding.ProcessorProcessing, ""},
		{"awaiting payment method", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, funding.ProcessorPending, ""},
		{"awaiting confirmation", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresConfirmation}, funding.ProcessorPending, ""},
		{"awaiting authentication", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresAction}, funding.ProcessorPending, ""},
		{"canceled", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, funding.ProcessorFailed, "canceled"},
		{
			"bounced debit",
			stripe.PaymentIntent{
				Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
				LastPaymentError: &stripe.Error{Code: "insufficient_funds", Msg: "The account has insufficient funds"},
			},
			funding.ProcessorFailed,
			"insufficient_funds: The account has insufficient funds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := mapStatus(&tt.pi)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestNewAdapterRequiresKey(t *testing.T) {
	_, err := NewAdapter(Config{}, discard)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "1500", r.PostForm.Get("amount"))
			assert.Equal(t, "eur", r.PostForm.Get("currency"))
			assert.Equal(t, "cus_1", r.PostForm.Get("metadata[customer_id]"))
			_, _ = io.WriteString(w, `{"id":"pi_new","object":"payment_intent","amount":1500,"currency":"eur",
				"status":"requires_payment_method","client_secret":"pi_new_secret"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_bounced":
			_, _ = io.WriteString(w, `{"id":"pi_bounced","object":"payment_intent","amount":2000,"currency":"eur",
				"status":"requires_payment_method","metadata":{"customer_id":"cus_1","method":"sepa_debit"},
				"last_payment_error":{"code":"insufficient_funds","message":"no funds"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_unpaid":
			_, _ = io.WriteString(w, `{"id":"pi_unpaid","object":"payment_intent","amount":100000,"currency":"eur",
				"status":"requires_payment_method","metadata":{"customer_id":"cus_1","method":"card"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAdapterAgainstAPI(t *testing.T) {
	srv := fakeAPI(t)
	a, err := NewAdapter(Config{SecretKey: "sk_test_123", APIURL: srv.URL, Timeout: time.Second}, discard)
	require.NoError(t, err)
	ctx := context.Background()

	intent, err := a.CreateTopUpIntent(ctx, "cus_1", 1500, money.EUR, funding.MethodBankDebit)
	require.NoError(t, err)
	assert.Equal(t, "pi_new", intent.PaymentReference)
	assert.Equal(t, "pi_new_secret", intent.ClientSecret)
	assert.Equal(t, funding.ProcessorPending, intent.Status)

	status, err := a.GetPaymentStatus(ctx, "pi_bounced")
	require.NoError(t, err)
	assert.Equal(t, funding.ProcessorFailed, status.Status)
	assert.Equal(t, "cus_1", status.CustomerID)
	assert.Equal(t, int64(2000), status.Amount)
	assert.Equal(t, funding.MethodBankDebit, status.Method)

	status, err = a.GetPaymentStatus(ctx, "pi_unpaid")
	require.NoError(t, err)
	assert.Equal(t, funding.ProcessorPending, status.Status, "nothing collected yet")
	assert.Equal(t, funding.MethodCard, status.Method)

	_, err = a.GetPaymentStatus(ctx, "pi_missing")
	assert.Error(t, err)
}

type recordingSink struct {
	events []funding.PaymentEvent
	err    error
}

func (s *recordingSink) HandlePaymentEvent(_ context.Context, ev funding.PaymentEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func signedRequest(t *testing.T, secret, eventType string, object map[string]any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func topUpIntent(status string) map[string]any {
	return map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"amount":   1000,
		"currency": "eur",
		"status":   status,
		"metadata": map[string]string{"customer_id": "cus_1", "method": "sepa_debit", "purpose": purposeTopUp},
	}
}

func TestWebhookDispatch(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler("whsec_test", sink, discard)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "whsec_test", "payment_intent.processing", topUpIntent("processing")))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, sink.events, 1)
	assert.Equal(t, funding.PaymentEvent{
		Kind: funding.PaymentProcessing, PaymentReference: "pi_1", CustomerID: "cus_1", Amount: 1000, Method: funding.MethodBankDebit,
	}, sink.events[0])

	failed := topUpIntent("requires_payment_method")
	failed["last_payment_error"] = map[string]string{"code": "debit_not_authorized"}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "whsec_test", "payment_intent.payment_failed", failed))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, sink.events, 2)
	assert.Equal(t, funding.PaymentFailed, sink.events[1].Kind)
	assert.Equal(t, "debit_not_authorized", sink.events[1].FailureReason)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler("whsec_test", sink, discard)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "whsec_other", "payment_intent.succeeded", topUpIntent("succeeded")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, sink.events)
}

func TestWebhookIgnoresUnrelatedEvents(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler("whsec_test", sink, discard)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "whsec_test", "customer.created", map[string]any{"id": "cus_x", "object": "customer"}))
	assert.Equal(t, http.StatusOK, rr.Code)

	other := topUpIntent("succeeded")
	other["metadata"] = map[string]string{"purpose": "subscription"}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "whsec_test", "payment_intent.succeeded", other))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, sink.events)
}

func TestWebhookSinkFailureAsksForRedelivery(t *testing.T) {
	sink := &recordingSink{err: context.DeadlineExceeded}
	h := NewWebhookHandler("whsec_test", sink, discard)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "whsec_test", "payment_intent.succeeded", topUpIntent("succeeded")))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
