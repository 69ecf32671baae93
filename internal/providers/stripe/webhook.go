package stripe

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"signledger/internal/funding"
)

const maxWebhookBody = 64 << 10

// EventSink receives verified payment notifications
type EventSink interface {
	HandlePaymentEvent(ctx context.Context, ev funding.PaymentEvent) error
}

// WebhookHandler handles Stripe webhook callbacks.
type WebhookHandler struct {
	secret string
	sink   EventSink
	logger *slog.Logger
}

// NewWebhookHandler creates a new Stripe webhook handler.
func NewWebhookHandler(secret string, sink EventSink, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, sink: sink, logger: logger}
}

// ServeHTTP verifies the signature and forwards top-up payment events. A
// non-2xx response makes Stripe redeliver, which the sink handles idempotently.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected stripe webhook", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ev, ok, err := paymentEvent(event)
	if err != nil {
		h.logger.Error("failed to parse stripe event", "error", err, "event_id", event.ID, "type", event.Type)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("received stripe webhook",
		"event_id", event.ID,
		"type", event.Type,
		"payment_intent", ev.PaymentReference,
	)

	if err := h.sink.HandlePaymentEvent(r.Context(), ev); err != nil {
		h.logger.Error("failed to apply payment event",
			"error", err,
			"event_id", event.ID,
			"payment_intent", ev.PaymentReference,
		)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// paymentEvent maps a Stripe event onto a funding notification. ok is false
// for events that do not concern wallet top-ups.
func paymentEvent(event stripe.Event) (funding.PaymentEvent, bool, error) {
	var kind funding.PaymentEventKind
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		kind = funding.PaymentSucceeded
	case stripe.EventTypePaymentIntentProcessing:
		kind = funding.PaymentProcessing
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		kind = funding.PaymentFailed
	default:
		return funding.PaymentEvent{}, false, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return funding.PaymentEvent{}, false, err
	}
	if pi.Metadata[metaPurpose] != purposeTopUp || pi.Metadata[metaCustomerID] == "" {
		return funding.PaymentEvent{}, false, nil
	}

	ev := funding.PaymentEvent{
		Kind:             kind,
		PaymentReference: pi.ID,
		CustomerID:       pi.Metadata[metaCustomerID],
		Amount:           pi.Amount,
		Method:           methodOf(&pi),
	}
	if kind == funding.PaymentFailed {
		_, ev.FailureReason = mapStatus(&pi)
		if ev.FailureReason == "" && pi.LastPaymentError != nil {
			ev.FailureReason = failureReason(pi.LastPaymentError)
		}
	}
	return ev, true, nil
}
