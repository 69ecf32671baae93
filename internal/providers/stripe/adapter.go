// Package stripe implements the payment processor contract on Stripe
// PaymentIntents, for card and SEPA Direct Debit top-ups.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"signledger/internal/common/money"
	"signledger/internal/funding"
)

// Metadata keys set on every top-up PaymentIntent
const (
	metaCustomerID = "customer_id"
	metaMethod     = "method"
	metaPurpose    = "purpose"

	purposeTopUp = "wallet_top_up"
)

// ErrNotConfigured is returned when the secret key is missing
var ErrNotConfigured = errors.New("stripe secret key not configured")

// Config holds Stripe adapter configuration
type Config struct {
	SecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	APIURL        string        `envconfig:"STRIPE_API_URL"`
	Timeout       time.Duration `envconfig:"STRIPE_TIMEOUT" default:"15s"`
}

// Adapter implements funding.Processor
type Adapter struct {
	intents *paymentintent.Client
	logger  *slog.Logger
}

// NewAdapter creates a Stripe adapter with its own backend, so the API key and
// HTTP timeout are not shared through stripe-go's package globals
func NewAdapter(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	return &Adapter{
		intents: &paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		logger: logger,
	}, nil
}

// Name implements funding.Processor
func (a *Adapter) Name() string { return "stripe" }

// CreateTopUpIntent implements funding.Processor
func (a *Adapter) CreateTopUpIntent(ctx context.Context, customerID string, amount int64, currency money.Currency, method funding.Method) (*funding.TopUpIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount),
		Currency:           stripe.String(strings.ToLower(string(currency))),
		PaymentMethodTypes: stripe.StringSlice([]string{string(method)}),
		Description:        stripe.String("Wallet top-up"),
		Metadata: map[string]string{
			metaCustomerID: customerID,
			metaMethod:     string(method),
			metaPurpose:    purposeTopUp,
		},
	}
	params.Context = ctx

	pi, err := a.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("creating payment intent: %w", err)
	}

	status, _ := mapStatus(pi)
	a.logger.Info("created payment intent",
		"payment_intent", pi.ID,
		"customer_id", customerID,
		"amount", amount,
		"method", method,
	)
	return &funding.TopUpIntent{
		PaymentReference: pi.ID,
		ClientSecret:     pi.ClientSecret,
		Amount:           pi.Amount,
		Currency:         currency,
		Method:           method,
		Status:           status,
	}, nil
}

// GetPaymentStatus implements funding.Processor
func (a *Adapter) GetPaymentStatus(ctx context.Context, paymentReference string) (*funding.PaymentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := a.intents.Get(paymentReference, params)
	if err != nil {
		return nil, fmt.Errorf("retrieving payment intent: %w", err)
	}

	status, reason := mapStatus(pi)
	return &funding.PaymentStatus{
		Reference:     pi.ID,
		CustomerID:    pi.Metadata[metaCustomerID],
		Status:        status,
		Amount:        pi.Amount,
		Method:        methodOf(pi),
		FailureReason: reason,
	}, nil
}

// mapStatus reduces a PaymentIntent to a funding status. Only processing means
// money is moving; every requires_* state is still waiting on the customer. A
// bank debit that bounced returns to requires_payment_method with the error
// attached.
func mapStatus(pi *stripe.PaymentIntent) (funding.ProcessorStatus, string) {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return funding.ProcessorSucceeded, ""
	case stripe.PaymentIntentStatusProcessing:
		return funding.ProcessorProcessing, ""
	case stripe.PaymentIntentStatusCanceled:
		reason := string(pi.CancellationReason)
		if reason == "" {
			reason = "canceled"
		}
		return funding.ProcessorFailed, reason
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return funding.ProcessorFailed, failureReason(pi.LastPaymentError)
		}
	}
	return funding.ProcessorPending, ""
}

func failureReason(e *stripe.Error) string {
	switch {
	case e.Code != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Code != "":
		return string(e.Code)
	default:
		return e.Msg
	}
}

func methodOf(pi *stripe.PaymentIntent) funding.Method {
	if m := funding.Method(pi.Metadata[metaMethod]); m.Valid() {
		return m
	}
	for _, t := range pi.PaymentMethodTypes {
		if m := funding.Method(t); m.Valid() {
			return m
		}
	}
	return funding.MethodCard
}
