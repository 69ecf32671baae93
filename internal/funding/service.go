package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"signledger/internal/common/events"
	"signledger/internal/common/metrics"
	"signledger/internal/common/money"
	"signledger/internal/ledger"
	"signledger/internal/ledger/domain"
)

// ErrProcessorNotConfigured is a configuration error, never a business outcome
var ErrProcessorNotConfigured = errors.New("payment processor not configured")

// Config holds top-up and reconciliation settings
type Config struct {
	BatchSize        int           `envconfig:"RECONCILER_BATCH_SIZE" default:"500"`
	Concurrency      int           `envconfig:"RECONCILER_CONCURRENCY" default:"4"`
	ProcessorTimeout time.Duration `envconfig:"RECONCILER_PROCESSOR_TIMEOUT" default:"15s"`
	PollRate         float64       `envconfig:"RECONCILER_POLL_RATE" default:"20"`
	StuckGrace       time.Duration `envconfig:"RECONCILER_STUCK_GRACE" default:"72h"`
	SettlementPeriod time.Duration `envconfig:"BANK_DEBIT_SETTLEMENT_PERIOD" default:"168h"`
	MinTopUp         int64         `envconfig:"MIN_TOPUP_AMOUNT" default:"500"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ProcessorTimeout <= 0 {
		c.ProcessorTimeout = 15 * time.Second
	}
	if c.SettlementPeriod <= 0 {
		c.SettlementPeriod = 7 * 24 * time.Hour
	}
	if c.StuckGrace <= 0 {
		c.StuckGrace = 72 * time.Hour
	}
	return c
}

// Store persists pending payments. Every status change is a conditional update
// that only touches non-terminal rows.
type Store interface {
	Create(ctx context.Context, p *PendingPayment) (*PendingPayment, bool, error)
	GetByReference(ctx context.Context, ref string) (*PendingPayment, error)
	ListOpen(ctx context.Context, limit int) ([]*PendingPayment, error)
	List(ctx context.Context, status *Status, limit, offset int) ([]*PendingPayment, int64, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) (*PendingPayment, error)
	Release(ctx context.Context, id string) error
	Resolve(ctx context.Context, id string, res Resolution) (bool, error)
}

// Wallet is the part of the wallet service funding writes through
type Wallet interface {
	AddCredits(ctx context.Context, req ledger.CreditRequest) (*domain.WalletTransaction, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (*domain.WalletTransaction, error)
	Currency() money.Currency
}

// Service starts top-ups, applies completed checkouts and reconciles bank debits
type Service struct {
	cfg       Config
	store     Store
	wallet    Wallet
	processor Processor
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the funding service. processor may be nil, in which case
// every operation that needs it fails with ErrProcessorNotConfigured.
func NewService(cfg Config, store Store, wallet Wallet, processor Processor, publisher events.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if publisher == nil {
		publisher = events.Discard
	}

	limit := rate.Inf
	if cfg.PollRate > 0 {
		limit = rate.Limit(cfg.PollRate)
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		wallet:    wallet,
		processor: processor,
		publisher: publisher,
		metrics:   m,
		limiter:   rate.NewLimiter(limit, cfg.Concurrency),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TopUpRequest starts a top-up
type TopUpRequest struct {
	CustomerID string `json:"-"`
	Amount     int64  `json:"amount" validate:"required,minor_units"`
	Method     Method `json:"method" validate:"required,oneof=card sepa_debit"`
}

// StartTopUp creates a processor payment the customer then authorises
func (s *Service) StartTopUp(ctx context.Context, req TopUpRequest) (*TopUpIntent, error) {
	if s.processor == nil {
		return nil, ErrProcessorNotConfigured
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidTopUp, req.Method)
	}
	if req.Amount < s.cfg.MinTopUp {
		return nil, fmt.Errorf("%w: minimum top-up is %s", ErrInvalidTopUp, money.Format(s.cfg.MinTopUp, s.wallet.Currency()))
	}

	intent, err := s.processor.CreateTopUpIntent(ctx, req.CustomerID, req.Amount, s.wallet.Currency(), req.Method)
	s.metrics.ProcessorCall(s.processor.Name(), "create_intent", callResult(err))
	if err != nil {
		return nil, fmt.Errorf("creating top-up intent: %w", err)
	}

	s.logger.Info("top-up started",
		"customer_id", req.CustomerID,
		"payment_reference", intent.PaymentReference,
		"amount", req.Amount,
		"method", req.Method,
	)
	return intent, nil
}

// CheckoutRequest reports a checkout that completed at the processor
type CheckoutRequest struct {
	CustomerID       string `json:"customer_id" validate:"required"`
	PaymentReference string `json:"payment_reference" validate:"required,max=255"`
	Amount           int64  `json:"amount" validate:"required,minor_units"`
	Method           Method `json:"method" validate:"required,oneof=card sepa_debit"`
}

// CheckoutResult is the credit applied for a checkout and, for methods that
// settle later, the pending payment tracking it
type CheckoutResult struct {
	Transaction    *domain.WalletTransaction `json:"transaction"`
	PendingPayment *PendingPayment           `json:"pending_payment,omitempty"`
}

// CompleteCheckout credits the wallet for a completed checkout, keyed by the
// payment reference so re-delivery never credits twice. Bank debits are
// credited optimistically and tracked until the processor settles them.
func (s *Service) CompleteCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.Amount <= 0 || req.PaymentReference == "" || !req.Method.Valid() {
		return nil, fmt.Errorf("%w: reference %q amount %d method %q", ErrInvalidTopUp, req.PaymentReference, req.Amount, req.Method)
	}

	txn, err := s.wallet.AddCredits(ctx, ledger.CreditRequest{
		CustomerID:       req.CustomerID,
		Amount:           req.Amount,
		Reason:           domain.ReasonTopUp,
		Description:      fmt.Sprintf("Wallet top-up (%s)", req.Method),
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		return nil, err
	}
	result := &CheckoutResult{Transaction: txn}
	if !req.Method.SettlesAsync() {
		return result, nil
	}

	now := s.now()
	pending := &PendingPayment{
		ID:                       ulid.Make().String(),
		CustomerID:               req.CustomerID,
		ExternalPaymentRef:       req.PaymentReference,
		Amount:                   req.Amount,
		PaymentMethod:            req.Method,
		Status:                   StatusPending,
		WalletTransactionID:      txn.ID,
		ExpectedConfirmationDate: now.Add(s.cfg.SettlementPeriod),
		CreatedAt:                now,
	}
	stored, created, err := s.store.Create(ctx, pending)
	if err != nil {
		// The credit stands; a re-delivered checkout creates the record.
		return nil, fmt.Errorf("recording pending payment: %w", err)
	}
	result.PendingPayment = stored

	if created {
		s.logger.Info("bank debit credited pending settlement",
			"customer_id", stored.CustomerID,
			"payment_reference", stored.ExternalPaymentRef,
			"amount", stored.Amount,
			"expected_confirmation", stored.ExpectedConfirmationDate,
		)
		s.publishTopUp(ctx, events.EventTopUpPending, stored)
	}
	return result, nil
}

// ConfirmCheckout completes a checkout reported by the customer's browser. The
// amount, method and outcome are taken from the processor, never from the
// caller. A bank debit is credited once its funds are in flight; a card only
// once captured.
func (s *Service) ConfirmCheckout(ctx context.Context, customerID, paymentReference string) (*CheckoutResult, error) {
	if s.processor == nil {
		return nil, ErrProcessorNotConfigured
	}
	status, err := s.poll(ctx, paymentReference)
	if err != nil {
		return nil, err
	}
	if status.CustomerID != "" && status.CustomerID != customerID {
		return nil, fmt.Errorf("%w: %s belongs to another customer", ErrProcessorMismatch, paymentReference)
	}

	if !status.Method.Valid() {
		return nil, fmt.Errorf("%w: processor reported method %q for %s", ErrProcessorMismatch, status.Method, paymentReference)
	}

	switch status.Status {
	case ProcessorSucceeded:
	case ProcessorProcessing:
		if !status.Method.SettlesAsync() {
			return nil, fmt.Errorf("%w: card payment not yet captured", ErrInvalidTopUp)
		}
	case ProcessorFailed:
		return nil, fmt.Errorf("%w: payment failed: %s", ErrInvalidTopUp, status.FailureReason)
	default:
		return nil, fmt.Errorf("%w: payment is awaiting customer action", ErrInvalidTopUp)
	}

	res, err := s.CompleteCheckout(ctx, CheckoutRequest{
		CustomerID:       customerID,
		PaymentReference: paymentReference,
		Amount:           status.Amount,
		Method:           status.Method,
	})
	if err != nil || status.Status != ProcessorSucceeded || res.PendingPayment == nil || res.PendingPayment.Status.Terminal() {
		return res, err
	}
	if _, err := s.confirm(ctx, res.PendingPayment); err != nil {
		return nil, err
	}
	return res, nil
}

// HandlePaymentEvent applies an authenticated processor notification. It is
// safe to receive the same event any number of times.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) error {
	checkout := CheckoutRequest{
		CustomerID:       ev.CustomerID,
		PaymentReference: ev.PaymentReference,
		Amount:           ev.Amount,
		Method:           ev.Method,
	}

	switch ev.Kind {
	case PaymentProcessing:
		if !ev.Method.SettlesAsync() {
			return nil
		}
		_, err := s.CompleteCheckout(ctx, checkout)
		return err

	case PaymentSucceeded:
		res, err := s.CompleteCheckout(ctx, checkout)
		if err != nil || res.PendingPayment == nil || res.PendingPayment.Status.Terminal() {
			return err
		}
		_, err = s.confirm(ctx, res.PendingPayment)
		return err

	case PaymentFailed:
		p, err := s.store.GetByReference(ctx, ev.PaymentReference)
		if errors.Is(err, ErrPaymentNotFound) {
			// Nothing was credited for it
			s.logger.Debug("payment failed before credit", "payment_reference", ev.PaymentReference)
			return nil
		}
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return nil
		}
		_, err = s.fail(ctx, p, ev.FailureReason)
		return err
	}

	s.logger.Debug("ignoring payment event", "kind", ev.Kind, "payment_reference", ev.PaymentReference)
	return nil
}

// GetPendingPayment returns the pending payment for a processor reference
func (s *Service) GetPendingPayment(ctx context.Context, ref string) (*PendingPayment, error) {
	return s.store.GetByReference(ctx, ref)
}

// ListPendingPayments returns pending payments, optionally filtered by status
func (s *Service) ListPendingPayments(ctx context.Context, status *Status, limit, offset int) ([]*PendingPayment, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.List(ctx, status, limit, offset)
}

// ReversalReference is the idempotency key of the debit undoing a failed top-up
func ReversalReference(paymentReference string) string {
	return "reversal:" + paymentReference
}

// RestoreReference is the idempotency key of the credit undoing a reversal
// when the payment confirmed after all
func RestoreReference(paymentReference string) string {
	return "restore:" + paymentReference
}

// settlement is what resolving one payment did
type settlement struct {
	applied   bool
	shortfall int64
}

func (s *Service) confirm(ctx context.Context, p *PendingPayment) (settlement, error) {
	applied, err := s.store.Resolve(ctx, p.ID, Resolution{Status: StatusConfirmed, ResolvedAt: s.now()})
	if err != nil {
		return settlement{}, fmt.Errorf("confirming payment: %w", err)
	}
	if applied {
		p.Status = StatusConfirmed
		s.logger.Info("bank debit confirmed",
			"customer_id", p.CustomerID,
			"payment_reference", p.ExternalPaymentRef,
			"amount", p.Amount,
		)
		s.publishTopUp(ctx, events.EventTopUpConfirmed, p)
	}
	return settlement{applied: applied}, nil
}

// fail reverses the optimistic credit and marks the payment failed. The debit
// goes first and is keyed by the reversal reference, so a run that dies between
// the two steps, or a racing run, cannot debit twice.
func (s *Service) fail(ctx context.Context, p *PendingPayment, reason string) (settlement, error) {
	if reason == "" {
		reason = "payment failed at processor"
	}
	res := Resolution{Status: StatusFailed, FailureReason: reason, ResolvedAt: s.now()}
	var out settlement

	txn, err := s.wallet.Debit(ctx, ledger.DebitRequest{
		CustomerID:       p.CustomerID,
		Amount:           p.Amount,
		Reason:           domain.ReasonRefund,
		Description:      "Reversal of failed top-up " + p.ExternalPaymentRef,
		RelatedEntityID:  p.WalletTransactionID,
		PaymentReference: ReversalReference(p.ExternalPaymentRef),
	})
	switch {
	case err == nil:
		res.CompensationTransactionID = txn.ID
	case errors.Is(err, domain.ErrInsufficientFunds):
		out.shortfall = p.Amount
		res.FailureReason = reason + "; compensation shortfall"
	default:
		return out, fmt.Errorf("compensating debit: %w", err)
	}

	applied, err := s.store.Resolve(ctx, p.ID, res)
	if err != nil {
		return out, fmt.Errorf("failing payment: %w", err)
	}
	out.applied = applied
	if !applied {
		out.shortfall = 0
		if txn == nil {
			return out, nil
		}
		current, err := s.store.GetByReference(ctx, p.ExternalPaymentRef)
		if err != nil {
			return out, fmt.Errorf("reloading payment: %w", err)
		}
		if current.Status != StatusConfirmed {
			return out, nil
		}
		if _, err := s.wallet.AddCredits(ctx, ledger.CreditRequest{
			CustomerID:       p.CustomerID,
			Amount:           txn.Amount,
			Reason:           domain.ReasonTopUp,
			Description:      "Top-up " + p.ExternalPaymentRef + " confirmed after reversal",
			RelatedEntityID:  txn.ID,
			PaymentReference: RestoreReference(p.ExternalPaymentRef),
		}); err != nil {
			return out, fmt.Errorf("restoring reversed top-up: %w", err)
		}
		s.logger.Warn("payment confirmed after reversal was debited, credit restored",
			"customer_id", p.CustomerID,
			"payment_reference", p.ExternalPaymentRef,
			"compensation_transaction_id", txn.ID,
		)
		return out, nil
	}

	p.Status = StatusFailed
	p.FailureReason = res.FailureReason
	p.CompensationTransactionID = res.CompensationTransactionID
	if out.shortfall > 0 {
		s.logger.Error("failed top-up could not be reversed, balance already spent",
			"customer_id", p.CustomerID,
			"payment_reference", p.ExternalPaymentRef,
			"amount", p.Amount,
		)
	} else {
		s.logger.Info("bank debit failed, credit reversed",
			"customer_id", p.CustomerID,
			"payment_reference", p.ExternalPaymentRef,
			"amount", p.Amount,
			"reason", reason,
		)
	}
	s.publishTopUp(ctx, events.EventTopUpFailed, p)
	return out, nil
}

// poll asks the processor for a payment's status, paced and bounded in time
func (s *Service) poll(ctx context.Context, ref string) (*PaymentStatus, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()

	status, err := s.processor.GetPaymentStatus(ctx, ref)
	s.metrics.ProcessorCall(s.processor.Name(), "get_status", callResult(err))
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", ref, err)
	}
	return status, nil
}

func (s *Service) publishTopUp(ctx context.Context, eventType string, p *PendingPayment) {
	events.PublishAfterCommit(ctx, s.publisher, s.logger, eventType, p.CustomerID, "pending_payment", p.ID,
		events.TopUpData{
			PendingPaymentID: p.ID,
			PaymentReference: p.ExternalPaymentRef,
			CustomerID:       p.CustomerID,
			Amount:           p.Amount,
			Method:           string(p.PaymentMethod),
			Status:           string(p.Status),
			FailureReason:    p.FailureReason,
		})
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
