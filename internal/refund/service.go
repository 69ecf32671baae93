package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"signledger/internal/common/events"
	"signledger/internal/common/metrics"
	"signledger/internal/common/sweep"
	"signledger/internal/ledger/domain"
)

// SweepName identifies the expiry sweep in locks and metrics
const SweepName = "refund-expiry"

// Config holds refund engine configuration
type Config struct {
	WindowHours int `envconfig:"REFUND_WINDOW_HOURS" default:"24"`
	BatchSize   int `envconfig:"REFUND_EXPIRY_BATCH_SIZE" default:"1000"`
}

// Window is the refund window as a duration
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// Store persists billable entities
type Store interface {
	Track(ctx context.Context, e *Entity) (*Entity, bool, error)
	Get(ctx context.Context, entityType EntityType, entityID string) (*Entity, error)
	MarkArchived(ctx context.Context, entityType EntityType, entityID, reason string, at time.Time) error
	ClaimRefund(ctx context.Context, entityType EntityType, entityID, reason string, at time.Time) (bool, error)
	CompleteRefund(ctx context.Context, entityType EntityType, entityID, transactionID string) error
	ReleaseRefund(ctx context.Context, entityType EntityType, entityID string) error
	MarkCompleted(ctx context.Context, entityType EntityType, entityID string, at time.Time) (bool, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Entity, error)
	Finalize(ctx context.Context, entityType EntityType, entityID string, at time.Time) (bool, error)
	SumRefunds(ctx context.Context, customerID string, from, to time.Time) ([]TypeTotal, error)
}

// Wallet is the part of the wallet service the refund engine drives
type Wallet interface {
	Refund(ctx context.Context, transactionID string) (*domain.WalletTransaction, error)
	FormatAmount(amountMinor int64) string
}

// Service is the refund engine
type Service struct {
	cfg       Config
	store     Store
	wallet    Wallet
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new refund engine
func NewService(cfg Config, store Store, wallet Wallet, publisher events.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		wallet:    wallet,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TrackRequest registers a charged document
type TrackRequest struct {
	EntityID            string     `json:"entity_id" validate:"required,max=255"`
	EntityType          EntityType `json:"entity_type" validate:"required,oneof=contract signature_request"`
	CustomerID          string     `json:"customer_id" validate:"required"`
	ChargeTransactionID string     `json:"charge_transaction_id" validate:"required"`
	Amount              int64      `json:"amount" validate:"gt=0"`
}

// TrackEntity opens the refund window for a charged document. Tracking the
// same entity twice returns the first registration.
func (s *Service) TrackEntity(ctx context.Context, req TrackRequest) (*Entity, error) {
	if !req.EntityType.Valid() || req.EntityID == "" || req.ChargeTransactionID == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidEntity, req.EntityType, req.EntityID)
	}

	now := s.now()
	e, created, err := s.store.Track(ctx, &Entity{
		EntityID:            req.EntityID,
		EntityType:          req.EntityType,
		CustomerID:          req.CustomerID,
		ChargeTransactionID: req.ChargeTransactionID,
		Amount:              req.Amount,
		Status:              StatusActive,
		RefundState:         StateEligible,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("tracking billable entity",
			"entity", e.Key(),
			"customer_id", e.CustomerID,
			"charge_transaction_id", e.ChargeTransactionID,
			"window_ends", e.CreatedAt.Add(s.cfg.Window()),
		)
	}
	return e, nil
}

// ProcessEntityRefund refunds the charge of an archived document when it is
// still inside its refund window. Ineligibility returns false without error.
func (s *Service) ProcessEntityRefund(ctx context.Context, entityID string, entityType EntityType, reason string) (bool, error) {
	if !entityType.Valid() {
		return false, fmt.Errorf("%w: type %q", ErrInvalidEntity, entityType)
	}

	e, err := s.store.Get(ctx, entityType, entityID)
	if errors.Is(err, ErrEntityNotFound) {
		// never charged, nothing to give back
		s.metrics.RefundDecision(string(entityType), "untracked")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := s.now()
	if e.RefundState != StateEligible {
		s.metrics.RefundDecision(string(entityType), "not_eligible")
		return false, s.store.MarkArchived(ctx, entityType, entityID, reason, now)
	}

	if !e.WithinWindow(now, s.cfg.Window()) {
		if err := s.store.MarkArchived(ctx, entityType, entityID, reason, now); err != nil {
			return false, err
		}
		if _, err := s.finalize(ctx, e, now); err != nil {
			return false, err
		}
		s.metrics.RefundDecision(string(entityType), "window_elapsed")
		s.logger.Debug("refund window elapsed", "entity", e.Key(), "created_at", e.CreatedAt)
		return false, nil
	}

	claimed, err := s.store.ClaimRefund(ctx, entityType, entityID, reason, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		s.metrics.RefundDecision(string(entityType), "not_eligible")
		return false, nil
	}

	txn, err := s.wallet.Refund(ctx, e.ChargeTransactionID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadyRefunded):
		// the charge was reversed by another path; the claim stands
		s.logger.Warn("charge already refunded",
			"entity", e.Key(),
			"charge_transaction_id", e.ChargeTransactionID,
		)
		s.metrics.RefundDecision(string(entityType), "already_refunded")
		return false, nil
	default:
		if relErr := s.store.ReleaseRefund(ctx, entityType, entityID); relErr != nil {
			s.logger.Error("failed to release refund claim",
				"error", relErr,
				"entity", e.Key(),
			)
		}
		s.metrics.RefundDecision(string(entityType), "error")
		return false, fmt.Errorf("refunding %s: %w", e.Key(), err)
	}

	if err := s.store.CompleteRefund(ctx, entityType, entityID, txn.ID); err != nil {
		// the ledger refund is durable; only the back-reference is missing
		s.logger.Error("failed to attach refund transaction",
			"error", err,
			"entity", e.Key(),
			"refund_transaction_id", txn.ID,
		)
	}

	s.metrics.RefundDecision(string(entityType), "refunded")
	s.logger.Info("entity charge refunded",
		"entity", e.Key(),
		"customer_id", e.CustomerID,
		"amount", e.Amount,
		"refund_transaction_id", txn.ID,
		"reason", reason,
	)
	events.PublishAfterCommit(ctx, s.publisher, s.logger, events.EventEntityRefunded, e.CustomerID, "billable_entity", e.Key(),
		events.EntityRefundData{
			EntityID:      e.EntityID,
			EntityType:    string(e.EntityType),
			CustomerID:    e.CustomerID,
			Amount:        e.Amount,
			TransactionID: txn.ID,
		})
	return true, nil
}

// EntityCompleted closes the refund window of a document that completed. It
// reports whether the window was still open.
func (s *Service) EntityCompleted(ctx context.Context, entityID string, entityType EntityType) (bool, error) {
	if !entityType.Valid() {
		return false, fmt.Errorf("%w: type %q", ErrInvalidEntity, entityType)
	}

	finalized, err := s.store.MarkCompleted(ctx, entityType, entityID, s.now())
	if err != nil {
		return false, err
	}
	if !finalized {
		return false, nil
	}

	e, err := s.store.Get(ctx, entityType, entityID)
	if err != nil {
		return true, err
	}
	s.metrics.RefundDecision(string(entityType), "completed")
	s.publishFinalized(ctx, e)
	return true, nil
}

// ExpiryResult is the outcome of one refund expiry sweep
type ExpiryResult struct {
	ProcessedContracts  int           `json:"processed_contracts"`
	ProcessedSignatures int           `json:"processed_signatures"`
	Errors              []sweep.Error `json:"errors"`
}

// ProcessExpiredRefunds finalizes entities whose window elapsed while still
// eligible. An archived entity found here was never refunded and is reported.
func (s *Service) ProcessExpiredRefunds(ctx context.Context) (*ExpiryResult, error) {
	now := s.now()
	expired, err := s.store.ListExpired(ctx, now.Add(-s.cfg.Window()), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	res := &ExpiryResult{Errors: []sweep.Error{}}
	for _, e := range expired {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if e.Status == StatusArchived {
			res.Errors = append(res.Errors, sweep.Error{
				Ref:     e.Key(),
				Stage:   "inconsistent",
				Message: "archived inside the refund window but never refunded",
			})
		}

		ok, err := s.finalize(ctx, e, now)
		if err != nil {
			res.Errors = append(res.Errors, sweep.Error{Ref: e.Key(), Stage: "finalize", Message: err.Error()})
			continue
		}
		if !ok {
			continue
		}
		switch e.EntityType {
		case EntityContract:
			res.ProcessedContracts++
		case EntitySignatureRequest:
			res.ProcessedSignatures++
		}
	}

	s.metrics.SweepRecords(SweepName, "finalized", res.ProcessedContracts+res.ProcessedSignatures)
	s.metrics.SweepRecords(SweepName, "error", len(res.Errors))
	s.logger.Info("refund expiry sweep finished",
		"candidates", len(expired),
		"contracts", res.ProcessedContracts,
		"signatures", res.ProcessedSignatures,
		"errors", len(res.Errors),
	)
	return res, nil
}

// GetRefundSummary totals a customer's refunds for month (YYYY-MM, UTC). An
// empty month means the current one.
func (s *Service) GetRefundSummary(ctx context.Context, customerID, month string) (*Summary, error) {
	start := s.now()
	if month != "" {
		var err error
		if start, err = time.Parse("2006-01", month); err != nil {
			return nil, ErrInvalidMonth
		}
	}
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)

	totals, err := s.store.SumRefunds(ctx, customerID, start, start.AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		CustomerID: customerID,
		Month:      start.Format("2006-01"),
		ByType:     []TypeTotal{},
	}
	for _, t := range totals {
		sum.ByType = append(sum.ByType, t)
		sum.TotalCount += t.Count
		sum.TotalAmount += t.Amount
	}
	sum.FormattedAmount = s.wallet.FormatAmount(sum.TotalAmount)
	return sum, nil
}

func (s *Service) finalize(ctx context.Context, e *Entity, now time.Time) (bool, error) {
	ok, err := s.store.Finalize(ctx, e.EntityType, e.EntityID, now)
	if err != nil || !ok {
		return false, err
	}
	s.publishFinalized(ctx, e)
	return true, nil
}

func (s *Service) publishFinalized(ctx context.Context, e *Entity) {
	events.PublishAfterCommit(ctx, s.publisher, s.logger, events.EventEntityFinalized, e.CustomerID, "billable_entity", e.Key(),
		events.EntityRefundData{
			EntityID:   e.EntityID,
			EntityType: string(e.EntityType),
			CustomerID: e.CustomerID,
			Amount:     e.Amount,
		})
}
