// Package operation gates billable actions on plan quota and wallet balance,
// and settles them once the action has been performed.
package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"signledger/internal/common/metrics"
	"signledger/internal/ledger"
	"signledger/internal/ledger/domain"
	"signledger/internal/plans"
	"signledger/internal/refund"
	"signledger/internal/usage"
)

// ReasonInsufficientBalance denies an overage the wallet cannot cover
const ReasonInsufficientBalance = "insufficient balance"

// Verdict outcomes, also used as metric labels
const (
	OutcomeAllowed             = "allowed"
	OutcomeAllowedCharge       = "allowed_charge"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeNotAvailable        = "not_available"
	OutcomeQuotaExceeded       = "quota_exceeded"
)

var (
	ErrNotAvailable  = errors.New("action not available on plan")
	ErrQuotaExceeded = errors.New("plan quota exceeded")
	ErrNotBillable   = errors.New("usage type cannot be charged to the wallet")
)

// Verdict is the answer to "may this customer perform one more unit of action"
type Verdict struct {
	Action        plans.UsageType `json:"action"`
	Allowed       bool            `json:"allowed"`
	Outcome       string          `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	ShouldDebit   bool            `json:"should_debit"`
	ExtraCost     int64           `json:"extra_cost"`
	FormattedCost string          `json:"formatted_cost,omitempty"`
	Used          int64           `json:"used"`
	Quota         int64           `json:"quota"`
	Balance       int64           `json:"balance"`
}

// Evaluate combines a quota decision with the wallet balance. The wallet may
// be nil when the decision needs no debit.
func Evaluate(d *usage.Decision, wallet *domain.WalletBalance) *Verdict {
	v := &Verdict{
		Action:      d.Action,
		Allowed:     d.Allowed,
		Reason:      d.Reason,
		ShouldDebit: d.ShouldDebit,
		ExtraCost:   d.ExtraCost,
		Used:        d.Used,
		Quota:       d.Quota,
	}
	if wallet != nil {
		v.Balance = wallet.Balance
	}
	switch {
	case !d.Allowed && d.Reason == usage.ReasonNotAvailable:
		v.Outcome = OutcomeNotAvailable
	case !d.Allowed:
		v.Outcome = OutcomeQuotaExceeded
	case !d.ShouldDebit:
		v.Outcome = OutcomeAllowed
	case wallet != nil && wallet.CanAfford(d.ExtraCost):
		v.Outcome = OutcomeAllowedCharge
	default:
		v.Allowed = false
		v.Outcome = OutcomeInsufficientBalance
		v.Reason = ReasonInsufficientBalance
	}
	return v
}

// Tracker is the usage meter
type Tracker interface {
	CanPerformAction(ctx context.Context, customerID string, plan plans.Plan, action plans.UsageType) (*usage.Decision, error)
	IncrementUsage(ctx context.Context, customerID string, usageType plans.UsageType, delta int64, entityID string) (*usage.Event, error)
	GetUsageSummary(ctx context.Context, customerID string, plan plans.Plan) (*usage.Summary, error)
}

// Wallet is the part of the wallet service operations charge through
type Wallet interface {
	GetBalance(ctx context.Context, customerID string) (*domain.WalletBalance, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (*domain.WalletTransaction, error)
	FormatAmount(amountMinor int64) string
}

// Refunds registers charged documents for the refund window
type Refunds interface {
	TrackEntity(ctx context.Context, req refund.TrackRequest) (*refund.Entity, error)
}

// Service validates and commits billable operations
type Service struct {
	tracker Tracker
	wallet  Wallet
	refunds Refunds
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates an operation service
func NewService(tracker Tracker, wallet Wallet, refunds Refunds, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{tracker: tracker, wallet: wallet, refunds: refunds, metrics: m, logger: logger}
}

// ValidateOperation answers whether the action may proceed. It has no side
// effects and is safe to call for UI pre-checks.
func (s *Service) ValidateOperation(ctx context.Context, customerID string, plan plans.Plan, action plans.UsageType) (*Verdict, error) {
	d, err := s.tracker.CanPerformAction(ctx, customerID, plan, action)
	if err != nil {
		return nil, err
	}

	var wallet *domain.WalletBalance
	if d.ShouldDebit {
		wallet, err = s.wallet.GetBalance(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("reading balance: %w", err)
		}
	}

	v := Evaluate(d, wallet)
	if v.ExtraCost > 0 {
		v.FormattedCost = s.wallet.FormatAmount(v.ExtraCost)
	}
	s.metrics.Verdict(string(action), v.Outcome)
	return v, nil
}

// CanPerformAction exposes the quota check alone
func (s *Service) CanPerformAction(ctx context.Context, customerID string, plan plans.Plan, action plans.UsageType) (*usage.Decision, error) {
	return s.tracker.CanPerformAction(ctx, customerID, plan, action)
}

// GetUsageSummary reports usage against the plan
func (s *Service) GetUsageSummary(ctx context.Context, customerID string, plan plans.Plan) (*usage.Summary, error) {
	return s.tracker.GetUsageSummary(ctx, customerID, plan)
}
