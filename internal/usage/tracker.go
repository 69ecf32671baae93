// Package usage meters billable actions per customer and billing period and
// checks them against plan quotas.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"signledger/internal/plans"
)

// Event is one recorded unit (or batch of units) of usage
type Event struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Type       plans.UsageType `json:"usage_type"`
	Quantity   int64           `json:"quantity"`
	EntityID   string          `json:"entity_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Store persists usage events
type Store interface {
	Record(ctx context.Context, event *Event) (*Event, bool, error)
	CountByType(ctx context.Context, customerID string, from, to time.Time) (map[plans.UsageType]int64, error)
}

// Period is a half-open billing interval [Start, End)
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PeriodFor returns the calendar month in UTC containing t
func PeriodFor(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Usage is a customer's consumption in one period
type Usage struct {
	CustomerID string                    `json:"customer_id"`
	Period     Period                    `json:"period"`
	Counts     map[plans.UsageType]int64 `json:"counts"`
}

// Count returns the consumption of t
func (u *Usage) Count(t plans.UsageType) int64 {
	return u.Counts[t]
}

// Denial reasons
const (
	ReasonNotAvailable  = "not available on plan"
	ReasonQuotaExceeded = "quota exceeded"
)

// Decision is the quota verdict for one unit of an action
type Decision struct {
	Allowed     bool            `json:"allowed"`
	Reason      string          `json:"reason,omitempty"`
	ShouldDebit bool            `json:"should_debit"`
	ExtraCost   int64           `json:"extra_cost"`
	Action      plans.UsageType `json:"action"`
	Used        int64           `json:"used"`
	Quota       int64           `json:"quota"`
}

// ErrInvalidUsage is returned for an unknown usage type or non-positive quantity
var ErrInvalidUsage = errors.New("invalid usage")

// Tracker computes current-period usage and quota decisions
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a usage tracker
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetCurrentUsage returns the customer's counts for the active billing period
func (t *Tracker) GetCurrentUsage(ctx context.Context, customerID string) (*Usage, error) {
	period := PeriodFor(t.now())
	counts, err := t.store.CountByType(ctx, customerID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("counting usage: %w", err)
	}
	if counts == nil {
		counts = make(map[plans.UsageType]int64)
	}
	return &Usage{CustomerID: customerID, Period: period, Counts: counts}, nil
}

// CanPerformAction decides whether one more unit of action fits the plan. Over
// quota with overage allowed is still allowed but flagged for a debit; the caller
// checks affordability.
func (t *Tracker) CanPerformAction(ctx context.Context, customerID string, plan plans.Plan, action plans.UsageType) (*Decision, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown usage type %q", ErrInvalidUsage, action)
	}

	limit := plan.Limit(action)
	if limit.Disabled() {
		return &Decision{Allowed: false, Reason: ReasonNotAvailable, Action: action}, nil
	}
	if limit.IsUnlimited() {
		return &Decision{Allowed: true, Action: action, Quota: plans.Unlimited}, nil
	}

	current, err := t.GetCurrentUsage(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return Decide(limit, action, current.Count(action)), nil
}

// Decide applies a limit to a known usage count
func Decide(limit plans.Limit, action plans.UsageType, used int64) *Decision {
	d := &Decision{Action: action, Used: used, Quota: limit.Quota}
	switch {
	case limit.Disabled():
		d.Reason = ReasonNotAvailable
	case limit.IsUnlimited(), used < limit.Quota:
		d.Allowed = true
	case limit.OverageAllowed:
		d.Allowed = true
		d.ShouldDebit = true
		d.ExtraCost = limit.OveragePrice
	default:
		d.Reason = ReasonQuotaExceeded
	}
	return d
}

// IncrementUsage records usage of an action that has already succeeded
func (t *Tracker) IncrementUsage(ctx context.Context, customerID string, usageType plans.UsageType, delta int64, entityID string) (*Event, error) {
	if !usageType.Valid() || delta <= 0 {
		return nil, fmt.Errorf("%w: %s x%d", ErrInvalidUsage, usageType, delta)
	}

	event := &Event{
		ID:         ulid.Make().String(),
		CustomerID: customerID,
		Type:       usageType,
		Quantity:   delta,
		EntityID:   entityID,
		OccurredAt: t.now(),
	}
	stored, created, err := t.store.Record(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("recording usage: %w", err)
	}
	if !created {
		t.logger.Debug("usage already recorded for entity",
			"customer_id", customerID,
			"usage_type", usageType,
			"entity_id", entityID,
			"event_id", stored.ID,
		)
		return stored, nil
	}

	t.logger.Debug("usage recorded",
		"customer_id", customerID,
		"usage_type", usageType,
		"quantity", delta,
		"entity_id", entityID,
	)
	return event, nil
}

// TypeSummary is the state of one usage type for display
type TypeSummary struct {
	Type           plans.UsageType `json:"usage_type"`
	Used           int64           `json:"used"`
	Quota          int64           `json:"quota"`
	Remaining      int64           `json:"remaining"`
	Unlimited      bool            `json:"unlimited"`
	Disabled       bool            `json:"disabled"`
	OverageAllowed bool            `json:"overage_allowed"`
	OveragePrice   int64           `json:"overage_price"`
}

// Summary is a customer's usage against their plan
type Summary struct {
	CustomerID string        `json:"customer_id"`
	PlanID     string        `json:"plan_id"`
	Period     Period        `json:"period"`
	Types      []TypeSummary `json:"types"`
}

// GetUsageSummary reports used, quota and remaining units per usage type
func (t *Tracker) GetUsageSummary(ctx context.Context, customerID string, plan plans.Plan) (*Summary, error) {
	current, err := t.GetCurrentUsage(ctx, customerID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{CustomerID: customerID, PlanID: plan.ID, Period: current.Period}
	for _, ut := range plans.UsageTypes {
		limit := plan.Limit(ut)
		ts := TypeSummary{
			Type:           ut,
			Used:           current.Count(ut),
			Quota:          limit.Quota,
			Unlimited:      limit.IsUnlimited(),
			Disabled:       limit.Disabled(),
			OverageAllowed: limit.OverageAllowed,
			OveragePrice:   limit.OveragePrice,
		}
		switch {
		case ts.Unlimited:
			ts.Remaining = plans.Unlimited
		case ts.Used < limit.Quota:
			ts.Remaining = limit.Quota - ts.Used
		}
		summary.Types = append(summary.Types, ts)
	}
	return summary, nil
}
