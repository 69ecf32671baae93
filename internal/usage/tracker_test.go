package usage_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signledger/internal/plans"
	"signledger/internal/usage"
	"signledger/internal/usage/usagetest"
)

var testPlan = plans.Plan{
	ID:   "test",
	Name: "Test",
	Limits: map[plans.UsageType]plans.Limit{
		plans.UsageContracts:  {Quota: 3, OverageAllowed: true, OveragePrice: 100},
		plans.UsageSignatures: {Quota: 2, OverageAllowed: false},
		plans.UsageSMS:        {Quota: 0, OverageAllowed: true, OveragePrice: 15},
		plans.UsageAICalls:    {Quota: plans.Unlimited},
		plans.UsageAPIAccess:  {Quota: 0},
	},
}

func newTracker(t *testing.T) (*usage.Tracker, *usagetest.Store) {
	t.Helper()
	store := usagetest.NewStore()
	return usage.NewTracker(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestPeriodFor(t *testing.T) {
	p := usage.PeriodFor(time.Date(2024, time.December, 31, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), p.End)

	// Non-UTC inputs are normalised
	berlin := time.FixedZone("CET", 3600)
	p = usage.PeriodFor(time.Date(2025, time.March, 1, 0, 30, 0, 0, berlin))
	assert.Equal(t, time.February, p.Start.Month())
}

func TestCanPerformActionQuotaBoundary(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	store.Seed("cus_1", plans.UsageContracts, 2, now)
	d, err := tracker.CanPerformAction(ctx, "cus_1", testPlan, plans.UsageContracts)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.ShouldDebit, "one unit below quota is free")
	assert.Zero(t, d.ExtraCost)

	store.Seed("cus_1", plans.UsageContracts, 1, now)
	d, err = tracker.CanPerformAction(ctx, "cus_1", testPlan, plans.UsageContracts)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.ShouldDebit, "usage == quota is billed")
	assert.Equal(t, int64(100), d.ExtraCost)
	assert.Equal(t, int64(3), d.Used)
}

func TestCanPerformActionOutcomes(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()
	store.Seed("cus_1", plans.UsageSignatures, 2, time.Now().UTC())
	store.Seed("cus_1", plans.UsageAICalls, 1_000_000, time.Now().UTC())

	tests := []struct {
		name        string
		action      plans.UsageType
		allowed     bool
		shouldDebit bool
		reason      string
	}{
		{"quota exceeded without overage", plans.UsageSignatures, false, false, usage.ReasonQuotaExceeded},
		{"zero quota with overage always billed", plans.UsageSMS, true, true, ""},
		{"unlimited", plans.UsageAICalls, true, false, ""},
		{"disabled", plans.UsageAPIAccess, false, false, usage.ReasonNotAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tracker.CanPerformAction(ctx, "cus_1", testPlan, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.shouldDebit, d.ShouldDebit)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}

	_, err := tracker.CanPerformAction(ctx, "cus_1", testPlan, plans.UsageType("faxes"))
	assert.ErrorIs(t, err, usage.ErrInvalidUsage)
}

func TestUsageOutsidePeriodIsIgnored(t *testing.T) {
	tracker, store := newTracker(t)
	store.Seed("cus_1", plans.UsageContracts, 10, usage.PeriodFor(time.Now()).Start.Add(-time.Second))

	current, err := tracker.GetCurrentUsage(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Zero(t, current.Count(plans.UsageContracts))
}

func TestIncrementUsage(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()

	_, err := tracker.IncrementUsage(ctx, "cus_1", plans.UsageSMS, 0, "")
	assert.ErrorIs(t, err, usage.ErrInvalidUsage)

	e, err := tracker.IncrementUsage(ctx, "cus_1", plans.UsageSMS, 3, "sr_1")
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Len(t, store.Events(), 1)

	current, err := tracker.GetCurrentUsage(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), current.Count(plans.UsageSMS))
}

func TestIncrementUsageOncePerEntity(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()

	first, err := tracker.IncrementUsage(ctx, "cus_1", plans.UsageContracts, 1, "ct_1")
	require.NoError(t, err)
	again, err := tracker.IncrementUsage(ctx, "cus_1", plans.UsageContracts, 1, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = tracker.IncrementUsage(ctx, "cus_1", plans.UsageSignatures, 1, "ct_1")
	require.NoError(t, err)
	_, err = tracker.IncrementUsage(ctx, "cus_1", plans.UsageContracts, 1, "")
	require.NoError(t, err)
	_, err = tracker.IncrementUsage(ctx, "cus_1", plans.UsageContracts, 1, "")
	require.NoError(t, err)

	assert.Len(t, store.Events(), 4, "events without an entity are never merged")
	current, err := tracker.GetCurrentUsage(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), current.Count(plans.UsageContracts))
}

func TestGetUsageSummary(t *testing.T) {
	tracker, store := newTracker(t)
	store.Seed("cus_1", plans.UsageContracts, 1, time.Now().UTC())
	store.Seed("cus_1", plans.UsageSignatures, 5, time.Now().UTC())

	s, err := tracker.GetUsageSummary(context.Background(), "cus_1", testPlan)
	require.NoError(t, err)
	require.Len(t, s.Types, len(plans.UsageTypes))

	byType := map[plans.UsageType]usage.TypeSummary{}
	for _, ts := range s.Types {
		byType[ts.Type] = ts
	}
	assert.Equal(t, int64(2), byType[plans.UsageContracts].Remaining)
	assert.Equal(t, int64(0), byType[plans.UsageSignatures].Remaining)
	assert.Equal(t, plans.Unlimited, byType[plans.UsageAICalls].Remaining)
	assert.True(t, byType[plans.UsageAPIAccess].Disabled)
}
