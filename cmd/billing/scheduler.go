package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"signledger/internal/common/sweep"
	"signledger/internal/funding"
	"signledger/internal/refund"
)

// SchedulerConfig controls the in-process sweep schedule. Deployments that
// trigger sweeps through the admin endpoints leave it disabled.
type SchedulerConfig struct {
	Enabled              bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`
	ReconcileSchedule    string        `envconfig:"RECONCILE_SCHEDULE" default:"0 */4 * * *"`
	RefundExpirySchedule string        `envconfig:"REFUND_EXPIRY_SCHEDULE" default:"15 * * * *"`
	SweepTimeout         time.Duration `envconfig:"SWEEP_TIMEOUT" default:"20m"`
}

func startScheduler(cfg SchedulerConfig, runner *sweep.Runner, fundingService *funding.Service, refundService *refund.Service, logger *slog.Logger) (*cron.Cron, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.ReconcileSchedule, scheduled(cfg.SweepTimeout, logger, funding.SweepName, func(ctx context.Context) error {
		_, err := sweep.Run(ctx, runner, funding.SweepName, fundingService.CheckAllPendingPayments)
		return err
	})); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(cfg.RefundExpirySchedule, scheduled(cfg.SweepTimeout, logger, refund.SweepName, func(ctx context.Context) error {
		_, err := sweep.Run(ctx, runner, refund.SweepName, refundService.ProcessExpiredRefunds)
		return err
	})); err != nil {
		return nil, err
	}
	c.Start()

	logger.Info("sweep scheduler started",
		"reconcile", cfg.ReconcileSchedule,
		"refund_expiry", cfg.RefundExpirySchedule,
	)
	return c, nil
}

func scheduled(timeout time.Duration, logger *slog.Logger, name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := fn(ctx); err != nil && !errors.Is(err, sweep.ErrSkipped) {
			logger.Error("scheduled sweep failed", "sweep", name, "error", err)
		}
	}
}
