package funding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"signledger/internal/common/sweep"
)

// SweepName identifies the reconciliation sweep in locks, logs and metrics
const SweepName = "reconcile"

// SweepResult summarises one reconciliation run
type SweepResult struct {
	Checked   int           `json:"checked"`
	Updated   int           `json:"updated"`
	Confirmed int           `json:"confirmed"`
	Failed    int           `json:"failed"`
	Errors    []sweep.Error `json:"errors"`
}

type checkOutcome struct {
	checked   bool
	confirmed bool
	failed    bool
	errs      []sweep.Error
}

// CheckAllPendingPayments polls the processor for every open pending payment
// and resolves those that settled. A record's failure is collected into Errors
// and never stops the rest of the run. Safe to run concurrently with itself.
func (s *Service) CheckAllPendingPayments(ctx context.Context) (*SweepResult, error) {
	if s.processor == nil {
		return nil, ErrProcessorNotConfigured
	}

	open, err := s.store.ListOpen(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("listing open payments: %w", err)
	}

	result := &SweepResult{Errors: []sweep.Error{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, p := range open {
		g.Go(func() error {
			o := s.checkOne(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if o.checked {
				result.Checked++
			}
			if o.confirmed {
				result.Confirmed++
				result.Updated++
			}
			if o.failed {
				result.Failed++
				result.Updated++
			}
			result.Errors = append(result.Errors, o.errs...)
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SweepRecords(SweepName, "checked", result.Checked)
	s.metrics.SweepRecords(SweepName, "confirmed", result.Confirmed)
	s.metrics.SweepRecords(SweepName, "failed", result.Failed)
	s.metrics.SweepRecords(SweepName, "error", len(result.Errors))

	s.logger.Info("pending payment sweep finished",
		"open", len(open),
		"checked", result.Checked,
		"confirmed", result.Confirmed,
		"failed", result.Failed,
		"errors", len(result.Errors),
	)
	return result, nil
}

func (s *Service) checkOne(ctx context.Context, p *PendingPayment) (o checkOutcome) {
	fail := func(stage string, err error) {
		o.errs = append(o.errs, sweep.Error{Ref: p.ExternalPaymentRef, Stage: stage, Message: err.Error()})
	}

	claimed, err := s.store.MarkProcessing(ctx, p.ID, s.now())
	if errors.Is(err, ErrAlreadyResolved) {
		return o
	}
	if err != nil {
		fail("claim", err)
		return o
	}
	o.checked = true

	// Overdue payments are only stuck if this run leaves them open
	stillOpen := func() {
		s.release(ctx, claimed)
		if !claimed.Overdue(s.now(), s.cfg.StuckGrace) {
			return
		}
		s.logger.Warn("pending payment overdue",
			"payment_reference", claimed.ExternalPaymentRef,
			"customer_id", claimed.CustomerID,
			"check_attempts", claimed.CheckAttempts,
			"expected_confirmation", claimed.ExpectedConfirmationDate,
		)
		fail("stuck", fmt.Errorf("unresolved after %d checks, expected by %s",
			claimed.CheckAttempts, claimed.ExpectedConfirmationDate.Format("2006-01-02")))
	}

	status, err := s.poll(ctx, claimed.ExternalPaymentRef)
	if err != nil {
		fail("poll", err)
		stillOpen()
		return o
	}
	if status.Amount != 0 && status.Amount != claimed.Amount {
		s.release(ctx, claimed)
		s.logger.Error("processor amount differs from credited amount",
			"payment_reference", claimed.ExternalPaymentRef,
			"credited", claimed.Amount,
			"processor", status.Amount,
		)
		fail("integrity", fmt.Errorf("%w: credited %d, processor reports %d", ErrProcessorMismatch, claimed.Amount, status.Amount))
		return o
	}

	switch status.Status {
	case ProcessorSucceeded:
		res, err := s.confirm(ctx, claimed)
		if err != nil {
			fail("confirm", err)
			return o
		}
		o.confirmed = res.applied

	case ProcessorFailed:
		res, err := s.fail(ctx, claimed, status.FailureReason)
		if err != nil {
			fail("compensation", err)
			return o
		}
		o.failed = res.applied
		if res.shortfall > 0 {
			fail("compensation", fmt.Errorf("insufficient balance to reverse %d, manual follow-up required", res.shortfall))
		}

	default:
		stillOpen()
	}
	return o
}

// release hands a still-open payment back to pending after its poll
func (s *Service) release(ctx context.Context, p *PendingPayment) {
	if err := s.store.Release(ctx, p.ID); err != nil {
		s.logger.Warn("failed to release pending payment", "payment_reference", p.ExternalPaymentRef, "error", err)
	}
}
