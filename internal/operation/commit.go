package operation

import (
	"context"
	"errors"
	"fmt"

	"signledger/internal/ledger"
	"signledger/internal/ledger/domain"
	"signledger/internal/plans"
	"signledger/internal/refund"
	"signledger/internal/usage"
)

var debitReasons = map[plans.UsageType]domain.Reason{
	plans.UsageContracts:  domain.ReasonExtraContract,
	plans.UsageSignatures: domain.ReasonExtraSignature,
	plans.UsageSMS:        domain.ReasonSMS,
	plans.UsageAICalls:    domain.ReasonExtraAICall,
}

var refundableTypes = map[plans.UsageType]refund.EntityType{
	plans.UsageContracts:  refund.EntityContract,
	plans.UsageSignatures: refund.EntitySignatureRequest,
}

// Receipt records what committing an operation did
type Receipt struct {
	CustomerID    string          `json:"customer_id"`
	Action        plans.UsageType `json:"action"`
	EntityID      string          `json:"entity_id,omitempty"`
	UsageEventID  string          `json:"usage_event_id"`
	Charged       bool            `json:"charged"`
	Amount        int64           `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	ChargeError   string          `json:"charge_error,omitempty"`
	RefundTracked bool            `json:"refund_tracked"`
}

// ChargeReference is the debit idempotency key of an entity's overage charge
func ChargeReference(action plans.UsageType, entityID string) string {
	return "charge:" + string(action) + ":" + entityID
}

// CommitOperation settles an action that has already been performed: usage is
// recorded first, then the overage is debited when the verdict asks for it and
// the charged document is registered for refunds. Verdicts that were not
// allowed are rejected before anything is recorded. A debit that loses a race
// for the balance after an allowed verdict leaves the usage recorded and
// returns a receipt with Charged false.
func (s *Service) CommitOperation(ctx context.Context, customerID string, v *Verdict, entityID string) (*Receipt, error) {
	if !v.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown usage type %q", usage.ErrInvalidUsage, v.Action)
	}
	switch {
	case v.Outcome == OutcomeNotAvailable:
		return nil, ErrNotAvailable
	case v.Outcome == OutcomeInsufficientBalance:
		return nil, fmt.Errorf("%w: overage of %d for %s", domain.ErrInsufficientFunds, v.ExtraCost, v.Action)
	case !v.Allowed:
		return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, v.Action)
	}

	ev, err := s.tracker.IncrementUsage(ctx, customerID, v.Action, 1, entityID)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{CustomerID: customerID, Action: v.Action, EntityID: entityID, UsageEventID: ev.ID}

	if !v.ShouldDebit || v.ExtraCost <= 0 {
		return receipt, nil
	}

	reason, ok := debitReasons[v.Action]
	if !ok {
		return receipt, fmt.Errorf("%w: %s", ErrNotBillable, v.Action)
	}

	req := ledger.DebitRequest{
		CustomerID:      customerID,
		Amount:          v.ExtraCost,
		Reason:          reason,
		Description:     fmt.Sprintf("Overage: %s", v.Action),
		RelatedEntityID: entityID,
	}
	if entityID != "" {
		req.PaymentReference = ChargeReference(v.Action, entityID)
	}

	txn, err := s.wallet.Debit(ctx, req)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		receipt.ChargeError = ReasonInsufficientBalance
		s.metrics.Verdict(string(v.Action), "commit_unfunded")
		s.logger.Warn("overage not charged, balance spent meanwhile",
			"customer_id", customerID,
			"action", v.Action,
			"entity_id", entityID,
			"amount", v.ExtraCost,
		)
		return receipt, nil
	}
	if err != nil {
		return receipt, fmt.Errorf("charging overage: %w", err)
	}
	receipt.Charged = true
	receipt.Amount = txn.Amount
	receipt.TransactionID = txn.ID

	entityType, refundable := refundableTypes[v.Action]
	if !refundable || entityID == "" || s.refunds == nil {
		return receipt, nil
	}
	if _, err := s.refunds.TrackEntity(ctx, refund.TrackRequest{
		EntityID:            entityID,
		EntityType:          entityType,
		CustomerID:          customerID,
		ChargeTransactionID: txn.ID,
		Amount:              txn.Amount,
	}); err != nil {
		s.logger.Error("failed to open refund window",
			"error", err,
			"customer_id", customerID,
			"entity_id", entityID,
			"transaction_id", txn.ID,
		)
		return receipt, nil
	}
	receipt.RefundTracked = true
	return receipt, nil
}
