package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, customerID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		CustomerID:    customerID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Discard is a publisher that drops every event, used when no broker is configured
var Discard EventPublisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, *Event) error { return nil }

// PublishAfterCommit builds and publishes an event. Failures are logged, never returned:
// the ledger row is already durable and the event stream is a projection of it.
func PublishAfterCommit(ctx context.Context, pub EventPublisher, logger *slog.Logger, eventType, customerID, aggregateType, aggregateID string, data interface{}) {
	evt, err := NewEvent(eventType, customerID, aggregateType, aggregateID, data)
	if err == nil {
		err = pub.Publish(ctx, evt)
	}
	if err != nil {
		logger.Warn("failed to publish event",
			"error", err,
			"type", eventType,
			"aggregate_id", aggregateID,
		)
	}
}

// Event types
const (
	// Wallet events
	EventWalletCredited = "wallet.credited"
	EventWalletDebited  = "wallet.debited"
	EventWalletRefunded = "wallet.refunded"

	// Funding events
	EventTopUpPending   = "funding.topup.pending"
	EventTopUpConfirmed = "funding.topup.confirmed"
	EventTopUpFailed    = "funding.topup.failed"

	// Refund engine events
	EventEntityRefunded  = "refund.entity.refunded"
	EventEntityFinalized = "refund.entity.finalized"

	// Document store lifecycle, consumed
	EventEntityArchived  = "documents.entity.archived"
	EventEntityCompleted = "documents.entity.completed"
)

// WalletTransactionData is the data for wallet.* events
type WalletTransactionData struct {
	TransactionID   string `json:"transaction_id"`
	CustomerID      string `json:"customer_id"`
	Type            string `json:"type"`
	Reason          string `json:"reason"`
	Amount          int64  `json:"amount"`
	BalanceAfter    int64  `json:"balance_after"`
	RelatedEntityID string `json:"related_entity_id,omitempty"`
	RefundOf        string `json:"refund_of,omitempty"`
}

// TopUpData is the data for funding.topup.* events
type TopUpData struct {
	PendingPaymentID string `json:"pending_payment_id,omitempty"`
	PaymentReference string `json:"payment_reference"`
	CustomerID       string `json:"customer_id"`
	Amount           int64  `json:"amount"`
	Method           string `json:"method"`
	Status           string `json:"status"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

// EntityLifecycleData is the data for documents.entity.* events
type EntityLifecycleData struct {
	EntityID      string `json:"entity_id"`
	EntityType    string `json:"entity_type"`
	ArchiveReason string `json:"archive_reason,omitempty"`
}

// EntityRefundData is the data for refund.entity.* events
type EntityRefundData struct {
	EntityID      string `json:"entity_id"`
	EntityType    string `json:"entity_type"`
	CustomerID    string `json:"customer_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id,omitempty"`
}
