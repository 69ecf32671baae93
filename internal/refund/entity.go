// Package refund tracks charged documents and reverses their charge when they
// are archived inside the refund window.
package refund

import (
	"errors"
	"time"
)

// EntityType is the kind of billable document
type EntityType string

const (
	EntityContract         EntityType = "contract"
	EntitySignatureRequest EntityType = "signature_request"
)

// Valid reports whether t is a billable entity type
func (t EntityType) Valid() bool {
	return t == EntityContract || t == EntitySignatureRequest
}

// EntityStatus mirrors the document's lifecycle
type EntityStatus string

const (
	StatusActive    EntityStatus = "active"
	StatusArchived  EntityStatus = "archived"
	StatusCompleted EntityStatus = "completed"
)

// RefundState is where the entity's charge stands
type RefundState string

const (
	StateEligible  RefundState = "eligible"
	StateRefunded  RefundState = "refunded"
	StateFinalized RefundState = "finalized"
)

var (
	ErrEntityNotFound = errors.New("billable entity not found")
	ErrInvalidEntity  = errors.New("invalid billable entity")
	ErrInvalidMonth   = errors.New("month must be formatted YYYY-MM")
)

// Entity is a charged document whose charge may still be refunded
type Entity struct {
	EntityID            string       `json:"entity_id"`
	EntityType          EntityType   `json:"entity_type"`
	CustomerID          string       `json:"customer_id"`
	ChargeTransactionID string       `json:"charge_transaction_id"`
	Amount              int64        `json:"amount"`
	Status              EntityStatus `json:"status"`
	RefundState         RefundState  `json:"refund_state"`
	RefundTransactionID string       `json:"refund_transaction_id,omitempty"`
	ArchiveReason       string       `json:"archive_reason,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	RefundedAt          *time.Time   `json:"refunded_at,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Key identifies the entity in logs and sweep reports
func (e *Entity) Key() string {
	return string(e.EntityType) + "/" + e.EntityID
}

// WithinWindow reports whether less than window has passed since creation.
// The window is closed at exactly created_at + window.
func (e *Entity) WithinWindow(now time.Time, window time.Duration) bool {
	return now.Sub(e.CreatedAt) < window
}

// TypeTotal aggregates refunds of one entity type
type TypeTotal struct {
	EntityType EntityType `json:"entity_type"`
	Count      int64      `json:"count"`
	Amount     int64      `json:"amount"`
}

// Summary aggregates a customer's refunds over one month
type Summary struct {
	CustomerID      string      `json:"customer_id"`
	Month           string      `json:"month"`
	ByType          []TypeTotal `json:"by_type"`
	TotalCount      int64       `json:"total_count"`
	TotalAmount     int64       `json:"total_amount"`
	FormattedAmount string      `json:"formatted_amount"`
}
