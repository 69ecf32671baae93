package funding

import (
	"context"

	"signledger/internal/common/money"
)

// ProcessorStatus is a processor's view of a payment, reduced to what
// reconciliation acts on
type ProcessorStatus string

// ProcessorProcessing means funds are in flight and the payment can no longer
// be abandoned by the customer. ProcessorPending means the processor is still
// waiting on the customer (authentication, confirmation, a payment method) and
// nothing has been collected.
const (
	ProcessorSucceeded  ProcessorStatus = "succeeded"
	ProcessorProcessing ProcessorStatus = "processing"
	ProcessorPending    ProcessorStatus = "pending"
	ProcessorFailed     ProcessorStatus = "failed"
)

// TopUpIntent is a payment the customer still has to authorise
type TopUpIntent struct {
	PaymentReference string          `json:"payment_reference"`
	ClientSecret     string          `json:"client_secret,omitempty"`
	Amount           int64           `json:"amount"`
	Currency         money.Currency  `json:"currency"`
	Method           Method          `json:"method"`
	Status           ProcessorStatus `json:"status"`
}

// PaymentStatus is the result of polling a payment
type PaymentStatus struct {
	Reference     string
	CustomerID    string
	Status        ProcessorStatus
	Amount        int64
	Method        Method
	FailureReason string
}

// Processor is the payment processor contract
type Processor interface {
	Name() string
	CreateTopUpIntent(ctx context.Context, customerID string, amount int64, currency money.Currency, method Method) (*TopUpIntent, error)
	GetPaymentStatus(ctx context.Context, paymentReference string) (*PaymentStatus, error)
}

// PaymentEventKind is a normalised processor notification
type PaymentEventKind string

const (
	PaymentSucceeded  PaymentEventKind = "succeeded"
	PaymentProcessing PaymentEventKind = "processing"
	PaymentFailed     PaymentEventKind = "failed"
)

// PaymentEvent is a processor push notification, already authenticated
type PaymentEvent struct {
	Kind             PaymentEventKind
	PaymentReference string
	CustomerID       string
	Amount           int64
	Method           Method
	FailureReason    string
}
