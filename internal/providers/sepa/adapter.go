// Package sepa collects wallet top-ups by SEPA Direct Debit through the
// creditor bank's HTTP API.
package sepa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"signledger/internal/common/money"
	"signledger/internal/funding"
)

// ErrNotConfigured is returned when the bank API is not configured
var ErrNotConfigured = errors.New("sepa bank API not configured")

// Config holds SEPA adapter configuration.
type Config struct {
	BaseURL    string        `envconfig:"SEPA_BASE_URL"`
	APIKey     string        `envconfig:"SEPA_API_KEY"`
	CreditorID string        `envconfig:"SEPA_CREDITOR_ID"`
	Timeout    time.Duration `envconfig:"SEPA_TIMEOUT" default:"30s"`
}

// CollectionStatus is the bank's status of a direct debit collection.
type CollectionStatus string

const (
	StatusSubmitted CollectionStatus = "SUBMITTED"
	StatusAccepted  CollectionStatus = "ACCEPTED"
	StatusSettled   CollectionStatus = "SETTLED"
	StatusRejected  CollectionStatus = "REJECTED"
	StatusReturned  CollectionStatus = "RETURNED"
	StatusRecalled  CollectionStatus = "RECALLED"
)

// CollectionRequest is the request body for a direct debit collection.
type CollectionRequest struct {
	MsgID            string `json:"msg_id"`
	PmtInfID         string `json:"pmt_inf_id"`
	EndToEndID       string `json:"end_to_end_id"`
	CreditorID       string `json:"creditor_id"`
	MandateReference string `json:"mandate_reference"`
	Amount           int64  `json:"amount_minor"`
	Currency         string `json:"currency"`
	Remittance       string `json:"remittance_information"`
}

// CollectionResponse is the bank's reply to a collection or status query.
type CollectionResponse struct {
	MsgID            string           `json:"msg_id"`
	PmtInfID         string           `json:"pmt_inf_id"`
	Status           CollectionStatus `json:"status"`
	Amount           int64            `json:"amount_minor"`
	MandateReference string           `json:"mandate_reference,omitempty"`
	ReasonCode       string           `json:"reason_code,omitempty"` // AC04, AM04, MD01, ...
	ReasonDesc       string           `json:"reason_desc,omitempty"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
}

// Adapter implements funding.Processor for SEPA Direct Debit.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new SEPA adapter.
func NewAdapter(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// Name implements funding.Processor
func (a *Adapter) Name() string {
	return "sepa"
}

// CreateTopUpIntent submits a collection against the customer's mandate. The
// returned reference is "msg_id:pmt_inf_id".
func (a *Adapter) CreateTopUpIntent(ctx context.Context, customerID string, amount int64, currency money.Currency, method funding.Method) (*funding.TopUpIntent, error) {
	if method != funding.MethodBankDebit {
		return nil, fmt.Errorf("%w: sepa collects bank debits only", funding.ErrInvalidTopUp)
	}

	req := CollectionRequest{
		MsgID:            "MSG" + ulid.Make().String(),
		PmtInfID:         "PMT" + ulid.Make().String(),
		EndToEndID:       "E2E" + ulid.Make().String(),
		CreditorID:       a.config.CreditorID,
		MandateReference: customerID,
		Amount:           amount,
		Currency:         string(currency),
		Remittance:       "Wallet top-up",
	}

	var resp CollectionResponse
	if err := a.do(ctx, http.MethodPost, "/collections", req, &resp); err != nil {
		return nil, fmt.Errorf("sepa submit: %w", err)
	}

	ref := reference(req.MsgID, req.PmtInfID)
	a.logger.Info("SEPA collection submitted",
		"customer_id", customerID,
		"payment_reference", ref,
		"amount", amount,
		"status", resp.Status,
	)

	return &funding.TopUpIntent{
		PaymentReference: ref,
		Amount:           amount,
		Currency:         currency,
		Method:           method,
		Status:           mapStatus(resp.Status),
	}, nil
}

// GetPaymentStatus implements funding.Processor
func (a *Adapter) GetPaymentStatus(ctx context.Context, paymentReference string) (*funding.PaymentStatus, error) {
	msgID, pmtInfID, ok := strings.Cut(paymentReference, ":")
	if !ok || msgID == "" || pmtInfID == "" {
		return nil, fmt.Errorf("invalid payment reference %q, expected msg_id:pmt_inf_id", paymentReference)
	}

	var resp CollectionResponse
	if err := a.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s/%s", msgID, pmtInfID), nil, &resp); err != nil {
		return nil, fmt.Errorf("sepa status: %w", err)
	}

	status := &funding.PaymentStatus{
		Reference:  paymentReference,
		CustomerID: resp.MandateReference,
		Status:     mapStatus(resp.Status),
		Amount:     resp.Amount,
		Method:     funding.MethodBankDebit,
	}
	if status.Status == funding.ProcessorFailed {
		status.FailureReason = strings.TrimSpace(fmt.Sprintf("%s %s %s", strings.ToLower(string(resp.Status)), resp.ReasonCode, resp.ReasonDesc))
	}
	return status, nil
}

func mapStatus(s CollectionStatus) funding.ProcessorStatus {
	switch s {
	case StatusSettled:
		return funding.ProcessorSucceeded
	case StatusRejected, StatusReturned, StatusRecalled:
		return funding.ProcessorFailed
	case StatusSubmitted, StatusAccepted:
		return funding.ProcessorProcessing
	default:
		return funding.ProcessorPending
	}
}

func reference(msgID, pmtInfID string) string {
	return msgID + ":" + pmtInfID
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("sepa api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
