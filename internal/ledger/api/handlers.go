package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signledger/internal/common/api"
	"signledger/internal/common/middleware"
	"signledger/internal/ledger"
	"signledger/internal/ledger/domain"
)

// Handler handles wallet HTTP requests
type Handler struct {
	service *ledger.Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(service *ledger.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the customer-facing wallet routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireCustomer)

	r.Get("/balance", h.GetBalance)
	r.Get("/transactions", h.ListTransactions)
	r.Post("/debit", h.Debit)

	return r
}

// AdminRoutes returns operator wallet routes
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/credit", h.AdminCredit)
	r.Post("/refund", h.Refund)
	r.Get("/{customerID}/verify", h.VerifyBalance)
	r.Post("/transactions/{id}/reference", h.AttachReference)

	return r
}

// BalanceResponse is a balance with its display form
type BalanceResponse struct {
	*domain.WalletBalance
	Formatted string `json:"formatted"`
}

// GetBalance handles GET /wallet/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetBalance(r.Context(), middleware.GetCustomerID(r.Context()))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusOK, BalanceResponse{
		WalletBalance: balance,
		Formatted:     h.service.FormatAmount(balance.Balance),
	})
}

// ListTransactions handles GET /wallet/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var filter domain.TransactionFilter
	if typeStr := r.URL.Query().Get("type"); typeStr != "" {
		t := domain.TransactionType(typeStr)
		if !t.Valid() {
			api.BadRequest(w, "type must be one of credit, debit, refund")
			return
		}
		filter.Type = &t
	}
	for param, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := r.URL.Query().Get(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				api.BadRequest(w, param+" must be an RFC 3339 timestamp")
				return
			}
			*dst = &ts
		}
	}

	page := api.GetPaginationParams(r, 50, 100)
	txns, total, err := h.service.ListTransactions(r.Context(), middleware.GetCustomerID(r.Context()), filter, page.Limit, page.Offset)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	api.WritePaginated(w, txns, &api.Pagination{
		Limit:   page.Limit,
		Offset:  page.Offset,
		Total:   total,
		HasMore: int64(page.Offset+len(txns)) < total,
	})
}

// DebitRequest is the API request for charging the wallet
type DebitRequest struct {
	Amount          int64  `json:"amount" validate:"required,minor_units"`
	Reason          string `json:"reason" validate:"required,oneof=extra_contract extra_signature sms extra_ai_call"`
	Description     string `json:"description" validate:"max=500"`
	RelatedEntityID string `json:"related_entity_id" validate:"max=255"`
}

// Debit handles POST /wallet/debit
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	txn, err := h.service.Debit(r.Context(), ledger.DebitRequest{
		CustomerID:      middleware.GetCustomerID(r.Context()),
		Amount:          req.Amount,
		Reason:          domain.Reason(req.Reason),
		Description:     req.Description,
		RelatedEntityID: req.RelatedEntityID,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusCreated, txn)
}

// RefundRequest is the API request for refunding a debit
type RefundRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
}

// Refund handles POST /admin/wallet/refund. Customers get refunds through
// the document lifecycle, which enforces the refund window.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	txn, err := h.service.Refund(r.Context(), req.TransactionID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("operator refund", "transaction_id", req.TransactionID, "customer_id", txn.CustomerID)
	api.WriteData(w, http.StatusCreated, txn)
}

// AdminCredit handles POST /admin/wallet/credit
func (h *Handler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreditRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	txn, err := h.service.AddCredits(r.Context(), req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusCreated, txn)
}

// VerifyBalance handles GET /admin/wallet/{customerID}/verify
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyBalance(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil && report == nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	// A mismatch is the answer to the question, not a failed request
	api.WriteData(w, http.StatusOK, report)
}

// AttachReferenceRequest is the API request for attaching a late payment reference
type AttachReferenceRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=255"`
}

// AttachReference handles POST /admin/wallet/transactions/{id}/reference
func (h *Handler) AttachReference(w http.ResponseWriter, r *http.Request) {
	var req AttachReferenceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.AttachPaymentReference(r.Context(), id, req.PaymentReference); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}
