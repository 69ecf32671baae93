package funding

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"signledger/internal/common/api"
	"signledger/internal/common/middleware"
	"signledger/internal/common/sweep"
	ledgerapi "signledger/internal/ledger/api"
)

// Handler handles top-up and reconciliation HTTP requests
type Handler struct {
	service *Service
	runner  *sweep.Runner
	logger  *slog.Logger
}

// NewHandler creates a new funding handler
func NewHandler(service *Service, runner *sweep.Runner, logger *slog.Logger) *Handler {
	return &Handler{service: service, runner: runner, logger: logger}
}

// Routes returns the customer-facing top-up routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireCustomer)

	r.Post("/", h.StartTopUp)
	r.Post("/complete", h.CompleteCheckout)

	return r
}

// RegisterAdminRoutes adds operator routes to an admin router
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/pending-payments", h.ListPendingPayments)
	r.Post("/sweeps/reconcile", h.RunReconcile)
}

// StartTopUp handles POST /topups
func (h *Handler) StartTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.CustomerID = middleware.GetCustomerID(r.Context())

	intent, err := h.service.StartTopUp(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, intent)
}

// CompleteCheckoutRequest is sent by the client after the processor redirect
type CompleteCheckoutRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=255"`
}

// CompleteCheckout handles POST /topups/complete
func (h *Handler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	var req CompleteCheckoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.ConfirmCheckout(r.Context(), middleware.GetCustomerID(r.Context()), req.PaymentReference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// ListPendingPayments handles GET /admin/pending-payments
func (h *Handler) ListPendingPayments(w http.ResponseWriter, r *http.Request) {
	var status *Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := Status(s)
		if !st.Valid() {
			api.BadRequest(w, "status must be one of pending, processing, confirmed, failed")
			return
		}
		status = &st
	}

	params := api.GetPaginationParams(r, 50, 100)
	payments, total, err := h.service.ListPendingPayments(r.Context(), status, params.Limit, params.Offset)
	if err != nil {
		h.writeError(w, err)
		return
	}

	api.WritePaginated(w, payments, &api.Pagination{
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: int64(params.Offset+len(payments)) < total,
	})
}

// RunReconcile handles POST /admin/sweeps/reconcile
func (h *Handler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := sweep.Run(r.Context(), h.runner, SweepName, h.service.CheckAllPendingPayments)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidTopUp):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	case errors.Is(err, ErrPaymentNotFound):
		api.NotFound(w, "pending payment not found")
	case errors.Is(err, ErrProcessorMismatch):
		api.Conflict(w, api.ErrCodeConflict, err.Error())
	case errors.Is(err, sweep.ErrSkipped):
		api.Conflict(w, api.ErrCodeConflict, err.Error())
	case errors.Is(err, ErrProcessorNotConfigured):
		h.logger.Error("payment processor not configured")
		api.ServiceUnavailable(w, "payment processing unavailable")
	default:
		ledgerapi.WriteServiceError(w, h.logger, err)
	}
}
