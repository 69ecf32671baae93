package refund

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

// Handler handles refund engine HTTP requests
type Handler struct {
	service *Service
	runner  *sweep.Runner
	logger  *slog.Logger
}

// NewHandler creates a new refund handler
func NewHandler(service *Service, runner *sweep.Runner, logger *slog.Logger) *Handler {
	return &Handler{service: service, runner: runner, logger: logger}
}

// RegisterRoutes adds the customer refund summary
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireCustomer).Get("/refunds/summary", h.GetRefundSummary)
}

// RegisterAdminRoutes adds the document lifecycle callbacks and the expiry
// sweep to an admin router. Callbacks move money, so they share its auth.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/entities/archived", h.EntityArchived)
	r.Post("/entities/completed", h.EntityCompleted)
	r.Post("/sweeps/refund-expiry", h.RunExpiry)
}

// GetRefundSummary handles GET /refunds/summary?month=YYYY-MM
func (h *Handler) GetRefundSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.GetRefundSummary(r.Context(), middleware.GetCustomerID(r.Context()), r.URL.Query().Get("month"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, sum)
}

// ArchivedRequest reports an archived or cancelled document
type ArchivedRequest struct {
	EntityID      string     `json:"entity_id" validate:"required,max=255"`
	EntityType    EntityType `json:"entity_type" validate:"required,oneof=contract signature_request"`
	ArchiveReason string     `json:"archive_reason" validate:"max=500"`
}

// RefundOutcome is the response to a lifecycle callback
type RefundOutcome struct {
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	Refunded   bool       `json:"refunded"`
	Finalized  bool       `json:"finalized"`
}

// EntityArchived handles POST /admin/entities/archived
func (h *Handler) EntityArchived(w http.ResponseWriter, r *http.Request) {
	var req ArchivedRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	refunded, err := h.service.ProcessEntityRefund(r.Context(), req.EntityID, req.EntityType, req.ArchiveReason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, RefundOutcome{EntityID: req.EntityID, EntityType: req.EntityType, Refunded: refunded})
}

// CompletedRequest reports a completed document
type CompletedRequest struct {
	EntityID   string     `json:"entity_id" validate:"required,max=255"`
	EntityType EntityType `json:"entity_type" validate:"required,oneof=contract signature_request"`
}

// EntityCompleted handles POST /admin/entities/completed
func (h *Handler) EntityCompleted(w http.ResponseWriter, r *http.Request) {
	var req CompletedRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	finalized, err := h.service.EntityCompleted(r.Context(), req.EntityID, req.EntityType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, RefundOutcome{EntityID: req.EntityID, EntityType: req.EntityType, Finalized: finalized})
}

// RunExpiry handles POST /admin/sweeps/refund-expiry
func (h *Handler) RunExpiry(w http.ResponseWriter, r *http.Request) {
	res, err := sweep.Run(r.Context(), h.runner, SweepName, h.service.ProcessExpiredRefunds)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidMonth), errors.Is(err, ErrInvalidEntity):
		api.BadRequest(w, err.Error())
	case errors.Is(err, ErrEntityNotFound):
		api.NotFound(w, "entity not found")
	case errors.Is(err, sweep.ErrSkipped):
		api.Conflict(w, api.ErrCodeConflict, err.Error())
	default:
		ledgerapi.WriteServiceError(w, h.logger, err)
	}
}
