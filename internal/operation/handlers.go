package operation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"signledger/internal/common/api"
	"signledger/internal/common/middleware"
	ledgerapi "signledger/internal/ledger/api"
	"signledger/internal/plans"
	"signledger/internal/usage"
)

// Handler handles usage and operation HTTP requests
type Handler struct {
	service *Service
	catalog *plans.Catalog
	logger  *slog.Logger
}

// NewHandler creates a new operation handler
func NewHandler(service *Service, catalog *plans.Catalog, logger *slog.Logger) *Handler {
	return &Handler{service: service, catalog: catalog, logger: logger}
}

// RegisterRoutes adds the usage and operation routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireCustomer)

		r.Get("/usage", h.GetUsage)
		r.Post("/usage/check", h.CheckUsage)
		r.Post("/operations/validate", h.Validate)
		r.Post("/operations/commit", h.Commit)
	})
}

// ActionRequest names the action being checked
type ActionRequest struct {
	Action plans.UsageType `json:"action" validate:"required,oneof=contracts signatures sms ai_calls api_access"`
}

// CommitRequest reports a performed action
type CommitRequest struct {
	Action   plans.UsageType `json:"action" validate:"required,oneof=contracts signatures sms ai_calls api_access"`
	EntityID string          `json:"entity_id" validate:"max=255"`
}

// GetUsage handles GET /usage
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	plan, ok := h.plan(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetUsageSummary(r.Context(), middleware.GetCustomerID(r.Context()), plan)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// CheckUsage handles POST /usage/check
func (h *Handler) CheckUsage(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	plan, ok := h.plan(w, r)
	if !ok {
		return
	}

	d, err := h.service.CanPerformAction(r.Context(), middleware.GetCustomerID(r.Context()), plan, req.Action)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, d)
}

// Validate handles POST /operations/validate. Denials are verdicts, not errors.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	plan, ok := h.plan(w, r)
	if !ok {
		return
	}

	v, err := h.service.ValidateOperation(r.Context(), middleware.GetCustomerID(r.Context()), plan, req.Action)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, v)
}

// Commit handles POST /operations/commit. The verdict is recomputed here so a
// client cannot choose whether it is charged.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	plan, ok := h.plan(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	customerID := middleware.GetCustomerID(ctx)
	v, err := h.service.ValidateOperation(ctx, customerID, plan, req.Action)
	if err != nil {
		h.writeError(w, err)
		return
	}

	receipt, err := h.service.CommitOperation(ctx, customerID, v, req.EntityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, receipt)
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) (plans.Plan, bool) {
	plan, err := h.catalog.Get(middleware.GetPlanID(r.Context()))
	if err != nil {
		api.BadRequest(w, err.Error())
		return plans.Plan{}, false
	}
	return plan, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usage.ErrInvalidUsage):
		api.BadRequest(w, err.Error())
	case errors.Is(err, ErrNotAvailable), errors.Is(err, ErrNotBillable), errors.Is(err, ErrQuotaExceeded):
		api.WriteError(w, http.StatusForbidden, api.ErrCodeForbidden, err.Error())
	default:
		ledgerapi.WriteServiceError(w, h.logger, err)
	}
}
