package api

import (
	"errors"
	"log/slog"
	"net/http"

	"signledger/internal/common/api"
	"signledger/internal/common/database"
	"signledger/internal/ledger/domain"
)

// WriteServiceError maps wallet and storage errors onto the API error envelope.
// Business outcomes get 4xx codes; anything unrecognised is logged and hidden behind a 500.
func WriteServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		api.PaymentRequired(w, "insufficient balance")
	case errors.Is(err, domain.ErrTransactionNotFound), database.IsNotFound(err):
		api.NotFound(w, "not found")
	case errors.Is(err, domain.ErrAlreadyRefunded):
		api.Conflict(w, api.ErrCodeAlreadyRefunded, "transaction already refunded")
	case errors.Is(err, domain.ErrNotRefundable):
		api.Conflict(w, api.ErrCodeNotRefundable, "transaction is not refundable")
	case errors.Is(err, domain.ErrReferenceConflict), errors.Is(err, database.ErrConflict):
		api.Conflict(w, api.ErrCodeConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidReason):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	case domain.IsIntegrityError(err):
		logger.Error("integrity violation surfaced to caller", "error", err)
		api.Conflict(w, api.ErrCodeIntegrity, "request conflicts with recorded ledger state")
	default:
		logger.Error("request failed", "error", err)
		api.InternalError(w, "internal error")
	}
}
