package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/podcastd/internal/api/response"
	"github.com/kiranshivaraju/podcastd/internal/engine"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// writeError maps engine and validation errors to the API error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *models.ValidationError
	var ise *engine.InvalidStateError
	switch {
	case errors.As(err, &ve):
		var details any
		if ve.Field != "" {
			details = map[string]string{"field": ve.Field}
		}
		response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ve.Message, details)
	case errors.Is(err, engine.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, engine.ErrAccessDenied):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "You do not have access to this job", nil)
	case errors.As(err, &ise):
		response.Error(w, http.StatusConflict, "INVALID_STATE", ise.Error(),
			map[string]string{"status": string(ise.Status)})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
