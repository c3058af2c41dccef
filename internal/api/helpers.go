package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/scaneye/scaneye/internal/middleware"
	"github.com/scaneye/scaneye/internal/models"
)

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// sendError sends a standardized error response
func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	middleware.SendError(w, r, status, code, message, details)
}

// decodeJSON decodes request body with error handling
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

// handleError maps the error taxonomy onto HTTP statuses. It returns false
// when err is nil.
func handleError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}

	var (
		verrs *models.ValidationErrors
		verr  *models.ValidationError
		perr  *models.PersistenceError
		eerr  *models.ExecutorError
	)
	switch {
	case errors.As(err, &verrs):
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", verrs.Errors)
	case errors.As(err, &verr):
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", verr.Message, []models.ValidationError{*verr})
	case errors.As(err, &perr):
		sendError(w, r, http.StatusInternalServerError, "PERSISTENCE_ERROR", "Failed to access settings", nil)
	case errors.As(err, &eerr):
		sendError(w, r, http.StatusBadGateway, "EXECUTOR_ERROR", eerr.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		sendError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Operation timed out", nil)
	default:
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
	return true
}
