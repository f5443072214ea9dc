package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/elowen-ai/elowen/internal/adapters/http/dto"
	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, errorType string, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.NewErrorResponse(errorType, message, status))
}

// respondDomainError maps a service error onto the HTTP status table:
// unknown resources are 404, rejected input 400, a turn already in
// flight 409, provider trouble 502/503, everything else 500.
func respondDomainError(w http.ResponseWriter, err error) {
	errorType, status := classifyError(err)
	respondError(w, errorType, err.Error(), status)
}

func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, pgx.ErrNoRows),
		errors.Is(err, domain.ErrConversationNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrMemoryNotFound),
		errors.Is(err, domain.ErrEntityNotFound),
		errors.Is(err, domain.ErrNotFound):
		return "not_found", http.StatusNotFound

	case errors.Is(err, domain.ErrConversationBusy):
		return "conversation_busy", http.StatusConflict

	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrEmptyContent),
		errors.Is(err, domain.ErrContinuationInvalid),
		errors.Is(err, domain.ErrEntityNotConfigured),
		errors.Is(err, domain.ErrInvalidRole):
		return "invalid_request", http.StatusBadRequest

	case errors.Is(err, domain.ErrLLMUnavailable):
		return "llm_unavailable", http.StatusServiceUnavailable

	case errors.Is(err, domain.ErrLLMRequestFailed),
		errors.Is(err, domain.ErrLLMStreamAborted),
		errors.Is(err, domain.ErrLLMContextTooLong):
		return "llm_error", http.StatusBadGateway

	default:
		return "internal_error", http.StatusInternalServerError
	}
}

// parseIntQuery parses an integer query parameter with a default value
func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// validateURLParam validates and returns a URL parameter
func validateURLParam(r *http.Request, w http.ResponseWriter, paramName, errorField string) (string, bool) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		respondError(w, "invalid_request", errorField+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

// decodeJSON decodes JSON request body with error handling
func decodeJSON[T any](r *http.Request, w http.ResponseWriter) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 8*1024*1024) // attachments ride in the body

	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// requireActiveConversation checks if conversation is active
func requireActiveConversation(conv *models.Conversation, w http.ResponseWriter) bool {
	if !conv.IsActive() {
		respondError(w, "conversation_inactive", "Conversation is archived", http.StatusConflict)
		return false
	}
	return true
}
