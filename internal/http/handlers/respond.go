package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/devicelink/server/internal/auth"
)

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 16 << 10

// errorResponse is the JSON body of every error
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// respondJSON writes v as JSON with the given status
func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", "error", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	})
}

// decodeJSON reads a bounded JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// serviceError maps a LinkService error to its HTTP status and machine code
type serviceError struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: ErrInvalidPlatform also wraps ErrInvalidInput.
var serviceErrors = []serviceError{
	{auth.ErrInvalidPlatform, http.StatusBadRequest, "INVALID_PLATFORM", "platform must be one of: windows, macos, linux"},
	{auth.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", ""},
	{auth.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR", ""},
	{auth.ErrInvalidID, http.StatusBadRequest, "INVALID_ID", "Invalid device link ID format"},
	{auth.ErrAuthRequired, http.StatusUnauthorized, "AUTH_REQUIRED", "You must be logged in to link a device"},
	{auth.ErrCodeNotFound, http.StatusNotFound, "CODE_NOT_FOUND", "The code you entered is invalid or has expired"},
	{auth.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Device link request not found"},
	{auth.ErrCodeAlreadyUsed, http.StatusConflict, "CODE_ALREADY_USED", "This code has already been used"},
	{auth.ErrCodeExpired, http.StatusGone, "CODE_EXPIRED", "This code has expired"},
	{auth.ErrStorage, http.StatusInternalServerError, "STORAGE_ERROR", "Temporary storage failure, please retry"},
}

// respondWithServiceError writes the error body for err and logs anything unexpected
func respondWithServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	for _, se := range serviceErrors {
		if !errors.Is(err, se.target) {
			continue
		}
		msg := se.message
		if msg == "" {
			msg = err.Error()
		}
		if se.status >= http.StatusInternalServerError {
			logger.Error("storage failure", "error", err)
			w.Header().Set("Retry-After", "1")
		}
		respondWithError(w, se.status, se.code, msg)
		return
	}
	logger.Error("unexpected error", "error", err)
	respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}
