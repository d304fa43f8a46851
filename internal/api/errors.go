// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/diverge/internal/ledger"
	"github.com/onnwee/diverge/internal/middleware"
)

// Error codes returned in the error envelope.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeNotFound indicates the route does not exist.
	ErrCodeNotFound = "not_found"

	// ErrCodeMethodNotAllowed indicates the route exists for other methods.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeUnauthorized indicates a missing, invalid or replayed proof.
	ErrCodeUnauthorized = "unauthorized"

	// ErrCodeAlreadyInitialized indicates Initialize was already called.
	ErrCodeAlreadyInitialized = "already_initialized"

	// ErrCodeNotInitialized indicates the ledger has no admin or salt yet.
	ErrCodeNotInitialized = "not_initialized"

	// ErrCodeProviderNotAuthorized indicates the provider may not record sessions.
	ErrCodeProviderNotAuthorized = "provider_not_authorized"

	// ErrCodeSessionNotFound indicates no session has the requested id.
	ErrCodeSessionNotFound = "session_not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code on
// the request context for the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// ledgerErrors maps ledger sentinels to a status and an error code.
var ledgerErrors = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{ledger.ErrAlreadyInitialized, http.StatusConflict, ErrCodeAlreadyInitialized, "Ledger is already initialized"},
	{ledger.ErrNotInitialized, http.StatusConflict, ErrCodeNotInitialized, "Ledger is not initialized"},
	{ledger.ErrUnauthorized, http.StatusUnauthorized, ErrCodeUnauthorized, "A valid proof for this operation is required"},
	{ledger.ErrProviderNotAuthorized, http.StatusForbidden, ErrCodeProviderNotAuthorized, "Provider is not authorized"},
	{ledger.ErrSessionNotFound, http.StatusNotFound, ErrCodeSessionNotFound, "Session not found"},
}

// WriteLedgerError writes the response for an error returned by the ledger.
// Unknown errors are logged and reported as internal errors without detail.
func WriteLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	for _, m := range ledgerErrors {
		if errors.Is(err, m.err) {
			WriteError(w, ctx, m.status, m.code, m.message)
			return
		}
	}
	if errors.Is(err, ledger.ErrInvalidInput) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	slog.ErrorContext(ctx, "ledger operation failed",
		"error", err,
		"request_id", middleware.GetRequestID(ctx),
	)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

// StatusCodeMapping returns the HTTP status for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeProviderNotAuthorized:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeSessionNotFound:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeAlreadyInitialized, ErrCodeNotInitialized:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
