// Package apiutil provides shared JSON response helpers for the Firma-Sign
// REST API. All handlers under internal/api import this package instead of
// duplicating writeJSON / writeError / writeNoContent per file.
package apiutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
)

// ErrorResponse is the error envelope returned by the API:
// {"error":{"code":...,"message":...,"details":...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error code, human-readable message, and optional
// per-field validation details.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteJSONRaw is an alias of WriteJSON kept for call sites that predate the
// single-envelope response format; Firma-Sign never double-wraps responses.
func WriteJSONRaw(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, data)
}

// WriteError writes a JSON error response using the standard envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// WriteErrorDetails writes a JSON error response carrying per-field details,
// used for INVALID_REQUEST responses that name the offending field.
func WriteErrorDetails(w http.ResponseWriter, status int, code, message string, details interface{}) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

// WriteNoContent writes a 204 No Content response with no body.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// DecodeJSON reads JSON from the request body into dst. On failure it writes
// a 400 error response and returns false so the caller can return early.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return false
	}
	return true
}

// InternalError logs the error and writes a generic 500 response. The msg
// parameter is used both as the log message and the user-facing message.
func InternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", msg)
}

// kindStatus maps an apperror.Kind to its HTTP status code.
var kindStatus = map[apperror.Kind]int{
	apperror.KindInvalidRequest:       http.StatusBadRequest,
	apperror.KindNotFound:             http.StatusNotFound,
	apperror.KindConflict:             http.StatusConflict,
	apperror.KindUnauthorized:         http.StatusUnauthorized,
	apperror.KindForbidden:            http.StatusForbidden,
	apperror.KindTransportUnavailable: http.StatusServiceUnavailable,
	apperror.KindTransportTransient:   http.StatusBadGateway,
	apperror.KindTransportPermanent:   http.StatusBadGateway,
	apperror.KindStorage:              http.StatusInternalServerError,
	apperror.KindInternal:             http.StatusInternalServerError,
}

// WriteAppError maps any error to the API error envelope, classifying it via
// apperror when possible and falling back to a generic 500 otherwise. This
// is the single place HTTP handlers convert service-layer errors to
// responses, so every handler's error path looks the same.
func WriteAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	appErr, ok := apperror.As(err)
	if !ok {
		InternalError(w, logger, "internal error", err)
		return
	}

	status, ok := kindStatus[appErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	if status >= 500 {
		logger.Error("request failed", slog.String("code", appErr.Code), slog.String("error", appErr.Error()))
	}

	var details interface{}
	if appErr.Field != "" {
		details = map[string]string{"field": appErr.Field}
	}
	WriteErrorDetails(w, status, appErr.Code, appErr.Message, details)
}

// WithTx runs fn inside a *sql.Tx. It begins the transaction, calls fn, and
// commits if fn returns nil; any error (including a panic recovered and
// re-thrown by the caller) rolls the transaction back. This is the one
// multi-statement atomic unit services use instead of a shared
// Repository/UnitOfWork abstraction (see DESIGN.md "Persistence style").
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperror.Storage("beginning transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperror.Storage("committing transaction", err)
	}
	return nil
}
