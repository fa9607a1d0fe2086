// Package apperror defines the error taxonomy shared by the persistence,
// service, and API layers. Every error surfaced to a caller outside its
// originating package is one of these kinds so the HTTP layer and the
// WebSocket gateway can map it to a response without inspecting strings.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for API/gateway response mapping.
type Kind string

const (
	KindInvalidRequest       Kind = "InvalidRequest"
	KindNotFound             Kind = "NotFound"
	KindConflict             Kind = "Conflict"
	KindUnauthorized         Kind = "Unauthorized"
	KindForbidden            Kind = "Forbidden"
	KindTransportUnavailable Kind = "TransportUnavailable"
	KindTransportTransient   Kind = "TransportTransient"
	KindTransportPermanent   Kind = "TransportPermanent"
	KindStorage              Kind = "Storage"
	KindInternal             Kind = "Internal"
)

// Error is the concrete type carried through the system. Field is set for
// InvalidRequest errors that pin the blame on one request field.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches kind/code/message to an underlying error while preserving it
// for errors.Is/As.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func InvalidRequest(field, message string) *Error {
	return &Error{Kind: KindInvalidRequest, Code: "INVALID_REQUEST", Message: message, Field: field}
}

func NotFound(entity, id string) *Error {
	return new_(KindNotFound, entity+"_NOT_FOUND", fmt.Sprintf("%s %q not found", entity, id))
}

func Conflict(code, message string) *Error {
	return new_(KindConflict, code, message)
}

func Unauthorized(message string) *Error {
	return new_(KindUnauthorized, "UNAUTHORIZED", message)
}

func Forbidden(message string) *Error {
	return new_(KindForbidden, "FORBIDDEN", message)
}

func TransportUnavailable(name string) *Error {
	return new_(KindTransportUnavailable, "TRANSPORT_NOT_AVAILABLE", fmt.Sprintf("transport %q is not available", name))
}

func TransportTransient(name string, err error) *Error {
	return Wrap(KindTransportTransient, "TRANSPORT_TRANSIENT", fmt.Sprintf("transport %q send failed (retryable)", name), err)
}

func TransportPermanent(name string, err error) *Error {
	return Wrap(KindTransportPermanent, "TRANSPORT_PERMANENT", fmt.Sprintf("transport %q send failed (permanent)", name), err)
}

func Storage(message string, err error) *Error {
	return Wrap(KindStorage, "STORAGE_ERROR", message, err)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, "INTERNAL_ERROR", message, err)
}

// Retryable reports whether the error kind should be retried by the caller
// (transient transport or storage contention).
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransportTransient || e.Kind == KindStorage
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As is a small convenience wrapper around errors.As for the common case of
// needing the *Error fields (Code, Message, Field) at the API boundary.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
