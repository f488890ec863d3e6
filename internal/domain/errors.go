// Package domain provides the shared data model and canonical error types
// for the federation gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes a federation error.
type ErrorKind string

const (
	// KindValidation indicates a malformed definition or request; the
	// offending field is named on the error.
	KindValidation ErrorKind = "validation"

	// KindRateLimit indicates admission control rejected the request.
	KindRateLimit ErrorKind = "rate_limit"

	// KindNotFound indicates a workflow, execution, or provider was not found.
	KindNotFound ErrorKind = "not_found"

	// KindConflict indicates an operation that is illegal in the current
	// state, such as re-executing a terminal workflow execution.
	KindConflict ErrorKind = "conflict"

	// KindExternalService indicates a provider or transport failure; the
	// service name is carried on the error.
	KindExternalService ErrorKind = "external_service"

	// KindSchemaTranslation indicates no translator exists for a version pair.
	KindSchemaTranslation ErrorKind = "schema_translation"

	// KindWorkflowExecution indicates a failure during workflow orchestration.
	KindWorkflowExecution ErrorKind = "workflow_execution"

	// KindInternal is the catch-all for unexpected failures.
	KindInternal ErrorKind = "internal"
)

// Error is the canonical structured error returned by every component.
// Callers branch on Kind; Field and Service carry kind-specific context.
type Error struct {
	// Kind is the error category.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Field names the offending field for validation errors.
	Field string `json:"field,omitempty"`

	// Service names the failing backend for external-service errors.
	Service string `json:"service,omitempty"`

	// Details carries optional structured context.
	Details map[string]any `json:"details,omitempty"`

	// Retryable marks failures that may succeed on a later attempt.
	Retryable bool `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	case e.Service != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Service, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatusCode maps the error kind to a status code for the outer surface.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation, KindSchemaTranslation:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause records the underlying error for unwrapping.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// ErrValidation creates a validation error naming the offending field.
func ErrValidation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

// ErrNotFound creates a not-found error.
func ErrNotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// ErrConflict creates a conflict error.
func ErrConflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// ErrExternalService creates an external-service error tagged with the
// failing service name.
func ErrExternalService(service, message string) *Error {
	return &Error{Kind: KindExternalService, Service: service, Message: message}
}

// ErrSchemaTranslation creates a translation error naming both versions.
func ErrSchemaTranslation(sourceVersion, targetVersion string) *Error {
	return &Error{
		Kind:    KindSchemaTranslation,
		Message: fmt.Sprintf("no translator available for %s -> %s", sourceVersion, targetVersion),
		Details: map[string]any{
			"source_version": sourceVersion,
			"target_version": targetVersion,
		},
	}
}

// ErrWorkflowExecution creates a workflow execution error.
func ErrWorkflowExecution(message string) *Error {
	return &Error{Kind: KindWorkflowExecution, Message: message}
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}

// KindOf returns the kind of err if it is (or wraps) a *Error, else KindInternal.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// AsError converts any error into a *Error, wrapping foreign errors as internal.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return ErrInternal(err.Error()).WithCause(err)
}
