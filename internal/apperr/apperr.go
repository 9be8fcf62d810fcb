// Package apperr defines the error taxonomy shared by the exchange, refresh and
// ingestion paths and maps each kind to an HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindUnauthorized        Kind = "Unauthorized"
	KindTokenExchangeFailed Kind = "TokenExchangeFailed"
	KindTokenRefreshFailed  Kind = "TokenRefreshFailed"
	KindIntegrationNotFound Kind = "IntegrationNotFound"
	KindPersistenceFailed   Kind = "PersistenceFailed"
	KindUpstreamFetchFailed Kind = "UpstreamFetchFailed"
	KindInternal            Kind = "Internal"
)

// Sentinels for errors.Is matching by kind
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrTokenExchangeFailed = &Error{Kind: KindTokenExchangeFailed}
	ErrTokenRefreshFailed  = &Error{Kind: KindTokenRefreshFailed}
	ErrIntegrationNotFound = &Error{Kind: KindIntegrationNotFound}
	ErrPersistenceFailed   = &Error{Kind: KindPersistenceFailed}
	ErrUpstreamFetchFailed = &Error{Kind: KindUpstreamFetchFailed}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Error is an application error carrying its kind and an optional upstream detail
type Error struct {
	Kind    Kind
	Message string
	// Details holds the provider error body or other diagnostic text
	Details string
	// Code is the provider error code when one was returned (e.g. invalid_grant)
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping err
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation is shorthand for a ValidationError
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of e carrying details
func (e *Error) WithDetails(details string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCode returns a copy of e carrying a provider error code
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

// KindOf returns the kind of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus maps a kind to its response status
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTokenExchangeFailed, KindTokenRefreshFailed, KindUpstreamFetchFailed:
		return http.StatusBadGateway
	case KindIntegrationNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
