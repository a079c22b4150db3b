package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ProviderErrorKind classifies provider failures into a small set of
// categories suitable for retry decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing it will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure (5xx,
	// network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. Adapters
// build one from SDK errors so callers get stable, structured information
// regardless of the provider.
type ProviderError struct {
	Provider   string
	Operation  string
	HTTPStatus int
	Kind       ProviderErrorKind
	Code       string
	Message    string
	RequestID  string
	Retryable  bool
	Cause      error
}

// NewProviderError classifies an SDK failure from its HTTP status. status may
// be zero when the failure happened before a response was received, in which
// case the error is considered transient.
func NewProviderError(provider, operation string, status int, code, message string, cause error) *ProviderError {
	kind, retryable := ClassifyHTTPStatus(status)
	if status == 0 && !errors.Is(cause, context.Canceled) {
		kind, retryable = ProviderErrorKindUnavailable, true
	}
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		HTTPStatus: status,
		Kind:       kind,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// ClassifyHTTPStatus maps an HTTP status code to an error kind and whether a
// retry may succeed.
func ClassifyHTTPStatus(status int) (ProviderErrorKind, bool) {
	switch {
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return ProviderErrorKindInvalidRequest, false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth, false
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited, true
	case status == http.StatusRequestTimeout:
		return ProviderErrorKindUnavailable, true
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		return ProviderErrorKindUnavailable, true
	}
	return ProviderErrorKindUnknown, false
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.HTTPStatus > 0 {
		status = fmt.Sprintf("%d ", e.HTTPStatus)
	}
	code := ""
	if e.Code != "" {
		code = e.Code + ": "
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.Provider, e.Kind, status, op, code+msg)
}

// Unwrap returns the underlying SDK error.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Is reports rate limited provider errors as ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether retrying the same request may succeed. Rate
// limits and transient provider failures are retryable; refusals, empty
// responses, invalid requests and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrRefused) || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	return false
}
