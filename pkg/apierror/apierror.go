// Package apierror defines the error taxonomy shared by the router, the
// transformer pipeline, upstream dispatch, and the HTTP handlers.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a request-path failure.
type Kind string

const (
	KindAuth           Kind = "auth_error"
	KindNotFound       Kind = "not_found"
	KindRateLimited    Kind = "rate_limited"
	KindUpstreamServer Kind = "upstream_server"
	KindUpstreamClient Kind = "upstream_client"
	KindTimeout        Kind = "upstream_timeout"
	KindNetwork        Kind = "network"
	KindTransform      Kind = "transform_error"
	KindCircuitOpen    Kind = "circuit_breaker_open"
	KindConfig         Kind = "config_error"
	KindInvalidRequest Kind = "invalid_request"
	KindUnknown        Kind = "unknown"
)

// Error carries the full taxonomy record: kind, optional HTTP status,
// optional provider and model names, a message, and the original cause.
type Error struct {
	Kind     Kind
	Status   int
	Provider string
	Model    string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s (provider %s): %s", e.Kind, e.Provider, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retriable reports whether upstream dispatch may retry after this error.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstreamServer, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// HTTPStatus returns the client-visible status code for the error.
func (e *Error) HTTPStatus() int {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamServer, KindNetwork:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindInvalidRequest, KindUpstreamClient:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WireType returns the Anthropic-style error type string written to clients.
func (e *Error) WireType() string {
	switch e.Kind {
	case KindAuth:
		return "authentication_error"
	case KindNotFound:
		return "not_found_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindTimeout:
		return "timeout_error"
	case KindTransform:
		return "transform_error"
	case KindCircuitOpen:
		return "overloaded_error"
	case KindConfig, KindInvalidRequest:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// WithProvider annotates the error with provider and model names.
func (e *Error) WithProvider(provider, model string) *Error {
	e.Provider = provider
	e.Model = model
	return e
}

// WithStatus annotates the error with the upstream HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// FromStatus classifies an upstream HTTP status code.
func FromStatus(status int, body string) *Error {
	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindUpstreamServer
	case status >= 400:
		// The provider rejected the forwarded request. The status passes
		// through but the fault sits between proxy and provider, so the
		// wire type stays api_error rather than invalid_request_error.
		kind = KindUpstreamClient
	default:
		kind = KindUnknown
	}
	return &Error{Kind: kind, Status: status, Message: body}
}

// AsError extracts an *Error from err, wrapping unknown errors.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Cause: err}
}
