// Package apierr gives each row of the error taxonomy its own Kind on a
// single typed Error, so the orchestrator and streaming terminator can
// switch on error kind instead of sniffing status codes out of a generic
// error value.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

// Kind identifies a taxonomy row.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request_error"
	KindUnauthorized        Kind = "authentication_error"
	KindUnknownModel        Kind = "not_found_error"
	KindNoProvider          Kind = "no_provider_error"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamTransport   Kind = "upstream_transport"
	KindUpstreamProtocol    Kind = "upstream_protocol"
	KindUpstreamAuth        Kind = "upstream_auth"
	KindUpstreamRateLimited Kind = "rate_limit_error"
	KindInternal            Kind = "api_error"
)

var statusByKind = map[Kind]int{
	KindInvalidRequest:      http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindUnknownModel:        http.StatusNotFound,
	KindNoProvider:          http.StatusNotFound,
	KindUpstreamTimeout:     http.StatusGatewayTimeout,
	KindUpstreamTransport:   http.StatusBadGateway,
	KindUpstreamProtocol:    http.StatusBadGateway,
	KindUpstreamAuth:        http.StatusBadGateway,
	KindUpstreamRateLimited: http.StatusTooManyRequests,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the common error type every taxonomy row produces.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// HTTPStatus returns the status code this kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}

	return http.StatusInternalServerError
}

// Body renders the Claude-shaped {type:"error", error:{type,message}} body.
// The message is never the raw wrapped error when Kind is an upstream-auth
// or internal kind, since those may carry upstream secrets or stack detail.
func (e *Error) Body() protocol.ErrorBody {
	msg := e.Message
	if e.Kind == KindUpstreamAuth {
		msg = "upstream authentication failed"
	}

	return protocol.NewErrorBody(string(e.Kind), msg)
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// As is a thin wrapper around errors.As for the common case of recovering
// an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)

	return e, ok
}

// Retryable reports whether the error kind may be retried per §7/§4.4:
// timeouts and transport errors always, rate limits once (handled by the
// upstream client honoring Retry-After), nothing else.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamTimeout, KindUpstreamTransport, KindUpstreamRateLimited:
		return true
	default:
		return false
	}
}
