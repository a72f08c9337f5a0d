// Package apierror maps internal errors to the JSON error envelope
// returned on the HTTP surface.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/signloop/signloop/pkg/gateway/live/engine"
	"github.com/signloop/signloop/pkg/gateway/live/protocol"
)

type Type string

const (
	ErrInvalidRequest Type = "invalid_request_error"
	ErrAuthentication Type = "authentication_error"
	ErrPermission     Type = "permission_error"
	ErrNotFound       Type = "not_found_error"
	ErrRateLimit      Type = "rate_limit_error"
	ErrOverloaded     Type = "overloaded_error"
	ErrUpstream       Type = "upstream_error"
	ErrAPI            Type = "api_error"
)

type Error struct {
	Type       Type   `json:"type"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Param      string `json:"param,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError converts err to a canonical API error plus HTTP status.
// Unknown errors collapse to an opaque internal error so upstream
// details never leak to clients.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      ErrInvalidRequest,
			Message:   decodeErr.Message,
			Code:      decodeErr.Code,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	if errors.Is(err, engine.ErrClosed) {
		return &Error{
			Type:      ErrUpstream,
			Message:   "landmark engine unavailable",
			Code:      "engine_closed",
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t Type) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrOverloaded:
		return 529
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
