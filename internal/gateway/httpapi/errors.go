package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/jkaninda/credbroker/internal/auth"
	"github.com/jkaninda/credbroker/internal/broker"
	"github.com/jkaninda/credbroker/internal/session"
	"github.com/jkaninda/credbroker/internal/store"
)

// StatusFor maps a broker error to an HTTP status and a client-safe message.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid credential request"
	case errors.Is(err, auth.ErrInvalidIdentity):
		return http.StatusUnauthorized, "invalid identity token"
	case errors.Is(err, auth.ErrInvalidKeyPart):
		return http.StatusBadRequest, "invalid user or service name"
	case errors.Is(err, session.ErrSession):
		return http.StatusServiceUnavailable, "broker has no valid store session"
	case errors.Is(err, store.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "secret store request timed out"
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "secret store unavailable"
	case errors.Is(err, store.ErrStoreMalformedResponse):
		return http.StatusBadGateway, "malformed secret store response"
	case errors.Is(err, store.ErrUnsupportedKind):
		return http.StatusBadRequest, "unsupported lease kind"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request canceled"
	}
	if re, ok := store.IsRejected(err); ok {
		switch re.Status {
		case http.StatusNotFound:
			return http.StatusNotFound, "credential not found"
		case http.StatusForbidden:
			return http.StatusForbidden, "permission denied by secret store"
		case http.StatusBadRequest:
			return http.StatusBadRequest, "secret store rejected the request"
		}
		return http.StatusBadGateway, "secret store rejected the request"
	}
	return http.StatusInternalServerError, "internal error"
}
