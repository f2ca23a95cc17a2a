package store

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStoreUnavailable covers transport failures and a store that cannot serve (sealed, overloaded).
	ErrStoreUnavailable = errors.New("secret store unavailable")
	// ErrStoreMalformedResponse means the store answered with something outside its contract.
	ErrStoreMalformedResponse = errors.New("malformed secret store response")
	// ErrNotRenewable is returned by RenewSelf for sessions the store will not extend.
	ErrNotRenewable = errors.New("session is not renewable")
	// ErrTimeout means the request exceeded the caller's deadline.
	ErrTimeout = errors.New("secret store request timed out")
	// ErrUnsupportedKind is returned when an operation cannot serve the requested lease kind.
	ErrUnsupportedKind = errors.New("unsupported lease kind")
)

// RejectedError is a definitive error answer from the store, such as
// not found or permission denied. It is not retried automatically.
type RejectedError struct {
	Status  int
	Message string
	Path    string
}

func (e *RejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Path != "" {
		return fmt.Sprintf("secret store rejected %s (%d): %s", e.Path, e.Status, msg)
	}
	return fmt.Sprintf("secret store rejected request (%d): %s", e.Status, msg)
}

// NotFound reports a 404-class rejection: the secret or role is not provisioned.
func (e *RejectedError) NotFound() bool { return e.Status == http.StatusNotFound }

// IsRejected reports whether err carries a RejectedError and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsNotFound reports whether err is a 404 rejection. Callers should treat it
// as "credential not provisioned for this identity".
func IsNotFound(err error) bool {
	rej, ok := IsRejected(err)
	return ok && rej.NotFound()
}

// IsForbidden reports whether err is a 403 rejection.
func IsForbidden(err error) bool {
	rej, ok := IsRejected(err)
	return ok && rej.Status == http.StatusForbidden
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrTimeout)
}

func malformed(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrStoreMalformedResponse, path, fmt.Sprintf(format, args...))
}
