package nntp

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceTemporarilyUnavailable is a 400 welcome.
	ErrServiceTemporarilyUnavailable = errors.New("service temporarily unavailable")
	// ErrServicePermanentlyUnavailable is a 502 welcome.
	ErrServicePermanentlyUnavailable = errors.New("service permanently unavailable")
	ErrAuthenticationFailed          = errors.New("authentication failed")
	ErrNoPermission                  = errors.New("no permission")
	ErrConnectionClosed              = errors.New("connection closed by server")
)

// ProtocolError is an unexpected or malformed server response. It is fatal
// for the connection it happened on.
type ProtocolError struct {
	Code int
	Line string
}

func (e *ProtocolError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("malformed response %q", e.Line)
	}
	return fmt.Sprintf("unexpected response code %d (%q)", e.Code, e.Line)
}

// IsFatal reports whether err must close the connection it came from.
func IsFatal(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrNoPermission) ||
		errors.Is(err, ErrServiceTemporarilyUnavailable) ||
		errors.Is(err, ErrServicePermanentlyUnavailable) ||
		errors.Is(err, ErrConnectionClosed)
}
