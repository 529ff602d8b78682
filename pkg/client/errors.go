package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live
	// connection and there is none.
	ErrNotConnected = errors.New("not connected")

	// ErrUnauthenticated is returned when a login attempt is rejected
	// or cannot be made.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when an operation requires admin and the
	// session has none.
	ErrForbidden = errors.New("forbidden")

	// ErrTimeout is returned when the server does not answer a request
	// in time.
	ErrTimeout = errors.New("request timed out")
)

// RejectError is an explicit negative acknowledgment from the server.
type RejectError struct {
	Reason string
}

func (e RejectError) Error() string {
	return fmt.Sprintf("server rejected request: %s", e.Reason)
}

// AsReject extracts a RejectError from an error chain.
func AsReject(err error) (RejectError, bool) {
	var reject RejectError
	ok := errors.As(err, &reject)
	return reject, ok
}
