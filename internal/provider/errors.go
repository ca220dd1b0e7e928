package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("upstream transport failure")

	// ErrMissingID means the upstream closed before sending the message
	// identifier the ask needs as its continuation token.
	ErrMissingID = errors.New("upstream sent no message id")

	// ErrInvalidState means the caller's continuation token could not be
	// decoded by the adapter that owns it.
	ErrInvalidState = errors.New("invalid continuation state")
)

// TransportError reports a failed connection, TLS handshake, request, or
// a non-2xx upstream status. It aborts the whole ask.
type TransportError struct {
	// Provider is the name of the adapter that failed.
	Provider string

	// StatusCode is the upstream HTTP status (0 if no response arrived).
	StatusCode int

	// Message describes the failed step, or carries the start of the
	// upstream error body.
	Message string

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("provider %q transport error", e.Provider)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrTransport) true for any TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// errInvalidJSON is returned by frame decoders for malformed frames. The
// transcoder logs and drops them.
var errInvalidJSON = errors.New("frame is not valid JSON")
