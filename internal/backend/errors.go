package backend

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError reports a failure to obtain a well-formed backend response:
// the request could not be sent, the status was not 2xx, or the body could
// not be decoded.
type TransportError struct {
	// Op is the backend operation ("query", "chunks", "health", "feed").
	Op string

	// Status is the HTTP status code, zero when no response was received.
	Status int

	// Body is an excerpt of the response body, if any.
	Body string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	var parts []string
	parts = append(parts, "backend "+e.Op+":")
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("HTTP error! status: %d", e.Status))
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		parts = append(parts, body)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// DefaultQueryErrorMessage is used when the backend reports a failure
// without saying why.
const DefaultQueryErrorMessage = "Unknown error occurred"

// QueryError is a well-formed failure response from the backend.
type QueryError struct {
	Message string
}

// NewQueryError builds a QueryError, substituting the default message for
// an empty one.
func NewQueryError(message string) *QueryError {
	if strings.TrimSpace(message) == "" {
		message = DefaultQueryErrorMessage
	}
	return &QueryError{Message: message}
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return e.Message
}

// IsTransportError reports whether err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsQueryError reports whether err is or wraps a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}
