package query

import (
	"errors"

	"github.com/haasonsaas/docchat/internal/backend"
)

var (
	// ErrNoDocument is returned when Ask is called before a document is loaded.
	ErrNoDocument = errors.New("query: no document loaded")

	// ErrEmptyQuery is returned for blank questions.
	ErrEmptyQuery = errors.New("query: empty query")

	// ErrStreamInProgress is returned while another answer is streaming.
	ErrStreamInProgress = errors.New("query: another answer is still streaming")

	// ErrIncompleteStream is returned when the response ends without a
	// terminal event.
	ErrIncompleteStream = errors.New("query: response ended before completion")

	// ErrSuperseded is returned when the document changed while the answer
	// was streaming. Nothing further is applied to the session.
	ErrSuperseded = errors.New("query: document changed while answering")
)

// IsFailure reports whether err is a backend failure the user can retry:
// a logical failure, a transport failure or an incomplete response.
func IsFailure(err error) bool {
	return backend.IsQueryError(err) || backend.IsTransportError(err) || errors.Is(err, ErrIncompleteStream)
}

// outcome labels a finished query for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case backend.IsQueryError(err):
		return "failed"
	case backend.IsTransportError(err):
		return "transport_error"
	case errors.Is(err, ErrIncompleteStream):
		return "incomplete"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	default:
		return "canceled"
	}
}
