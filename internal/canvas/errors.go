package canvas

import (
	"errors"
	"net/http"
)

// Rejections and failures a submitter can see. Wrap them with context
// (fmt.Errorf("...: %w", ErrX)) and test with errors.Is.
var (
	ErrOutOfBounds        = errors.New("coordinates out of bounds")
	ErrInvalidEdit        = errors.New("invalid edit")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrRateLimited        = errors.New("rate limited")
	ErrPersistenceFailure = errors.New("edit could not be persisted")
	ErrSessionOverflow    = errors.New("session outbound queue overflow")

	// ErrSequenceConflict means Apply was handed an edit pre-sequenced for a
	// different slot than the next one. It indicates a bug in the single writer.
	ErrSequenceConflict = errors.New("sequence conflict")
)

// ErrorCode maps an error to the code used on the wire
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrOutOfBounds):
		return "OutOfBounds"
	case errors.Is(err, ErrInvalidEdit):
		return "InvalidEdit"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrPersistenceFailure):
		return "PersistenceFailure"
	case errors.Is(err, ErrSessionOverflow):
		return "SessionOverflow"
	default:
		return "InternalError"
	}
}

// HTTPStatus maps an error to the HTTP status used by the REST surface
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrOutOfBounds), errors.Is(err, ErrInvalidEdit):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
