package errutil

import "net/http"

// Kind classifies an error for callers: the scheduler and worker branch on
// it (retry vs. fail) and the HTTP layer maps it to a status code.
type Kind string

const (
	// KindTransient covers network timeouts, rate limits and temporary
	// upstream failures. Safe to retry with backoff.
	KindTransient Kind = "transient"
	// KindValidation covers malformed input caught at create/update time.
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	// KindExecution covers on-chain execution failures (revert,
	// insufficient funds). Recorded in history, retried by the queue.
	KindExecution Kind = "execution"
	// KindUnrecoverable covers errors that require user intervention,
	// e.g. an unknown condition type on a stored task.
	KindUnrecoverable Kind = "unrecoverable"
	KindInternal      Kind = "internal"
	KindUnauthorized  Kind = "unauthorized"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindExecution, KindUnrecoverable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
