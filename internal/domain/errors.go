package domain

import "errors"

// ErrorKind is the surface-facing error taxonomy from the error handling
// design. VALIDATION never reaches the core (it is generated at the HTTP
// edge) so it has no sentinel here.
type ErrorKind string

const (
	KindUnauthenticated  ErrorKind = "UNAUTHENTICATED"
	KindForbidden        ErrorKind = "FORBIDDEN"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindConflict         ErrorKind = "CONFLICT"
	KindQueueUnavailable ErrorKind = "QUEUE_UNAVAILABLE"
	KindStoreUnavailable ErrorKind = "STORE_UNAVAILABLE"
	KindTransportFailure ErrorKind = "TRANSPORT_FAILURE"
	KindInternal         ErrorKind = "INTERNAL"
)

// Error is a core-produced error tagged with a surface kind so the HTTP
// edge can map it to a status code without re-deriving intent.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged core error.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the surface kind from err, defaulting to INTERNAL.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinel errors for common, cheaply-comparable conditions.
var (
	ErrInvalidSender = NewError(KindNotFound, "invalid or inactive sender", nil)
	ErrNoSender      = NewError(KindConflict, "user has no active sender", nil)
	ErrLastSender    = NewError(KindConflict, "cannot delete a user's last sender", nil)
	ErrNotFound      = NewError(KindNotFound, "not found", nil)
	ErrForbidden     = NewError(KindForbidden, "not owned by caller", nil)
)
