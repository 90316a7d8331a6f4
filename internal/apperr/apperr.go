// Package apperr defines a shared error shape for the identity, workspace,
// sync, and admin services: a stable kind, the operation that produced the
// error, and the underlying cause.
package apperr

import "fmt"

// Kind enumerates the stable error kinds services can produce. Upper
// layers (the HTTP transport) map these to status codes; callers should
// branch on Kind, never on the formatted message.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindForbiddenRole    Kind = "forbidden_role"
	KindForbiddenOwner   Kind = "forbidden_owner"
	KindNotMember        Kind = "not_member"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindIdempotentReplay Kind = "idempotent_replay"
	KindInternal         Kind = "internal"
)

// Error wraps a causal error with a stable kind and the operation that
// produced it.
type Error struct {
	Op    string
	Kind  Kind
	Cause error
}

// New constructs an *Error. Cause may be nil for pure validation failures.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err carries the given kind, unwrapping through
// standard error wrapping along the way.
func Is(err error, kind Kind) bool {
	var appErr *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			appErr = asErr
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return appErr != nil && appErr.Kind == kind
}
