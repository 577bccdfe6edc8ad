// Package syncerr classifies the errors produced by the sync subsystem.
//
// Every error that crosses a package boundary carries a Kind so callers can
// decide between surfacing it (configuration), recording it (transport),
// degrading (persistence) or dropping it (protocol).
package syncerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error.
type Kind string

const (
	// KindConfig covers malformed endpoints and invalid room names. Rejected before any I/O.
	KindConfig Kind = "CONFIG"

	// KindTransport covers refused connections, timeouts and mid-session drops.
	KindTransport Kind = "TRANSPORT"

	// KindPersistence covers an unavailable durable cache or room store.
	KindPersistence Kind = "PERSISTENCE"

	// KindProtocol covers corrupt inbound update bytes.
	KindProtocol Kind = "PROTOCOL"

	// KindConflict covers failures of the room existence check.
	KindConflict Kind = "CONFLICT"

	// KindEnvironment covers missing runtime facilities. Not recoverable.
	KindEnvironment Kind = "ENVIRONMENT"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
