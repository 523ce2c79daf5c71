package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingCredential means the remote service cannot be used until an
	// operator supplies or fixes an API key.
	ErrMissingCredential = errors.New("missing or rejected credential")
	// ErrTransient covers non-2xx responses, timeouts and network failures.
	ErrTransient = errors.New("remote model unavailable")
	// ErrMalformedResponse means the call succeeded but returned nothing usable.
	ErrMalformedResponse = errors.New("malformed model response")
)

// Error is returned by every adapter call. Kind is one of the sentinel errors
// above, so callers can branch with errors.Is.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func NewError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is worth retrying. A cancelled caller is
// never retried.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
