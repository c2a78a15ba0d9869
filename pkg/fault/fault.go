// Package fault defines the error taxonomy shared by the control core.
//
// Every controller returns errors that unwrap to exactly one of the kinds
// below, so callers can branch on the category with errors.Is while still
// matching the precise package sentinel.
package fault

import "errors"

// Error kinds.
var (
	ErrNotInitialized   = errors.New("not initialized")
	ErrCheckFailed      = errors.New("safety check failed")
	ErrHardwareFailure  = errors.New("hardware failure")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrAlreadyKilled    = errors.New("kill switch already engaged")
	ErrTimeout          = errors.New("timeout")
)

var kinds = []error{
	ErrNotInitialized,
	ErrCheckFailed,
	ErrHardwareFailure,
	ErrInvalidParameter,
	ErrAlreadyKilled,
	ErrTimeout,
}

// Error is a package-level sentinel tagged with its taxonomy kind.
type Error struct {
	kind error
	msg  string
}

// New returns a sentinel error of the given kind.
func New(kind error, msg string) error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Unwrap returns the taxonomy kind.
func (e *Error) Unwrap() error {
	return e.kind
}

// Kind returns the taxonomy kind found in err's chain, or nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
