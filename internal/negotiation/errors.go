package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice         = errors.New("no capture device")
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrUnexpectedSignal = errors.New("unexpected signal")
	ErrRestartFailed    = errors.New("connectivity lost after ice restart")
)

// Error describes a failed negotiation step.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
