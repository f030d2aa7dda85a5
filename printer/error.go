package printer

import (
	"errors"
)

// CodeError is the machine string reported to hosts for every failure
const CodeError = "Error"

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrNoImage          = errors.New("no image to print")
	ErrInvalidPin       = errors.New("invalid drawer pin")
)

// Error is the structured failure handed to the host
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// hostError maps err to an *Error, leaving nil and existing *Error values
// alone
func hostError(err error) error {
	if err == nil {
		return nil
	}
	var herr *Error
	if errors.As(err, &herr) {
		return err
	}
	return &Error{Code: CodeError, Message: err.Error(), Err: err}
}
