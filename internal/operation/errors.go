package operation

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrInvalidParameters    = errors.New("invalid parameters")
)

type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown operation type %q", e.Name)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownOperationType
}

// InvalidParametersError names the offending parameter, the value it was
// given and the range it must fall in.
type InvalidParametersError struct {
	Operation string
	Parameter string
	Value     float64
	Range     string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("%s: parameter %s=%g out of range, must be %s", e.Operation, e.Parameter, e.Value, e.Range)
}

func (e *InvalidParametersError) Is(target error) bool {
	return target == ErrInvalidParameters
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }
func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable marks err as a failure that still produced a usable buffer.
// The caller decides whether to keep going with that buffer.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err, or anything it wraps, was marked with
// Recoverable.
func IsRecoverable(err error) bool {
	var re *recoverableError
	return errors.As(err, &re)
}
