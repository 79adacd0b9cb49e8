package pipeline

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrEmptyPipeline        = errors.New("pipeline must contain at least one step")
	ErrMalformedDescription = errors.New("malformed pipeline description")
)

type MalformedDescriptionError struct {
	Detail string
}

func (e *MalformedDescriptionError) Error() string {
	return "malformed pipeline description: " + e.Detail
}

func (e *MalformedDescriptionError) Is(target error) bool {
	return target == ErrMalformedDescription
}

func malformed(format string, args ...any) error {
	return &MalformedDescriptionError{Detail: fmt.Sprintf(format, args...)}
}

// StepError ties a failure to the step that caused it. Index is zero-based.
type StepError struct {
	Index     int
	Operation string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Operation, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ValidationError collects every problem found in a description, in step
// order.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "invalid pipeline: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return e.Problems
}
