package netspeed

import (
	"fmt"
)

// PreconditionError reports invalid parameters. It is always returned before
// any network I/O takes place.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition violated: %s", e.Op, e.Reason)
}

func preconditionf(op string, format string, args ...interface{}) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// TransportError reports a request that failed or was cancelled for a reason
// other than the phase deadline.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause walk through a TransportError.
func (e *TransportError) Cause() error { return e.Err }

// OrchestrationError is the terminal failure of a measurement run. Its message
// is deliberately uniform; the failing phase and cause stay available to callers.
type OrchestrationError struct {
	Phase Phase
	Err   error
}

func (e *OrchestrationError) Error() string {
	return "measurement failed"
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

func (e *OrchestrationError) Cause() error { return e.Err }
