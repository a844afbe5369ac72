package saga

import (
	"errors"
	"fmt"
	"time"
)

// ErrSagaNotFound is returned by Store implementations when no instance
// exists for the requested id.
var ErrSagaNotFound = errors.New("saga not found")

// UnknownSagaTypeError indicates execution was requested for a sagaType
// that was never registered. No instance is created in this case.
type UnknownSagaTypeError struct {
	SagaType string
}

func (e UnknownSagaTypeError) Error() string {
	return fmt.Sprintf("unknown saga type: %s", e.SagaType)
}

func NewUnknownSagaTypeError(sagaType string) error {
	return UnknownSagaTypeError{SagaType: sagaType}
}

// InvalidStateError indicates a status transition the saga state machine
// does not permit. It signals a bug in the code driving the instance,
// not a runtime condition worth retrying.
type InvalidStateError struct {
	s string
}

func (e InvalidStateError) Error() string {
	return e.s
}

func NewInvalidStateError(msg string, args ...interface{}) error {
	return InvalidStateError{
		s: fmt.Sprintf(msg, args...),
	}
}

// StepTimeoutError indicates a single step attempt produced no result
// within its timeout.
type StepTimeoutError struct {
	SagaID   string
	StepName string
	Timeout  time.Duration
}

func (e StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s of saga %s timed out after %v", e.StepName, e.SagaID, e.Timeout)
}

func NewStepTimeoutError(sagaID, stepName string, timeout time.Duration) error {
	return StepTimeoutError{
		SagaID:   sagaID,
		StepName: stepName,
		Timeout:  timeout,
	}
}

// StepHandlerError wraps an error returned, or panicked, by a step
// handler during a forward attempt.
type StepHandlerError struct {
	SagaID   string
	StepName string
	Attempt  int
	Cause    error
	terminal bool
}

func (e StepHandlerError) Error() string {
	return fmt.Sprintf("step %s of saga %s failed on attempt %d: %v", e.StepName, e.SagaID, e.Attempt, e.Cause)
}

func (e StepHandlerError) Unwrap() error {
	return e.Cause
}

func NewStepHandlerError(sagaID, stepName string, attempt int, cause error) error {
	return StepHandlerError{
		SagaID:   sagaID,
		StepName: stepName,
		Attempt:  attempt,
		Cause:    cause,
		terminal: IsTerminal(cause),
	}
}

// SagaTimeoutError indicates the saga as a whole exceeded its template
// timeout. It overrides the in-flight step's remaining retry budget.
type SagaTimeoutError struct {
	SagaID  string
	Timeout time.Duration
}

func (e SagaTimeoutError) Error() string {
	return fmt.Sprintf("saga %s timed out after %v", e.SagaID, e.Timeout)
}

func NewSagaTimeoutError(sagaID string, timeout time.Duration) error {
	return SagaTimeoutError{
		SagaID:  sagaID,
		Timeout: timeout,
	}
}

// CompensationError records a compensator failure. It is written to the
// step record and logged, never escalated. The compensation walk
// continues past it to the next older step.
type CompensationError struct {
	SagaID   string
	StepName string
	Cause    error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensation of step %s in saga %s failed: %v", e.StepName, e.SagaID, e.Cause)
}

func (e CompensationError) Unwrap() error {
	return e.Cause
}

func NewCompensationError(sagaID, stepName string, cause error) error {
	return CompensationError{
		SagaID:   sagaID,
		StepName: stepName,
		Cause:    cause,
	}
}

type terminalError struct {
	cause error
}

func (e terminalError) Error() string {
	return e.cause.Error()
}

func (e terminalError) Unwrap() error {
	return e.cause
}

// Terminal marks err so that Retryable reports false for it. Handlers
// return Terminal(err) for business failures where another attempt
// cannot succeed, such as validation or uniqueness violations.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{cause: err}
}

// IsTerminal reports whether err, or anything it wraps, was marked with
// Terminal.
func IsTerminal(err error) bool {
	var te terminalError
	return errors.As(err, &te)
}

// Checks the error returned by a step dispatch.
// Returns true if another attempt at the same step might succeed.
// Returns false if the saga must stop forward progress and compensate.
func Retryable(err error) bool {

	switch e := err.(type) {
	// The attempt produced no result in time. The owning service may
	// simply be slow, a retry can succeed.
	case StepTimeoutError:
		return true

	// Handler failures retry unless the handler marked them terminal.
	case StepHandlerError:
		return !e.terminal

	// The whole saga ran out of time. No step retry can help.
	case SagaTimeoutError:
		return false

	// Impossible transition. This indicates a fatal bug in the code
	// driving the saga, retrying would repeat it.
	case InvalidStateError:
		return false

	// No template exists, there is nothing to retry against.
	case UnknownSagaTypeError:
		return false

	// Unclassified errors are treated as terminal. Dispatch wraps all
	// handler and transport failures, so reaching here means something
	// structural went wrong.
	default:
		return false
	}
}
