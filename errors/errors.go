// Package errors implements the engine's error taxonomy: a fixed set of
// error kinds, each classified into one of four recovery classes, plus
// the WorkflowError type the rest of the engine returns instead of raw
// stdlib errors. A Class method lets the scheduler dispatch retry
// decisions on class rather than on a free-form code.
package errors

import (
	"errors"
	"fmt"

	"github.com/flowhost/wfengine/model"
)

// Class is the recovery class a Kind belongs to.
type Class string

const (
	ClassTransient Class = "Transient"
	ClassRetryable Class = "Retryable"
	ClassPermanent Class = "Permanent"
	ClassFatal     Class = "Fatal"
)

// classOf is the classification table of §4.4/§7.
var classOf = map[model.ErrorKind]Class{
	model.ErrKindPersistenceError:          ClassTransient,
	model.ErrKindWorkflowTimeout:           ClassRetryable,
	model.ErrKindEventSubscriptionFailed:   ClassRetryable,
	model.ErrKindInvalidWorkflowDefinition: ClassPermanent,
	model.ErrKindWorkflowDefinitionNotFound: ClassPermanent,
	model.ErrKindInvalidWorkflowState:      ClassPermanent,
	model.ErrKindNotFoundError:             ClassPermanent,
	model.ErrKindValidationError:           ClassPermanent,
	model.ErrKindWorkflowInstanceNotFound:  ClassPermanent,
	model.ErrKindStepNotFound:              ClassPermanent,
	model.ErrKindAuthenticationError:       ClassFatal,
	model.ErrKindAuthorizationError:        ClassFatal,
	model.ErrKindConfigurationError:        ClassFatal,
	model.ErrKindStepExecutionFailed:       ClassPermanent, // unless the step body opts into retry
	model.ErrKindExecutionError:            ClassPermanent,
	model.ErrKindSerializationError:        ClassPermanent,
	model.ErrKindCompensationFailed:        ClassPermanent,
	model.ErrKindGrpcServiceError:          ClassRetryable,
	model.ErrKindInternalError:             ClassPermanent,
}

// ClassOf returns the recovery class for kind, defaulting to Permanent for
// an unrecognized kind rather than silently retrying unknown failures.
func ClassOf(kind model.ErrorKind) Class {
	if c, ok := classOf[kind]; ok {
		return c
	}
	return ClassPermanent
}

// WorkflowError is the error type every engine component returns.
type WorkflowError struct {
	Kind    model.ErrorKind
	Message string
	Details map[string]any
	Cause   error
}

func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

// Class returns the recovery class for e.Kind.
func (e *WorkflowError) Class() Class { return ClassOf(e.Kind) }

// New builds a WorkflowError with no details or cause.
func New(kind model.ErrorKind, message string) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message}
}

// Wrap builds a WorkflowError carrying cause as its unwrap target.
func Wrap(kind model.ErrorKind, message string, cause error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, Cause: cause}
}

// NotFound is a convenience constructor for the common NotFoundError kind.
func NotFound(message string) *WorkflowError {
	return New(model.ErrKindNotFoundError, message)
}

// IsKind reports whether err is (or wraps) a *WorkflowError with the given
// kind.
func IsKind(err error, kind model.ErrorKind) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind == kind
	}
	return false
}

// IsRetryableClass reports whether err's class permits a local retry
// (§4.4: only Transient and Retryable retry).
func IsRetryableClass(err error) bool {
	var we *WorkflowError
	if !errors.As(err, &we) {
		return false
	}
	c := we.Class()
	return c == ClassTransient || c == ClassRetryable
}

// ErrBackpressure is a sentinel for a scheduler that cannot accept more
// leased instances this tick. No code in this module returns it: tick
// skips lease discovery when its budget is used up.
var ErrBackpressure = errors.New("wfengine: scheduler backpressure")

// ErrMaxStepsExceeded is a sentinel for an instance iteration that
// exceeds a safety bound on steps processed in one pass. No code in this
// module returns it, and the scheduler applies no such bound.
var ErrMaxStepsExceeded = errors.New("wfengine: max steps exceeded in one iteration")
