package errors

import (
	stderrors "errors"
	"testing"

	"github.com/flowhost/wfengine/model"
)

func TestClassOfKnownKinds(t *testing.T) {
	tests := []struct {
		kind model.ErrorKind
		want Class
	}{
		{model.ErrKindPersistenceError, ClassTransient},
		{model.ErrKindWorkflowTimeout, ClassRetryable},
		{model.ErrKindInvalidWorkflowDefinition, ClassPermanent},
		{model.ErrKindAuthenticationError, ClassFatal},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.kind); got != tt.want {
			t.Errorf("ClassOf(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestClassOfUnknownKindDefaultsToPermanent(t *testing.T) {
	if got := ClassOf(model.ErrorKind("made_up_kind")); got != ClassPermanent {
		t.Errorf("ClassOf(unknown) = %s, want %s", got, ClassPermanent)
	}
}

func TestWorkflowErrorMessageWithAndWithoutCause(t *testing.T) {
	plain := New(model.ErrKindValidationError, "bad input")
	if plain.Error() != "ValidationError: bad input" {
		t.Errorf("Error() = %q", plain.Error())
	}

	cause := stderrors.New("connection refused")
	wrapped := Wrap(model.ErrKindPersistenceError, "write failed", cause)
	if wrapped.Unwrap() != cause {
		t.Error("Unwrap() did not return the wrapped cause")
	}
	if !stderrors.Is(wrapped, cause) {
		t.Error("errors.Is should see through Unwrap to cause")
	}
}

func TestWorkflowErrorClass(t *testing.T) {
	err := New(model.ErrKindWorkflowTimeout, "timed out")
	if err.Class() != ClassRetryable {
		t.Errorf("Class() = %s, want %s", err.Class(), ClassRetryable)
	}
}

func TestIsKind(t *testing.T) {
	err := New(model.ErrKindNotFoundError, "instance missing")
	if !IsKind(err, model.ErrKindNotFoundError) {
		t.Error("IsKind should match the exact kind")
	}
	if IsKind(err, model.ErrKindValidationError) {
		t.Error("IsKind should not match a different kind")
	}
	if IsKind(stderrors.New("plain"), model.ErrKindNotFoundError) {
		t.Error("IsKind should be false for a non-WorkflowError")
	}
}

func TestIsRetryableClass(t *testing.T) {
	retryable := New(model.ErrKindEventSubscriptionFailed, "bus unavailable")
	if !IsRetryableClass(retryable) {
		t.Error("Retryable-class WorkflowError should be retryable")
	}

	permanent := New(model.ErrKindValidationError, "bad input")
	if IsRetryableClass(permanent) {
		t.Error("Permanent-class WorkflowError should not be retryable")
	}

	if IsRetryableClass(stderrors.New("plain")) {
		t.Error("a non-WorkflowError should not be retryable")
	}
}

func TestNotFoundConvenienceConstructor(t *testing.T) {
	err := NotFound("workflow definition x not found")
	if err.Kind != model.ErrKindNotFoundError {
		t.Errorf("Kind = %s, want %s", err.Kind, model.ErrKindNotFoundError)
	}
}
