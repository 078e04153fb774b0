package scheduler

import (
	"context"
	"testing"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/executor"
	"github.com/flowhost/wfengine/model"
)

// compensatingStep is a StepBody whose Compensate call is observable,
// since StepFunc has no hook for overriding Compensate.
type compensatingStep struct {
	executor.BaseStepBody
	ran         func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error)
	compensated *int
	failCompensate bool
}

func (s compensatingStep) Run(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
	return s.ran(ctx, in)
}

func (s compensatingStep) Compensate(ctx context.Context, in executor.StepInput) error {
	if s.failCompensate {
		return werrors.New(model.ErrKindCompensationFailed, "refund declined")
	}
	*s.compensated++
	return nil
}

func TestRunCompensationUndoesCompletedAncestor(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	compensated := 0
	steps.Register("charge", compensatingStep{
		BaseStepBody: executor.BaseStepBody{StepName: "charge"},
		ran: func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
			return executor.Proceed(), nil
		},
		compensated: &compensated,
	})
	stepFn(steps, "ship", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return nil, werrors.New(model.ErrKindStepExecutionFailed, "carrier rejected the package")
	})

	def := linearDef("order-saga", "charge", "ship")
	def.Steps[0].CompensationStepID = "charge" // marks "charge" as having undo logic
	def.Steps[1].ErrorBehavior = model.ErrorBehaviorCompensate
	def.DefaultRetryPolicy = model.RetryPolicy{MaxRetries: 0}
	mustRegister(t, defs, def)

	instanceID, err := h.StartWorkflow(ctx, "order-saga", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Iteration 1: "charge" completes, "ship" becomes pending.
	runIteration(t, ctx, h, s, instanceID)
	// Iteration 2: "ship" fails, exhausts its retry budget, and triggers
	// compensation of its completed ancestor "charge".
	w := runIteration(t, ctx, h, s, instanceID)

	if compensated != 1 {
		t.Errorf("compensated calls = %d, want 1", compensated)
	}
	if w.Status != model.InstanceTerminated {
		t.Errorf("instance status = %s, want Terminated after compensation completes", w.Status)
	}

	charge := getPointer(t, s, instanceID, "charge")
	if charge.Status != model.PointerCompensated {
		t.Errorf("charge pointer status = %s, want Compensated", charge.Status)
	}

	history, err := s.GetHistory(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	var sawCompensated bool
	for _, hi := range history {
		if hi.Kind == model.HistoryStepCompensated {
			sawCompensated = true
		}
	}
	if !sawCompensated {
		t.Error("history should record a StepCompensated entry")
	}
}

func TestRunCompensationTerminatesOnCompensateFailure(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	compensated := 0
	steps.Register("charge", compensatingStep{
		BaseStepBody: executor.BaseStepBody{StepName: "charge"},
		ran: func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
			return executor.Proceed(), nil
		},
		compensated:    &compensated,
		failCompensate: true,
	})
	stepFn(steps, "ship", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return nil, werrors.New(model.ErrKindStepExecutionFailed, "carrier rejected the package")
	})

	def := linearDef("broken-saga", "charge", "ship")
	def.Steps[0].CompensationStepID = "charge"
	def.Steps[1].ErrorBehavior = model.ErrorBehaviorCompensate
	def.DefaultRetryPolicy = model.RetryPolicy{MaxRetries: 0}
	mustRegister(t, defs, def)

	instanceID, err := h.StartWorkflow(ctx, "broken-saga", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	runIteration(t, ctx, h, s, instanceID)
	w := runIteration(t, ctx, h, s, instanceID)

	if compensated != 0 {
		t.Errorf("compensated calls = %d, want 0 (Compensate itself failed)", compensated)
	}
	if w.Status != model.InstanceTerminated {
		t.Errorf("instance status = %s, want Terminated when compensation fails", w.Status)
	}

	errs, err := s.GetErrors(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetErrors() error = %v", err)
	}
	var sawCompensationFailed bool
	for _, e := range errs {
		if e.Kind == model.ErrKindCompensationFailed {
			sawCompensationFailed = true
		}
	}
	if !sawCompensationFailed {
		t.Error("expected a CompensationFailed execution error")
	}
}

func TestRunCompensationTerminatesWhenAncestorMissing(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	stepFn(steps, "only", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return nil, werrors.New(model.ErrKindStepExecutionFailed, "boom")
	})
	def := linearDef("rootless-saga", "only")
	def.Steps[0].ErrorBehavior = model.ErrorBehaviorCompensate
	def.DefaultRetryPolicy = model.RetryPolicy{MaxRetries: 0}
	mustRegister(t, defs, def)

	instanceID, err := h.StartWorkflow(ctx, "rootless-saga", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Point "only" at a predecessor id that was never persisted, simulating
	// a corrupted chain: runCompensation's GetPointer on it fails, and that
	// is itself treated as grounds to terminate the instance.
	p := getPointer(t, s, instanceID, "only")
	p.PredecessorID = "predecessor-that-does-not-exist"
	if err := s.UpdatePointer(ctx, p); err != nil {
		t.Fatalf("UpdatePointer() error = %v", err)
	}

	w := runIteration(t, ctx, h, s, instanceID)

	p = getPointer(t, s, instanceID, "only")
	if p.Status != model.PointerFailed {
		t.Errorf("pointer status = %s, want Failed", p.Status)
	}
	if w.Status != model.InstanceTerminated {
		t.Errorf("instance status = %s, want Terminated when an ancestor lookup fails", w.Status)
	}
}
