package executor

import (
	"context"
	"fmt"
	"time"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/model"
)

// stepTimeout resolves the effective timeout for a step by precedence:
// per-step override, then the definition default, then 0 (unlimited).
func stepTimeout(step model.WorkflowStep, defTimeout time.Duration) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if defTimeout > 0 {
		return defTimeout
	}
	return 0
}

// validateResult rejects a result that sets both SleepFor and
// BranchValues: SPEC_FULL's open-question decision on this ambiguity is
// strict mode, a validation error, rather than silently letting the
// scheduler's branch-wins precedence paper over a step body bug.
func validateResult(result *ExecutionResult, step model.WorkflowStep) error {
	if result != nil && result.SleepFor != nil && result.HasBranches() {
		return werrors.New(model.ErrKindStepExecutionFailed,
			fmt.Sprintf("step %s returned both SleepFor and BranchValues", step.StepID))
	}
	return nil
}

// RunStep executes body.Run under a timeout derived from step/def: with
// no timeout configured it runs directly, otherwise it wraps the call in
// context.WithTimeout and checks ctx.Err() afterward, classifying an
// expiry as ErrKindWorkflowTimeout.
func RunStep(ctx context.Context, body StepBody, in StepInput, step model.WorkflowStep, defTimeout time.Duration) (*ExecutionResult, error) {
	timeout := stepTimeout(step, defTimeout)

	if timeout == 0 {
		result, err := body.Run(ctx, in)
		if err != nil {
			return result, err
		}
		if verr := validateResult(result, step); verr != nil {
			return result, verr
		}
		return result, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := body.Run(timeoutCtx, in)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, werrors.New(model.ErrKindWorkflowTimeout,
			fmt.Sprintf("step %s exceeded timeout of %v", step.StepID, timeout))
	}
	if err != nil {
		return result, err
	}
	if verr := validateResult(result, step); verr != nil {
		return result, verr
	}
	return result, nil
}

// RunWithLifecycle wraps RunStep with a step body's Setup/Run/Cleanup
// sequence: Setup errors short-circuit before Run and Cleanup does not
// fire; once Setup has succeeded, Cleanup fires after Run whatever its
// outcome.
func RunWithLifecycle(ctx context.Context, body StepBody, in StepInput, step model.WorkflowStep, defTimeout time.Duration) (*ExecutionResult, error) {
	if in.RetryCount == 0 {
		if err := body.Setup(ctx, in); err != nil {
			return nil, fmt.Errorf("executor: setup %s: %w", step.StepID, err)
		}
	}
	defer body.Cleanup(ctx, in)
	return RunStep(ctx, body, in, step, defTimeout)
}
