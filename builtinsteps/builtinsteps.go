// Package builtinsteps provides a handful of generic StepBody
// implementations that need no domain-specific logic — a delay, a no-op
// passthrough, and a wait-for-signal step — registered into wfhostd by
// default so example definitions have something to execute without a
// custom build.
package builtinsteps

import (
	"context"
	"fmt"
	"time"

	"github.com/flowhost/wfengine/executor"
)

// Register adds every built-in step body to reg under its well-known
// BodyRef name.
func Register(reg *executor.Registry) {
	reg.Register("builtin.noop", NoOp())
	reg.Register("builtin.delay", Delay(time.Second))
	reg.Register("builtin.wait_for_signal", WaitForSignal("wfengine.signal"))
}

// NoOp immediately proceeds with no side effects, useful as a
// placeholder step while a definition is being authored.
func NoOp() executor.StepBody {
	return executor.StepFunc{
		BaseStepBody: executor.BaseStepBody{StepName: "builtin.noop"},
		Fn: func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
			return executor.Proceed(), nil
		},
	}
}

// Delay sleeps for d before proceeding, for rate-limiting or
// cool-down steps that don't need a real StepBody of their own.
func Delay(d time.Duration) executor.StepBody {
	const sleptKey = "builtin.delay.slept"
	return executor.StepFunc{
		BaseStepBody: executor.BaseStepBody{StepName: "builtin.delay"},
		Fn: func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
			if slept, _ := in.PersistenceData[sleptKey].(bool); slept {
				rest := make(map[string]any, len(in.PersistenceData))
				for k, v := range in.PersistenceData {
					if k != sleptKey {
						rest[k] = v
					}
				}
				return &executor.ExecutionResult{Proceed: true, PersistenceData: rest}, nil
			}
			data := map[string]any{sleptKey: true}
			for k, v := range in.PersistenceData {
				data[k] = v
			}
			return executor.Sleep(d, data), nil
		},
	}
}

// WaitForSignal subscribes to eventName keyed by the instance's
// correlation ID, so an external caller can resume the workflow via
// PublishEvent without the definition author writing a custom StepBody.
func WaitForSignal(eventName string) executor.StepBody {
	return executor.StepFunc{
		BaseStepBody: executor.BaseStepBody{StepName: "builtin.wait_for_signal"},
		Fn: func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
			if len(in.EventData) > 0 {
				return executor.Proceed(), nil
			}
			key := in.CorrelationID
			if key == "" {
				key = in.WorkflowInstanceID
			}
			if eventName == "" {
				return nil, fmt.Errorf("builtinsteps: wait_for_signal requires a non-empty event name")
			}
			return executor.WaitForEvent(eventName, key, time.Now()), nil
		},
	}
}
