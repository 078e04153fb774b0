package executor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StepInput is the read-only view of workflow state a StepBody's Run
// receives: the accumulated workflow data, whatever this step persisted
// on a prior invocation, the current retry count, and (when resuming
// after an event) the data the resolving event carried.
type StepInput struct {
	WorkflowInstanceID string
	StepID             string
	WorkflowData        map[string]any
	PersistenceData     map[string]any
	RetryCount          int
	EventData           map[string]any
	CorrelationID       string
}

// StepBody is the unit of work a WorkflowStep executes: a ctx+input-in,
// result-out contract rounded out by a Setup/Cleanup/Compensate lifecycle
// and retry controls (CanRetry/MaxRetries/RetryDelay).
type StepBody interface {
	// Name identifies the step body for logging and metrics.
	Name() string
	// Setup runs once before Run on a step's first (non-retry)
	// invocation; side-effect-free steps can leave it a no-op.
	Setup(ctx context.Context, in StepInput) error
	// Run executes the step's logic, returning the ExecutionResult that
	// drives the scheduler's transition.
	Run(ctx context.Context, in StepInput) (*ExecutionResult, error)
	// Cleanup runs after Run regardless of outcome, for releasing
	// resources Setup acquired.
	Cleanup(ctx context.Context, in StepInput)
	// Compensate runs during reverse traversal to undo this step's
	// effect.
	Compensate(ctx context.Context, in StepInput) error
	// CanRetry reports whether err should be retried at all (beyond the
	// error-class check the scheduler already performs).
	CanRetry(err error) bool
	// MaxRetries overrides the step/definition default when >= 0; -1
	// means "defer to the definition's RetryPolicy".
	MaxRetries() int
	// RetryDelay overrides the step/definition BaseDelay when > 0.
	RetryDelay() time.Duration
}

// BaseStepBody implements every StepBody method as a no-op/default,
// letting concrete step bodies embed it and override only what they
// need.
type BaseStepBody struct {
	StepName string
}

// Methods are value receivers, not pointer receivers: BaseStepBody is
// embedded by value in StepFunc (and other step bodies returned as the
// StepBody interface by value, e.g. builtinsteps), and a pointer
// receiver here would drop out of the embedding struct's method set.
func (b BaseStepBody) Name() string { return b.StepName }

func (b BaseStepBody) Setup(ctx context.Context, in StepInput) error { return nil }

func (b BaseStepBody) Cleanup(ctx context.Context, in StepInput) {}

func (b BaseStepBody) Compensate(ctx context.Context, in StepInput) error { return nil }

func (b BaseStepBody) CanRetry(err error) bool { return true }

func (b BaseStepBody) MaxRetries() int { return -1 }

func (b BaseStepBody) RetryDelay() time.Duration { return 0 }

// StepFunc adapts a plain function to StepBody for stateless steps.
type StepFunc struct {
	BaseStepBody
	Fn func(ctx context.Context, in StepInput) (*ExecutionResult, error)
}

func (f StepFunc) Run(ctx context.Context, in StepInput) (*ExecutionResult, error) {
	return f.Fn(ctx, in)
}

// Registry resolves a WorkflowStep.BodyRef to the StepBody that
// implements it, grounded on definition.Registry's same
// mutex-guarded-map-of-named-things shape.
type Registry struct {
	mu    sync.RWMutex
	named map[string]StepBody
}

// NewRegistry builds an empty step body registry.
func NewRegistry() *Registry {
	return &Registry{named: make(map[string]StepBody)}
}

// Register associates a BodyRef name with its StepBody implementation.
func (r *Registry) Register(ref string, body StepBody) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[ref] = body
}

// Resolve looks up the StepBody for a WorkflowStep's BodyRef.
func (r *Registry) Resolve(ref string) (StepBody, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	body, ok := r.named[ref]
	if !ok {
		return nil, fmt.Errorf("executor: no step body registered for %q", ref)
	}
	return body, nil
}
