package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowhost/wfengine/definition"
	"github.com/flowhost/wfengine/executor"
	"github.com/flowhost/wfengine/model"
	"github.com/flowhost/wfengine/store"
)

// newTestHost wires a Host over a fresh MemStore/definition Registry/step
// Registry, with a private Prometheus registry so repeated test functions
// in this package don't collide on promauto's default registerer.
func newTestHost(opts ...HostOption) (*Host, store.Store, *definition.Registry, *executor.Registry) {
	s := store.NewMemStore()
	defs := definition.New()
	steps := executor.NewRegistry()
	allOpts := append([]HostOption{WithMetricsRegistry(NewMetrics(prometheus.NewRegistry()))}, opts...)
	h := NewHost(s, defs, steps, DefaultConfig(), allOpts...)
	return h, s, defs, steps
}

// fakeClock is a settable clock for deterministic sleep/retry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// stepFn registers a one-off StepFunc body under ref.
func stepFn(steps *executor.Registry, ref string, fn func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error)) {
	steps.Register(ref, executor.StepFunc{
		BaseStepBody: executor.BaseStepBody{StepName: ref},
		Fn:           fn,
	})
}

// linearDef builds a definition with one step per body ref, in order,
// each step's id and name equal to its ref, no outcomes (falls through to
// the next step by position, per §4.6 rule 3.d).
func linearDef(id string, bodyRefs ...string) *model.WorkflowDefinition {
	steps := make([]model.WorkflowStep, len(bodyRefs))
	for i, ref := range bodyRefs {
		steps[i] = model.WorkflowStep{
			StepID:  ref,
			Name:    ref,
			BodyRef: ref,
		}
	}
	return &model.WorkflowDefinition{
		ID:                   id,
		Version:              1,
		Name:                 id,
		Steps:                steps,
		DefaultErrorBehavior: model.ErrorBehaviorSuspend,
		DefaultRetryPolicy:   model.DefaultRetryPolicy(),
	}
}

func mustRegister(t *testing.T, defs *definition.Registry, def *model.WorkflowDefinition) {
	t.Helper()
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register(%s) error = %v", def.ID, err)
	}
}

// getPointer returns the first pointer for stepID in instanceID. Branch
// children share their parent's StepID (see applyBranch), so once a branch
// has fanned out, a step id no longer names a unique pointer: look the
// parent up by its captured ID (store.Store.GetPointer) instead of calling
// this again.
func getPointer(t *testing.T, s store.Store, instanceID, stepID string) *model.ExecutionPointer {
	t.Helper()
	pointers, err := s.GetPointers(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("GetPointers() error = %v", err)
	}
	for _, p := range pointers {
		if p.StepID == stepID {
			return p
		}
	}
	t.Fatalf("no pointer for step %s in instance %s", stepID, instanceID)
	return nil
}
