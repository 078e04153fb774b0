package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowhost/wfengine/definition"
	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/executor"
	"github.com/flowhost/wfengine/model"
	"github.com/flowhost/wfengine/store"
)

func runIteration(t *testing.T, ctx context.Context, h *Host, s interface {
	GetInstance(context.Context, string) (*model.WorkflowInstance, error)
}, instanceID string) *model.WorkflowInstance {
	t.Helper()
	w, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if err := h.RunIteration(ctx, w); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	return w
}

func TestRunIterationAdvancesThroughLinearStepsToCompletion(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	stepFn(steps, "first", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Proceed(), nil
	})
	stepFn(steps, "second", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Proceed(), nil
	})
	mustRegister(t, defs, linearDef("order-flow", "first", "second"))

	instanceID, err := h.StartWorkflow(ctx, "order-flow", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Iteration 1: runs "first", creates the successor pointer for "second".
	runIteration(t, ctx, h, s, instanceID)
	second := getPointer(t, s, instanceID, "second")
	if second.Status != model.PointerPending {
		t.Errorf("second pointer status = %s, want Pending", second.Status)
	}
	if second.RetryCount != 0 {
		t.Errorf("successor retry_count = %d, want 0 (I8)", second.RetryCount)
	}

	// Iteration 2: runs "second", nothing left to create.
	runIteration(t, ctx, h, s, instanceID)

	// Iteration 3: rule 1 — nothing runnable, everything final.
	w := runIteration(t, ctx, h, s, instanceID)
	if w.Status != model.InstanceComplete {
		t.Errorf("instance status = %s, want Complete", w.Status)
	}
	if w.CompleteTime == nil {
		t.Error("CompleteTime should be set on completion")
	}
}

func TestRunIterationSleepsThenResumesOnceWakeTimeElapses(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	ran := 0
	stepFn(steps, "only", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		ran++
		if ran == 1 {
			return executor.Sleep(time.Minute, map[string]any{"phase": "A"}), nil
		}
		if in.PersistenceData["phase"] != "A" {
			t.Errorf("resumed step did not see its persisted phase: %v", in.PersistenceData)
		}
		return executor.Proceed(), nil
	})
	mustRegister(t, defs, linearDef("sleeper", "only"))

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.clock = clock.Now

	instanceID, err := h.StartWorkflow(ctx, "sleeper", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Iteration 1: the step sleeps for a minute.
	w := runIteration(t, ctx, h, s, instanceID)
	p := getPointer(t, s, instanceID, "only")
	if p.Status != model.PointerSleeping {
		t.Fatalf("pointer status = %s, want Sleeping", p.Status)
	}
	if w.NextExecution == nil || !w.NextExecution.Equal(*p.SleepUntil) {
		t.Errorf("instance next_execution = %v, want %v (I5)", w.NextExecution, p.SleepUntil)
	}

	// Not due yet: GetRunnable must not surface the instance.
	runnableBefore, err := s.GetRunnable(ctx, clock.Now().Add(30*time.Second), 10)
	if err != nil {
		t.Fatalf("GetRunnable() error = %v", err)
	}
	if len(runnableBefore) != 0 {
		t.Errorf("GetRunnable() before wake time = %v, want empty", runnableBefore)
	}

	// Advance past sleep_until: the pointer is now runnable (I3's Sleeping case).
	clock.Advance(61 * time.Second)
	runnableAfter, err := s.GetRunnable(ctx, clock.Now(), 10)
	if err != nil {
		t.Fatalf("GetRunnable() error = %v", err)
	}
	if len(runnableAfter) != 1 || runnableAfter[0].ID != instanceID {
		t.Fatalf("GetRunnable() after wake time = %v, want [%s]", runnableAfter, instanceID)
	}

	// Iteration 2: resumes "only", which reads back its persisted phase and proceeds.
	runIteration(t, ctx, h, s, instanceID)
	p = getPointer(t, s, instanceID, "only")
	if p.Status != model.PointerComplete {
		t.Errorf("pointer status = %s, want Complete", p.Status)
	}
	if ran != 2 {
		t.Errorf("step ran %d times, want 2 (once to sleep, once to resume)", ran)
	}

	// Iteration 3: rule 1 completes the instance.
	w = runIteration(t, ctx, h, s, instanceID)
	if w.Status != model.InstanceComplete {
		t.Errorf("instance status = %s, want Complete", w.Status)
	}
}

func TestRunIterationRetriesWithGrowingBackoffThenSucceeds(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	attempts := 0
	stepFn(steps, "flaky", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		attempts++
		if attempts <= 2 {
			return nil, werrors.New(model.ErrKindWorkflowTimeout, "transient blip")
		}
		return executor.Proceed(), nil
	})
	mustRegister(t, defs, linearDef("retrier", "flaky"))

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.clock = clock.Now

	instanceID, err := h.StartWorkflow(ctx, "retrier", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	var deltas []time.Duration
	for i := 0; i < 2; i++ {
		before := clock.Now()
		runIteration(t, ctx, h, s, instanceID)
		p := getPointer(t, s, instanceID, "flaky")
		if p.Status != model.PointerSleeping {
			t.Fatalf("attempt %d: pointer status = %s, want Sleeping", i+1, p.Status)
		}
		if p.RetryCount != i+1 {
			t.Errorf("attempt %d: retry_count = %d, want %d", i+1, p.RetryCount, i+1)
		}
		deltas = append(deltas, p.SleepUntil.Sub(before))
		clock.Advance(p.SleepUntil.Sub(clock.Now()) + time.Second)
	}
	if deltas[1] < deltas[0] {
		t.Errorf("retry backoff deltas = %v, want non-decreasing (P7)", deltas)
	}

	// Final attempt succeeds.
	runIteration(t, ctx, h, s, instanceID)
	p := getPointer(t, s, instanceID, "flaky")
	if p.Status != model.PointerComplete {
		t.Errorf("pointer status = %s, want Complete after third attempt", p.Status)
	}
	if attempts != 3 {
		t.Errorf("step invoked %d times, want 3", attempts)
	}
}

func TestRunIterationExhaustedRetryTerminatesOnDefaultErrorBehavior(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	stepFn(steps, "always-fails", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return nil, werrors.New(model.ErrKindWorkflowTimeout, "still broken")
	})
	def := linearDef("doomed", "always-fails")
	def.DefaultErrorBehavior = model.ErrorBehaviorTerminate
	def.DefaultRetryPolicy = model.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	mustRegister(t, defs, def)

	clock := &fakeClock{now: time.Now()}
	h.clock = clock.Now

	instanceID, err := h.StartWorkflow(ctx, "doomed", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Attempt 1: fails, retries (retryCount 0 < MaxRetries 1).
	runIteration(t, ctx, h, s, instanceID)
	p := getPointer(t, s, instanceID, "always-fails")
	if p.Status != model.PointerSleeping {
		t.Fatalf("pointer status = %s, want Sleeping", p.Status)
	}
	clock.Advance(p.SleepUntil.Sub(clock.Now()) + time.Millisecond)

	// Attempt 2: fails again, retryCount 1 is not < MaxRetries 1, so no more
	// retries; error_behavior Terminate fires.
	w := runIteration(t, ctx, h, s, instanceID)
	p = getPointer(t, s, instanceID, "always-fails")
	if p.Status != model.PointerFailed {
		t.Errorf("pointer status = %s, want Failed", p.Status)
	}
	if w.Status != model.InstanceTerminated {
		t.Errorf("instance status = %s, want Terminated", w.Status)
	}

	errs, err := s.GetErrors(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetErrors() error = %v", err)
	}
	if len(errs) != 1 {
		t.Errorf("got %d execution errors, want 1", len(errs))
	}
}

func TestRunIterationWaitsForEventThenResumesOnPublish(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	stepFn(steps, "wait", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		if in.EventData != nil {
			return executor.Outcome(in.EventData["ok"]), nil
		}
		return executor.WaitForEvent("order.paid", "order-1", time.Now()), nil
	})
	stepFn(steps, "after", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Proceed(), nil
	})
	mustRegister(t, defs, linearDef("event-flow", "wait", "after"))

	instanceID, err := h.StartWorkflow(ctx, "event-flow", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Iteration 1: subscribes, pointer parks on WaitingForEvent.
	runIteration(t, ctx, h, s, instanceID)
	p := getPointer(t, s, instanceID, "wait")
	if p.Status != model.PointerWaitingForEvent {
		t.Fatalf("pointer status = %s, want WaitingForEvent", p.Status)
	}

	// Rule 2: nothing runnable, but a non-final pointer exists.
	w := runIteration(t, ctx, h, s, instanceID)
	if w.Status != model.InstanceRunnable {
		t.Errorf("instance status = %s, want Runnable (rule 2 keeps it in flight)", w.Status)
	}

	if _, err := h.PublishEvent(ctx, "order.paid", "order-1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	p = getPointer(t, s, instanceID, "wait")
	if p.Status != model.PointerPending {
		t.Fatalf("pointer status after publish = %s, want Pending", p.Status)
	}

	// Iteration: resumes "wait" with the event payload, advances to "after".
	runIteration(t, ctx, h, s, instanceID)
	after := getPointer(t, s, instanceID, "after")
	if after.Status != model.PointerPending {
		t.Errorf("after pointer status = %s, want Pending", after.Status)
	}
}

func TestRunIterationMergesCompletedBranchesAndAdvancesParent(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	stepFn(steps, "fanout", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		if in.PersistenceData != nil {
			// Branch child: does its unit of work and stops: per §4.4's
			// default case, a non-Proceed result with no sleep/event/branch
			// completes the pointer without spawning its own successor. The
			// parent alone advances to "joined" once every child merges.
			return executor.Persist(in.PersistenceData), nil
		}
		return executor.Branch([]any{"a", "b"}, nil), nil
	})
	stepFn(steps, "joined", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Proceed(), nil
	})
	mustRegister(t, defs, linearDef("fanout-flow", "fanout", "joined"))

	instanceID, err := h.StartWorkflow(ctx, "fanout-flow", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Iteration 1: parent branches into two children. Children carry the
	// same StepID as the parent (a branch child re-runs the same step body
	// with a different branch_value), so the parent must be tracked by id,
	// not by StepID, from here on.
	runIteration(t, ctx, h, s, instanceID)
	parent := getPointer(t, s, instanceID, "fanout")
	if parent.Status != model.PointerWaitingForChildren {
		t.Fatalf("parent status = %s, want WaitingForChildren", parent.Status)
	}
	if len(parent.Children) != 2 {
		t.Fatalf("parent has %d children, want 2", len(parent.Children))
	}
	parentID := parent.ID

	// Iteration 2: both children run (same step id "fanout", re-entrant with
	// branch_value persistence data) and complete, merging the parent and
	// creating the successor "joined" pointer.
	runIteration(t, ctx, h, s, instanceID)
	parent, err = s.GetPointer(ctx, parentID)
	if err != nil {
		t.Fatalf("GetPointer(parent) error = %v", err)
	}
	if parent.Status != model.PointerComplete {
		t.Errorf("parent status after merge = %s, want Complete", parent.Status)
	}
	joined := getPointer(t, s, instanceID, "joined")
	if joined.Status != model.PointerPending {
		t.Errorf("joined pointer status = %s, want Pending", joined.Status)
	}
}

func TestRunIterationRoutesToOutcomeMatchedSuccessor(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	stepFn(steps, "check", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Outcome("rejected"), nil
	})
	stepFn(steps, "approve", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Proceed(), nil
	})
	stepFn(steps, "reject", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Proceed(), nil
	})

	def := linearDef("routing", "check", "approve")
	def.Steps = append(def.Steps, model.WorkflowStep{StepID: "reject", Name: "reject", BodyRef: "reject"})
	def.Steps[0].Outcomes = []model.StepOutcome{
		{Condition: "approved", NextStep: "approve"},
		{Condition: "rejected", NextStep: "reject"},
	}
	mustRegister(t, defs, def)

	instanceID, err := h.StartWorkflow(ctx, "routing", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Iteration 1: "check" returns the "rejected" outcome, which must route
	// to "reject" only — "approve" should never get a pointer.
	runIteration(t, ctx, h, s, instanceID)

	pointers, err := s.GetPointers(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetPointers() error = %v", err)
	}
	var sawReject, sawApprove bool
	for _, p := range pointers {
		switch p.StepID {
		case "reject":
			sawReject = true
		case "approve":
			sawApprove = true
		}
	}
	if !sawReject {
		t.Error("outcome-matched successor \"reject\" was not created")
	}
	if sawApprove {
		t.Error("non-matching outcome successor \"approve\" should not have been created")
	}
}

func TestRunIterationContinueErrorBehaviorLeavesInstanceRunnable(t *testing.T) {
	ctx := context.Background()
	h, s, defs, steps := newTestHost()

	stepFn(steps, "flaky", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return nil, werrors.New(model.ErrKindStepExecutionFailed, "best effort only")
	})
	stepFn(steps, "other", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		return executor.Proceed(), nil
	})

	def := &model.WorkflowDefinition{
		ID:      "best-effort",
		Version: 0,
		Name:    "best-effort",
		Steps: []model.WorkflowStep{
			{StepID: "flaky", Name: "flaky", BodyRef: "flaky", ErrorBehavior: model.ErrorBehaviorContinue},
			{StepID: "other", Name: "other", BodyRef: "other"},
		},
		DefaultErrorBehavior: model.ErrorBehaviorTerminate,
		DefaultRetryPolicy:   model.RetryPolicy{MaxRetries: 0},
	}
	mustRegister(t, defs, def)

	instanceID, err := h.StartWorkflow(ctx, "best-effort", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// "flaky" fails with no retry budget; its step-level ErrorBehavior is
	// Continue, so the instance must stay Runnable rather than following
	// the definition's default Terminate behavior.
	w := runIteration(t, ctx, h, s, instanceID)
	if w.Status != model.InstanceRunnable {
		t.Errorf("instance status = %s, want Runnable (step ErrorBehavior Continue overrides the default)", w.Status)
	}
	p := getPointer(t, s, instanceID, "flaky")
	if p.Status != model.PointerFailed {
		t.Errorf("flaky pointer status = %s, want Failed", p.Status)
	}

	// Rule 1 completes the instance once nothing is runnable and every
	// pointer is final: "flaky" failed without spawning a successor, so
	// the next iteration finds only that final pointer and completes the
	// instance.
	w = runIteration(t, ctx, h, s, instanceID)
	if w.Status != model.InstanceComplete {
		t.Errorf("instance status = %s, want Complete (rule 1: every pointer final)", w.Status)
	}
}

func TestNextExecutionPrefersPendingOverEarliestSleep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	soon := now.Add(time.Minute)
	later := now.Add(time.Hour)

	withPending := []*model.ExecutionPointer{
		{Status: model.PointerSleeping, SleepUntil: &soon},
		{Status: model.PointerPending},
	}
	if got := nextExecution(withPending); got != nil {
		t.Errorf("nextExecution() = %v, want nil when a Pending pointer exists", got)
	}

	onlySleeping := []*model.ExecutionPointer{
		{Status: model.PointerSleeping, SleepUntil: &later},
		{Status: model.PointerSleeping, SleepUntil: &soon},
		{Status: model.PointerComplete},
	}
	got := nextExecution(onlySleeping)
	if got == nil || !got.Equal(soon) {
		t.Errorf("nextExecution() = %v, want the earliest Sleeping sleep_until %v", got, soon)
	}
}

// TestExecuteRunnableBoundsConcurrencyByMaxStepConcurrency exercises
// executeRunnable's semaphore: a branch fans out into far more runnable
// children than MaxStepConcurrency permits running at once, and the step
// body records the peak number of concurrent invocations it observed.
func TestExecuteRunnableBoundsConcurrencyByMaxStepConcurrency(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	defs := definition.New()
	steps := executor.NewRegistry()

	const branchWidth = 8
	const maxStepConcurrency = 2

	var current, peak int64
	stepFn(steps, "fanout", func(ctx context.Context, in executor.StepInput) (*executor.ExecutionResult, error) {
		if _, isChild := in.PersistenceData["branch_value"]; !isChild {
			values := make([]any, branchWidth)
			for i := range values {
				values[i] = i
			}
			return executor.Branch(values, nil), nil
		}

		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return executor.Proceed(), nil
	})
	mustRegister(t, defs, linearDef("fanout-bound", "fanout"))

	cfg := DefaultConfig()
	cfg.MaxStepConcurrency = maxStepConcurrency
	h := NewHost(s, defs, steps, cfg, WithMetricsRegistry(NewMetrics(prometheus.NewRegistry())))

	instanceID, err := h.StartWorkflow(ctx, "fanout-bound", 0, nil)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	runIteration(t, ctx, h, s, instanceID) // runs "fanout" once, branches into branchWidth children
	runIteration(t, ctx, h, s, instanceID) // runs every child, bounded by the semaphore

	if got := atomic.LoadInt64(&peak); got > maxStepConcurrency {
		t.Errorf("observed peak concurrent step invocations = %d, want <= %d", got, maxStepConcurrency)
	}
	if got := atomic.LoadInt64(&peak); got < 2 {
		t.Errorf("observed peak concurrent step invocations = %d, want at least 2 to show the bound is exercised (not just serialized by accident)", got)
	}
}
