package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/executor"
	"github.com/flowhost/wfengine/model"
)

// mutation accumulates everything one instance iteration writes, so it
// can be applied inside a single transaction per §4.5 step 3 ("All
// pointer/instance/history/subscription writes produced by the iteration
// commit in one transaction").
type mutation struct {
	instance         *model.WorkflowInstance
	updatedPointers  []*model.ExecutionPointer
	newPointers      []*model.ExecutionPointer
	history          []*model.ExecutionHistoryEntry
	errs             []*model.ExecutionError
	subscriptions    []*model.EventSubscription
	removedSubs      []string
}

// RunIteration implements §4.6's transition rule for one leased instance.
// The caller (loop.go) holds the instance's lease for the duration of
// this call and commits or discards the resulting mutation.
func (h *Host) RunIteration(ctx context.Context, w *model.WorkflowInstance) error {
	now := h.clock()

	def, err := h.defs.Get(w.DefinitionID, w.Version)
	if err != nil {
		return err
	}

	pointers, err := h.store.GetPointers(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("scheduler: load pointers for %s: %w", w.ID, err)
	}

	pointerByID := make(map[string]*model.ExecutionPointer, len(pointers))
	for _, p := range pointers {
		pointerByID[p.ID] = p
	}

	var runnable []*model.ExecutionPointer
	allFinal := true
	for _, p := range pointers {
		if p.IsRunnable(now) {
			runnable = append(runnable, p)
		}
		if !p.Status.IsFinal() {
			allFinal = false
		}
	}

	m := &mutation{instance: w}

	// Rule 1: nothing runnable, everything final ⇒ instance completes.
	if len(runnable) == 0 && allFinal {
		w.Status = model.InstanceComplete
		w.CompleteTime = &now
		w.NextExecution = nil
		m.history = append(m.history, &model.ExecutionHistoryEntry{
			ID:                 uuid.NewString(),
			WorkflowInstanceID: w.ID,
			Kind:               model.HistoryWorkflowCompleted,
			EventTime:          now,
			Message:            "workflow instance completed",
		})
		return h.commit(ctx, m)
	}

	// Rule 2: nothing runnable, but some pointer still in flight ⇒ just
	// recompute next_execution (I5) and return.
	if len(runnable) == 0 {
		w.NextExecution = nextExecution(pointers)
		return h.commit(ctx, m)
	}

	// Rule 3: execute every runnable pointer, bounded by
	// max_step_concurrency, and fold each outcome into the mutation.
	if err := h.executeRunnable(ctx, w, def, runnable, now, m); err != nil {
		return err
	}

	// Rule 4: a just-completed child may let its parent merge.
	h.mergeCompletedBranches(def, pointerByID, m, now)

	// Rule 5.
	w.NextExecution = nextExecution(allPointersAfter(pointers, m))

	h.metrics.IncIteration()
	return h.commit(ctx, m)
}

// executeRunnable runs one step invocation per pointer in runnable,
// bounded by h.cfg.MaxStepConcurrency, and applies §4.4's interpretation
// precedence to each result.
func (h *Host) executeRunnable(ctx context.Context, w *model.WorkflowInstance, def *model.WorkflowDefinition, runnable []*model.ExecutionPointer, now time.Time, m *mutation) error {
	sem := semaphore.NewWeighted(int64(maxInt(h.cfg.MaxStepConcurrency, 1)))
	type outcome struct {
		pointer *model.ExecutionPointer
		step    model.WorkflowStep
		result  *executor.ExecutionResult
		err     error
	}
	outcomes := make([]outcome, len(runnable))

	errs := make(chan error, len(runnable))
	done := make(chan int, len(runnable))
	for i, p := range runnable {
		i, p := i, p
		step, ok := def.StepByID(p.StepID)
		if !ok {
			errs <- werrors.New(model.ErrKindStepNotFound, fmt.Sprintf("step %s not found in definition %s", p.StepID, def.ID))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			errs <- err
			continue
		}
		go func() {
			defer sem.Release(1)
			result, runErr := h.invokeStep(ctx, w, def, step, p)
			outcomes[i] = outcome{pointer: p, step: step, result: result, err: runErr}
			done <- i
		}()
	}
	for range runnable {
		select {
		case err := <-errs:
			return err
		case <-done:
		}
	}

	for _, o := range outcomes {
		if o.pointer == nil {
			continue
		}
		h.applyOutcome(def, o.pointer, o.step, o.result, o.err, now, m)
	}
	return nil
}

// invokeStep invokes the step body under its lifecycle/timeout wrapper
// (§4.6 rule 3.a-c), using def's workflow-level timeout as the fallback
// when the step declares none of its own.
func (h *Host) invokeStep(ctx context.Context, w *model.WorkflowInstance, def *model.WorkflowDefinition, step model.WorkflowStep, p *model.ExecutionPointer) (*executor.ExecutionResult, error) {
	body, err := h.steps.Resolve(step.BodyRef)
	if err != nil {
		return nil, werrors.Wrap(model.ErrKindStepNotFound, fmt.Sprintf("resolve step body for %s", step.StepID), err)
	}

	in := executor.StepInput{
		WorkflowInstanceID: w.ID,
		StepID:             p.StepID,
		WorkflowData:       w.Data,
		PersistenceData:    p.PersistenceData,
		RetryCount:         p.RetryCount,
		EventData:          p.EventData,
		CorrelationID:      w.CorrelationID,
	}

	start := time.Now()
	result, err := executor.RunWithLifecycle(ctx, body, in, step, def.Timeout)
	h.metrics.ObserveStepLatency(step.Name, statusLabel(err), time.Since(start))
	return result, err
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// applyOutcome folds one step invocation's result into m, per §4.4's
// precedence and §4.6 rule 3.
func (h *Host) applyOutcome(def *model.WorkflowDefinition, p *model.ExecutionPointer, step model.WorkflowStep, result *executor.ExecutionResult, runErr error, now time.Time, m *mutation) {
	startTime := now
	p.StartTime = &startTime
	m.history = append(m.history, &model.ExecutionHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: p.WorkflowInstanceID,
		PointerID:          p.ID,
		StepID:             p.StepID,
		StepName:           p.StepName,
		Kind:               model.HistoryStepStarted,
		EventTime:          now,
		StartTime:          &startTime,
	})

	if runErr != nil {
		h.applyFailure(def, p, step, runErr, now, m)
		return
	}

	if result == nil {
		result = executor.Proceed()
	}

	switch {
	case result.IsWaitingForEvent():
		h.applyWaitingForEvent(p, result, now, m)
	case result.HasBranches():
		h.applyBranch(p, result, now, m)
	case result.IsSleeping():
		h.applySleep(p, result, now, m)
	case result.Proceed:
		p.Outcome = result.OutcomeValue
		if result.PersistenceData != nil {
			p.PersistenceData = result.PersistenceData
		}
		p.SetTerminal(model.PointerComplete, now)
		m.updatedPointers = append(m.updatedPointers, p)
		m.history = append(m.history, completedHistory(p, now))
		m.newPointers = append(m.newPointers, h.resolveSuccessors(def, p, now)...)
	default:
		p.SetTerminal(model.PointerComplete, now)
		m.updatedPointers = append(m.updatedPointers, p)
		m.history = append(m.history, completedHistory(p, now))
	}
}

func completedHistory(p *model.ExecutionPointer, now time.Time) *model.ExecutionHistoryEntry {
	return &model.ExecutionHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: p.WorkflowInstanceID,
		PointerID:          p.ID,
		StepID:             p.StepID,
		StepName:           p.StepName,
		Kind:               model.HistoryStepCompleted,
		EventTime:          now,
	}
}

func (h *Host) applyWaitingForEvent(p *model.ExecutionPointer, result *executor.ExecutionResult, now time.Time, m *mutation) {
	asOf := now
	if result.EventAsOf != nil {
		asOf = *result.EventAsOf
	}
	p.Status = model.PointerWaitingForEvent
	p.EventName = result.EventName
	p.EventKey = result.EventKey
	p.EventPublished = false
	if result.PersistenceData != nil {
		p.PersistenceData = result.PersistenceData
	}
	m.updatedPointers = append(m.updatedPointers, p)
	m.subscriptions = append(m.subscriptions, &model.EventSubscription{
		ID:               uuid.NewString(),
		WorkflowID:       p.WorkflowInstanceID,
		PointerID:        p.ID,
		StepID:           p.StepID,
		EventName:        result.EventName,
		EventKey:         result.EventKey,
		SubscribeAsOf:    asOf,
		SubscriptionData: result.SubscriptionData,
	})
}

func (h *Host) applyBranch(p *model.ExecutionPointer, result *executor.ExecutionResult, now time.Time, m *mutation) {
	p.Status = model.PointerWaitingForChildren
	p.Outcome = result.OutcomeValue
	if result.PersistenceData != nil {
		p.PersistenceData = result.PersistenceData
	}
	children := make([]string, 0, len(result.BranchValues))
	for _, v := range result.BranchValues {
		child := &model.ExecutionPointer{
			ID:                 uuid.NewString(),
			WorkflowInstanceID: p.WorkflowInstanceID,
			StepID:             p.StepID,
			StepName:           p.StepName,
			Active:             true,
			Status:             model.PointerPending,
			PersistenceData:    map[string]any{"branch_value": v},
			PredecessorID:      p.ID,
			Scope:              append(append([]string{}, p.Scope...), p.ID),
		}
		children = append(children, child.ID)
		m.newPointers = append(m.newPointers, child)
	}
	p.Children = children
	m.updatedPointers = append(m.updatedPointers, p)
}

func (h *Host) applySleep(p *model.ExecutionPointer, result *executor.ExecutionResult, now time.Time, m *mutation) {
	until := now.Add(*result.SleepFor)
	p.Status = model.PointerSleeping
	p.SleepUntil = &until
	if result.PersistenceData != nil {
		p.PersistenceData = result.PersistenceData
	}
	m.updatedPointers = append(m.updatedPointers, p)
}

// applyFailure implements §4.6 rule 3.e: retry, or fail and apply the
// configured error_behavior.
func (h *Host) applyFailure(def *model.WorkflowDefinition, p *model.ExecutionPointer, step model.WorkflowStep, runErr error, now time.Time, m *mutation) {
	policy := effectiveRetryPolicy(def, step)
	body, resolveErr := h.steps.Resolve(step.BodyRef)
	retry := resolveErr == nil && executor.ShouldRetry(runErr, p.RetryCount, policy, body)

	if retry {
		next := executor.NextRetryTime(now, p.RetryCount, policy, h.rng)
		p.RetryCount++
		p.Status = model.PointerSleeping
		p.SleepUntil = &next
		m.updatedPointers = append(m.updatedPointers, p)
		m.history = append(m.history, &model.ExecutionHistoryEntry{
			ID:                 uuid.NewString(),
			WorkflowInstanceID: p.WorkflowInstanceID,
			PointerID:          p.ID,
			StepID:             p.StepID,
			StepName:           p.StepName,
			Kind:               model.HistoryStepRetried,
			EventTime:          now,
			Message:            runErr.Error(),
		})
		h.metrics.IncRetry(step.Name)
		return
	}

	p.SetTerminal(model.PointerFailed, now)
	m.updatedPointers = append(m.updatedPointers, p)
	m.history = append(m.history, &model.ExecutionHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: p.WorkflowInstanceID,
		PointerID:          p.ID,
		StepID:             p.StepID,
		StepName:           p.StepName,
		Kind:               model.HistoryStepFailed,
		EventTime:          now,
		Message:            runErr.Error(),
	})

	kind := model.ErrKindStepExecutionFailed
	var we *werrors.WorkflowError
	if ok := asWorkflowError(runErr, &we); ok {
		kind = we.Kind
	}
	m.errs = append(m.errs, &model.ExecutionError{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: p.WorkflowInstanceID,
		PointerID:          p.ID,
		StepID:             p.StepID,
		Kind:               kind,
		Message:            runErr.Error(),
		RetryCount:         p.RetryCount,
		Time:               now,
	})
	m.instance.LastError = runErr.Error()
	h.metrics.IncStepFailure(step.Name, string(kind))

	behavior := step.ErrorBehavior
	if behavior == "" {
		behavior = def.DefaultErrorBehavior
	}
	switch behavior {
	case model.ErrorBehaviorTerminate:
		m.instance.Status = model.InstanceTerminated
		m.instance.CompleteTime = &now
	case model.ErrorBehaviorCompensate:
		h.runCompensation(def, p, now, m)
	case model.ErrorBehaviorSuspend, model.ErrorBehaviorRetry:
		// Retry's budget is exhausted by this point (ShouldRetry already
		// said no), so Retry behaves like Suspend: stop and wait for a
		// manual resume rather than spin.
		m.instance.Status = model.InstanceSuspended
	case model.ErrorBehaviorContinue:
		// Leave the instance Runnable; other branches may still proceed.
	}
}

func asWorkflowError(err error, target **werrors.WorkflowError) bool {
	we, ok := err.(*werrors.WorkflowError)
	if ok {
		*target = we
	}
	return ok
}

// resolveSuccessors implements §4.6 rule 3.d: compute the successor step
// ids for p's step given p.Outcome, and build one fresh pointer per id.
func (h *Host) resolveSuccessors(def *model.WorkflowDefinition, p *model.ExecutionPointer, now time.Time) []*model.ExecutionPointer {
	step, ok := def.StepByID(p.StepID)
	if !ok {
		return nil
	}
	ids := successorStepIDs(def, step, p.Outcome)
	out := make([]*model.ExecutionPointer, 0, len(ids))
	for _, id := range ids {
		succStep, ok := def.StepByID(id)
		if !ok {
			continue
		}
		out = append(out, model.NewSuccessor(uuid.NewString(), p, succStep.StepID, succStep.Name))
	}
	return out
}

func successorStepIDs(def *model.WorkflowDefinition, step model.WorkflowStep, outcomeValue any) []string {
	if len(step.Outcomes) == 0 {
		idx := def.StepIndex(step.StepID)
		if idx >= 0 && idx+1 < len(def.Steps) {
			return []string{def.Steps[idx+1].StepID}
		}
		return nil
	}
	var ids []string
	for _, o := range step.Outcomes {
		if o.Matches(outcomeValue) {
			ids = append(ids, o.NextStep)
		}
	}
	return ids
}

// mergeCompletedBranches implements §4.6 rule 4: once every child of a
// WaitingForChildren parent is final, the parent completes and resolves
// its own successors.
func (h *Host) mergeCompletedBranches(def *model.WorkflowDefinition, pointerByID map[string]*model.ExecutionPointer, m *mutation, now time.Time) {
	// index updated/new pointers by id so a parent can see siblings that
	// just transitioned in this same pass, not only their prior state.
	latest := make(map[string]*model.ExecutionPointer, len(m.updatedPointers)+len(m.newPointers))
	for _, p := range pointerByID {
		latest[p.ID] = p
	}
	for _, p := range m.updatedPointers {
		latest[p.ID] = p
	}
	for _, p := range m.newPointers {
		latest[p.ID] = p
	}

	visited := make(map[string]bool)
	var check func(parentID string)
	check = func(parentID string) {
		if parentID == "" || visited[parentID] {
			return
		}
		visited[parentID] = true
		parent, ok := latest[parentID]
		if !ok || parent.Status != model.PointerWaitingForChildren {
			return
		}
		for _, cid := range parent.Children {
			c, ok := latest[cid]
			if !ok || !c.Status.IsFinal() {
				return
			}
		}
		parent.SetTerminal(model.PointerComplete, now)
		m.updatedPointers = append(m.updatedPointers, parent)
		m.history = append(m.history, completedHistory(parent, now))
		m.newPointers = append(m.newPointers, h.resolveSuccessors(def, parent, now)...)
		check(parent.PredecessorID)
	}

	for _, p := range m.updatedPointers {
		if p.Status.IsFinal() {
			check(p.PredecessorID)
		}
	}
}

func effectiveRetryPolicy(def *model.WorkflowDefinition, step model.WorkflowStep) model.RetryPolicy {
	if step.RetryPolicy != nil {
		return *step.RetryPolicy
	}
	return def.DefaultRetryPolicy
}

func nextExecution(pointers []*model.ExecutionPointer) *time.Time {
	var earliest *time.Time
	hasPending := false
	for _, p := range pointers {
		if p.Status == model.PointerPending {
			hasPending = true
		}
		if p.Status == model.PointerSleeping && p.SleepUntil != nil {
			if earliest == nil || p.SleepUntil.Before(*earliest) {
				earliest = p.SleepUntil
			}
		}
	}
	if hasPending {
		return nil
	}
	return earliest
}

// allPointersAfter merges the pre-iteration pointer set with this
// iteration's updates/creations, for I5's recomputation at rule 5.
func allPointersAfter(pointers []*model.ExecutionPointer, m *mutation) []*model.ExecutionPointer {
	byID := make(map[string]*model.ExecutionPointer, len(pointers))
	for _, p := range pointers {
		byID[p.ID] = p
	}
	for _, p := range m.updatedPointers {
		byID[p.ID] = p
	}
	out := make([]*model.ExecutionPointer, 0, len(byID)+len(m.newPointers))
	for _, p := range byID {
		out = append(out, p)
	}
	out = append(out, m.newPointers...)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// newRNG seeds, once at construction, the rng the Host passes to
// executor.NextRetryTime; the backoff computed there does not draw from it.
func newRNG() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
