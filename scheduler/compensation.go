package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowhost/wfengine/executor"
	"github.com/flowhost/wfengine/model"
)

// runCompensation implements §4.7: a linear reverse traversal along
// predecessor_id starting from the failed pointer, invoking compensate()
// on each ancestor step that declares a compensation_step_id. The failed
// pointer itself is left Failed — it never completed, so there is
// nothing on it to undo; only ancestors that ran to completion are
// candidates for compensation. The instance ends Terminated whether the
// walk completes or a compensation fails.
func (h *Host) runCompensation(def *model.WorkflowDefinition, failed *model.ExecutionPointer, now time.Time, m *mutation) {
	// runCompensation is called mid-applyOutcome, before commit; every
	// ancestor is read from the store, and pointers already folded into m
	// in this iteration are not consulted.
	cur := failed
	for cur.PredecessorID != "" {
		ancestor, err := h.store.GetPointer(h.bgCtx(), cur.PredecessorID)
		if err != nil {
			// Ancestor missing or unreadable: nothing further to walk.
			m.instance.Status = model.InstanceTerminated
			m.instance.CompleteTime = &now
			h.metrics.IncCompensation("failed")
			return
		}

		step, ok := def.StepByID(ancestor.StepID)
		if ok && step.CompensationStepID != "" {
			body, resolveErr := h.steps.Resolve(step.BodyRef)
			if resolveErr != nil {
				m.instance.Status = model.InstanceTerminated
				m.instance.CompleteTime = &now
				h.metrics.IncCompensation("failed")
				return
			}
			in := executor.StepInput{
				WorkflowInstanceID: ancestor.WorkflowInstanceID,
				StepID:             ancestor.StepID,
				WorkflowData:       m.instance.Data,
				PersistenceData:    ancestor.PersistenceData,
				RetryCount:         ancestor.RetryCount,
				CorrelationID:      m.instance.CorrelationID,
			}
			if err := body.Compensate(h.bgCtx(), in); err != nil {
				m.instance.Status = model.InstanceTerminated
				m.instance.CompleteTime = &now
				m.errs = append(m.errs, &model.ExecutionError{
					ID:                 uuid.NewString(),
					WorkflowInstanceID: ancestor.WorkflowInstanceID,
					PointerID:          ancestor.ID,
					StepID:             ancestor.StepID,
					Kind:               model.ErrKindCompensationFailed,
					Message:            fmt.Sprintf("compensation failed: %v", err),
					Time:               now,
				})
				h.metrics.IncCompensation("failed")
				return
			}

			ancestor.SetTerminal(model.PointerCompensated, now)
			m.updatedPointers = append(m.updatedPointers, ancestor)
			m.history = append(m.history, &model.ExecutionHistoryEntry{
				ID:                 uuid.NewString(),
				WorkflowInstanceID: ancestor.WorkflowInstanceID,
				PointerID:          ancestor.ID,
				StepID:             ancestor.StepID,
				StepName:           ancestor.StepName,
				Kind:               model.HistoryStepCompensated,
				EventTime:          now,
			})
		}

		cur = ancestor
	}
	m.instance.Status = model.InstanceTerminated
	m.instance.CompleteTime = &now
	h.metrics.IncCompensation("completed")
}

// bgCtx is used for the ancestor reads/compensate calls runCompensation
// issues outside the caller's request context, since a compensation
// sequence must run to completion once a failure triggers it rather than
// abort partway if the triggering request's context is cancelled.
func (h *Host) bgCtx() context.Context {
	return context.Background()
}
