package model

import "time"

// PointerStatus is the lifecycle state of an ExecutionPointer.
type PointerStatus string

const (
	PointerPending           PointerStatus = "Pending"
	PointerRunning           PointerStatus = "Running"
	PointerComplete          PointerStatus = "Complete"
	PointerSleeping          PointerStatus = "Sleeping"
	PointerWaitingForEvent   PointerStatus = "WaitingForEvent"
	PointerWaitingForChildren PointerStatus = "WaitingForChildren"
	PointerFailed            PointerStatus = "Failed"
	PointerCompensated       PointerStatus = "Compensated"
	PointerCancelled         PointerStatus = "Cancelled"
	PointerPendingPredecessor PointerStatus = "PendingPredecessor"
)

// IsFinal reports whether s is one of the terminal pointer statuses (I2).
func (s PointerStatus) IsFinal() bool {
	switch s {
	case PointerComplete, PointerFailed, PointerCompensated, PointerCancelled:
		return true
	default:
		return false
	}
}

// ExecutionPointer is a durable cursor recording one in-flight execution
// position within an instance. children and predecessor_id form a DAG
// (§9, "Graph cycles") addressed by id, never by live references.
type ExecutionPointer struct {
	ID                 string
	WorkflowInstanceID string
	StepID             string
	StepName           string
	Active             bool
	Status             PointerStatus
	SleepUntil         *time.Time
	EventName          string
	EventKey           string
	EventPublished     bool
	EventData          map[string]any
	PersistenceData    map[string]any
	RetryCount         int
	PredecessorID      string
	Children           []string
	Outcome            any
	Scope              []string
	StartTime          *time.Time
	EndTime            *time.Time
}

// IsRunnable reports I3: active ∧ status = Pending ∧ (sleep_until is
// null ∨ sleep_until ≤ now) ∧ event_name is null.
//
// A Sleeping pointer whose sleep_until has elapsed is also runnable: it
// is how retry backoff (§4.6 rule 3.e) and explicit step sleeps (§4.3)
// ever resume, since both leave the pointer in status Sleeping rather
// than flipping it back to Pending themselves.
func (p *ExecutionPointer) IsRunnable(now time.Time) bool {
	if !p.Active {
		return false
	}
	switch p.Status {
	case PointerPending:
		if p.SleepUntil != nil && p.SleepUntil.After(now) {
			return false
		}
	case PointerSleeping:
		if p.SleepUntil == nil || p.SleepUntil.After(now) {
			return false
		}
	default:
		return false
	}
	if p.EventName != "" {
		return false
	}
	return true
}

// SetTerminal transitions p to a final status, setting EndTime and
// clearing Active, enforcing I2 at one call site so callers never forget
// half of the pair.
func (p *ExecutionPointer) SetTerminal(status PointerStatus, endTime time.Time) {
	if !status.IsFinal() {
		panic("model: SetTerminal called with non-final status " + string(status))
	}
	p.Status = status
	p.Active = false
	p.EndTime = &endTime
}

// NewSuccessor builds the pointer created for a successor step per §4.6
// rule 3.d: predecessor_id set, persistence_data inherited, retry_count
// reset to zero (I8), status Pending.
func NewSuccessor(id string, predecessor *ExecutionPointer, stepID, stepName string) *ExecutionPointer {
	return &ExecutionPointer{
		ID:                 id,
		WorkflowInstanceID: predecessor.WorkflowInstanceID,
		StepID:             stepID,
		StepName:           stepName,
		Active:             true,
		Status:             PointerPending,
		PersistenceData:    predecessor.PersistenceData,
		RetryCount:         0,
		PredecessorID:      predecessor.ID,
		Scope:              predecessor.Scope,
	}
}
