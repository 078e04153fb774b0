package model

import "time"

// InstanceStatus is the lifecycle state of a WorkflowInstance.
type InstanceStatus string

const (
	InstanceRunnable   InstanceStatus = "Runnable"
	InstanceSuspended  InstanceStatus = "Suspended"
	InstanceComplete   InstanceStatus = "Complete"
	InstanceTerminated InstanceStatus = "Terminated"
)

// IsTerminal reports whether s is a final instance status.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceComplete || s == InstanceTerminated
}

// WorkflowInstance is one running (or finished) execution of a
// WorkflowDefinition. Mutated exclusively under the instance's lease
// (a Coordinator lease, or the in-process equivalent in single-node
// mode).
type WorkflowInstance struct {
	ID             string
	DefinitionID   string
	Version        int
	Status         InstanceStatus
	Data           map[string]any
	CreateTime     time.Time
	CompleteTime   *time.Time
	NextExecution  *time.Time
	NodeID         string // lease holder; empty when unleased
	CorrelationID  string
	Tags           map[string]string
	LastError      string // most recent ExecutionError.Message, for status queries
	// PersistenceID is a monotonic, store-assigned surrogate key used only
	// for compact foreign keys from child tables; never exposed outside
	// the persistence provider.
	PersistenceID int64
}

// IsRunnableAt reports whether the instance itself is ready to run at t:
// status = Runnable ∧ (next_execution is null ∨ next_execution ≤ t). The
// "∃ runnable pointer" half of runnability is evaluated by the store
// against ExecutionPointer rows, not here, since WorkflowInstance carries
// no pointer data itself.
func (w *WorkflowInstance) IsRunnableAt(t time.Time) bool {
	if w.Status != InstanceRunnable {
		return false
	}
	if w.NextExecution != nil && w.NextExecution.After(t) {
		return false
	}
	return true
}
