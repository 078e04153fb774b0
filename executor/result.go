// Package executor implements the Step Executor: the StepBody contract,
// the ExecutionResult discriminated record steps return to drive
// workflow progression, and the timeout/retry/circuit-breaker machinery
// that wraps one step invocation.
package executor

import "time"

// ExecutionResult is the discriminated record a StepBody returns to
// drive workflow progression.
//
// Precedence when the scheduler interprets a result: EventName set ⇒
// WaitingForEvent; BranchValues non-empty ⇒ WaitingForChildren; SleepFor
// set ⇒ Sleeping; Proceed ⇒ Complete + successors; otherwise Complete
// (terminal, no successors — the step suspends this branch).
type ExecutionResult struct {
	Proceed          bool
	OutcomeValue     any
	SleepFor         *time.Duration
	PersistenceData  map[string]any
	EventName        string
	EventKey         string
	EventAsOf        *time.Time
	SubscriptionData map[string]any
	BranchValues     []any
}

// Proceed returns a result that advances to the successor(s) matching
// the default outcome, with no outcome value.
func Proceed() *ExecutionResult {
	return &ExecutionResult{Proceed: true}
}

// Outcome returns a result that advances, using value to select among
// the step's StepOutcome branches (§3 StepOutcome.Matches).
func Outcome(value any) *ExecutionResult {
	return &ExecutionResult{Proceed: true, OutcomeValue: value}
}

// Persist returns a result that does not advance: with no sleep, event or
// branch set, the scheduler completes the pointer without creating
// successors and stores data as its persistence data.
func Persist(data map[string]any) *ExecutionResult {
	return &ExecutionResult{Proceed: false, PersistenceData: data}
}

// Branch returns a result that fans out into one child pointer per
// value in values (§4.6 parallel branching), carrying persistenceData
// forward onto the parent pointer.
func Branch(values []any, persistenceData map[string]any) *ExecutionResult {
	return &ExecutionResult{Proceed: false, BranchValues: values, PersistenceData: persistenceData}
}

// Sleep returns a result that suspends the pointer until now+duration,
// optionally persisting data to be available on resume.
func Sleep(duration time.Duration, persistenceData map[string]any) *ExecutionResult {
	return &ExecutionResult{Proceed: false, SleepFor: &duration, PersistenceData: persistenceData}
}

// WaitForEvent returns a result that subscribes the pointer to
// (eventName, eventKey) effective asOf, per §4.3/I7.
func WaitForEvent(eventName, eventKey string, asOf time.Time) *ExecutionResult {
	return &ExecutionResult{Proceed: false, EventName: eventName, EventKey: eventKey, EventAsOf: &asOf}
}

// ActivityEventName is re-exported for StepBody authors; see
// model.ActivityEventName.
const ActivityEventName = "workflow_core.activity"

// WaitForActivity returns a result that waits for an external action —
// a specialization of WaitForEvent where activityName doubles as the
// event key and the well-known activity event name is used.
func WaitForActivity(activityName string, subscriptionData map[string]any, asOf time.Time) *ExecutionResult {
	return &ExecutionResult{
		Proceed:          false,
		EventName:        ActivityEventName,
		EventKey:         activityName,
		SubscriptionData: subscriptionData,
		EventAsOf:        &asOf,
	}
}

// IsComplete reports whether r represents a plain successful advance
// (proceed, no outstanding event wait).
func (r *ExecutionResult) IsComplete() bool {
	return r.Proceed && r.EventName == ""
}

// IsWaitingForEvent reports whether r suspends the pointer on an event.
func (r *ExecutionResult) IsWaitingForEvent() bool {
	return !r.Proceed && r.EventName != ""
}

// IsSleeping reports whether r suspends the pointer for a duration.
func (r *ExecutionResult) IsSleeping() bool {
	return !r.Proceed && r.SleepFor != nil
}

// HasBranches reports whether r fans out into child pointers.
func (r *ExecutionResult) HasBranches() bool {
	return len(r.BranchValues) > 0
}

// ResultBuilder assembles an ExecutionResult field by field, for
// StepBody implementations that construct a result conditionally
// instead of through one of the single-purpose constructors above.
type ResultBuilder struct {
	result ExecutionResult
}

// NewResultBuilder starts a new builder.
func NewResultBuilder() *ResultBuilder {
	return &ResultBuilder{}
}

func (b *ResultBuilder) Proceed(proceed bool) *ResultBuilder {
	b.result.Proceed = proceed
	return b
}

func (b *ResultBuilder) Outcome(value any) *ResultBuilder {
	b.result.OutcomeValue = value
	return b
}

func (b *ResultBuilder) Sleep(d time.Duration) *ResultBuilder {
	b.result.SleepFor = &d
	return b
}

func (b *ResultBuilder) PersistenceData(data map[string]any) *ResultBuilder {
	b.result.PersistenceData = data
	return b
}

func (b *ResultBuilder) WaitForEvent(eventName, eventKey string, asOf time.Time) *ResultBuilder {
	b.result.EventName = eventName
	b.result.EventKey = eventKey
	b.result.EventAsOf = &asOf
	return b
}

func (b *ResultBuilder) Build() *ExecutionResult {
	r := b.result
	return &r
}
