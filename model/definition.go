// Package model holds the entity types shared across the workflow engine:
// definitions, instances, pointers, events, subscriptions, history, and
// classified errors. It has no dependency on persistence or scheduling so
// that every other package can import it without a cycle.
package model

import "time"

// WorkflowDefinition is an immutable, versioned description of a workflow's
// steps, keyed by (ID, Version). Once registered it never changes; a new
// revision is registered as a new Version.
type WorkflowDefinition struct {
	ID                  string
	Version             int
	Name                string
	Steps               []WorkflowStep
	DefaultErrorBehavior ErrorBehavior
	DefaultRetryPolicy  RetryPolicy
	Timeout             time.Duration // zero means no workflow-level timeout
	Tags                []string
	Metadata            map[string]string
}

// InitialStep returns the step with no predecessor — the step every
// instance of this definition starts on. Registration guarantees exactly
// one such step exists, so callers may assume ok is always true for a
// definition that passed Validate.
func (d *WorkflowDefinition) InitialStep() (WorkflowStep, bool) {
	referenced := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		for _, o := range s.Outcomes {
			referenced[o.NextStep] = true
		}
	}
	for _, s := range d.Steps {
		if !referenced[s.StepID] {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// StepByID returns the step with the given id, if present.
func (d *WorkflowDefinition) StepByID(stepID string) (WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// StepIndex returns the position of stepID within d.Steps, or -1.
func (d *WorkflowDefinition) StepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.StepID == stepID {
			return i
		}
	}
	return -1
}

// ErrorBehavior controls what the scheduler does with an instance when a
// step fails without a successful retry.
type ErrorBehavior string

const (
	ErrorBehaviorRetry      ErrorBehavior = "Retry"
	ErrorBehaviorSuspend    ErrorBehavior = "Suspend"
	ErrorBehaviorTerminate  ErrorBehavior = "Terminate"
	ErrorBehaviorCompensate ErrorBehavior = "Compensate"
	ErrorBehaviorContinue   ErrorBehavior = "Continue"
)

// WorkflowStep is one node in a definition's step graph.
type WorkflowStep struct {
	StepID              string
	Name                string
	BodyRef             string // resolves to a registered executor.StepBody factory
	CompensationStepID  string // empty means no compensation for this step
	Outcomes            []StepOutcome
	ErrorBehavior       ErrorBehavior // overrides the definition default when non-empty
	RetryPolicy         *RetryPolicy  // overrides the definition default when non-nil
	Timeout             time.Duration // overrides the executor/definition default when non-zero
}

// StepOutcome is a branching rule: a step's returned outcome value routes
// to NextStep when it matches this outcome's Value or Condition. A zero
// Value and empty Condition act as the default (always-matches) outcome.
type StepOutcome struct {
	Condition string
	Value     any
	NextStep  string
}

// Matches reports whether outcomeValue satisfies this outcome: equality
// against Value, or string equality against Condition; an outcome with
// neither set is the default and always matches.
func (o StepOutcome) Matches(outcomeValue any) bool {
	if o.Value == nil && o.Condition == "" {
		return true
	}
	if o.Value != nil && valuesEqual(o.Value, outcomeValue) {
		return true
	}
	if o.Condition != "" {
		if s, ok := outcomeValue.(string); ok && s == o.Condition {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	// comparable via == for the JSON-ish scalar types outcome values are
	// expected to carry (string, bool, float64, int); anything else falls
	// back to false rather than risking a panic on uncomparable kinds.
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int:
		switch bv := b.(type) {
		case int:
			return av == bv
		case float64:
			return float64(av) == bv
		}
		return false
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case int:
			return av == float64(bv)
		}
		return false
	default:
		return false
	}
}

// RetryPolicy bounds the number of retries C5 will attempt for a failed
// step and the backoff schedule between attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration // zero means the 5-minute default cap (§4.4)
}

// DefaultRetryPolicy mirrors §9's default_max_retries/default_retry_delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
	}
}
