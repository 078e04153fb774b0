package model

import "time"

// HistoryKind tags the lifecycle event an ExecutionHistoryEntry records.
type HistoryKind string

const (
	HistoryStepStarted        HistoryKind = "StepStarted"
	HistoryStepCompleted      HistoryKind = "StepCompleted"
	HistoryStepFailed         HistoryKind = "StepFailed"
	HistoryStepRetried        HistoryKind = "StepRetried"
	HistoryStepCompensated    HistoryKind = "StepCompensated"
	HistoryWorkflowStarted    HistoryKind = "WorkflowStarted"
	HistoryWorkflowCompleted  HistoryKind = "WorkflowCompleted"
	HistoryWorkflowSuspended  HistoryKind = "WorkflowSuspended"
	HistoryWorkflowResumed    HistoryKind = "WorkflowResumed"
	HistoryWorkflowTerminated HistoryKind = "WorkflowTerminated"
	HistoryEventPublished     HistoryKind = "EventPublished"
	HistoryEventReceived      HistoryKind = "EventReceived"
)

// ExecutionHistoryEntry is one append-only row in the durable log. Every
// state transition writes exactly one (§7); event_time must not be
// earlier than StartTime when both are set (P1).
type ExecutionHistoryEntry struct {
	ID                 string
	WorkflowInstanceID string
	PointerID          string
	StepID             string
	StepName           string
	Kind               HistoryKind
	EventTime          time.Time
	StartTime          *time.Time
	Duration           time.Duration
	CorrelationID      string
	Message            string
}

// ErrorKind enumerates the taxonomy of §7.
type ErrorKind string

const (
	ErrKindWorkflowDefinitionNotFound ErrorKind = "WorkflowDefinitionNotFound"
	ErrKindWorkflowInstanceNotFound   ErrorKind = "WorkflowInstanceNotFound"
	ErrKindInvalidWorkflowDefinition  ErrorKind = "InvalidWorkflowDefinition"
	ErrKindStepExecutionFailed        ErrorKind = "StepExecutionFailed"
	ErrKindStepNotFound               ErrorKind = "StepNotFound"
	ErrKindExecutionError             ErrorKind = "ExecutionError"
	ErrKindPersistenceError           ErrorKind = "PersistenceError"
	ErrKindSerializationError         ErrorKind = "SerializationError"
	ErrKindInvalidWorkflowState       ErrorKind = "InvalidWorkflowState"
	ErrKindEventSubscriptionFailed    ErrorKind = "EventSubscriptionFailed"
	ErrKindWorkflowTimeout            ErrorKind = "WorkflowTimeout"
	ErrKindCompensationFailed         ErrorKind = "CompensationFailed"
	ErrKindGrpcServiceError           ErrorKind = "GrpcServiceError"
	ErrKindConfigurationError         ErrorKind = "ConfigurationError"
	ErrKindAuthenticationError        ErrorKind = "AuthenticationError"
	ErrKindAuthorizationError         ErrorKind = "AuthorizationError"
	ErrKindNotFoundError              ErrorKind = "NotFoundError"
	ErrKindValidationError            ErrorKind = "ValidationError"
	ErrKindInternalError              ErrorKind = "InternalError"
)

// ExecutionError is a durable record of a step or instance failure,
// surfaced via status queries (§7, "User-visible").
type ExecutionError struct {
	ID                 string
	WorkflowInstanceID string
	PointerID          string
	StepID             string
	Kind               ErrorKind
	Message            string
	Details            map[string]any
	RetryCount         int
	Resolved           bool
	Time               time.Time
}
