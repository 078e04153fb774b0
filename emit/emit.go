// Package emit provides pluggable observability sinks for workflow
// execution: a small Emitter interface (Emit/EmitBatch/Flush) with
// log, OpenTelemetry, buffered, and null backends. An Event carries a
// model.HistoryKind (kept as a string to avoid an import cycle) so an
// Emitter and the Persistence Provider's ExecutionHistoryEntry describe
// the same lifecycle moments.
package emit

import "context"

// Event is an observability event mirroring an ExecutionHistoryEntry,
// emitted alongside (not instead of) the durable history write.
type Event struct {
	WorkflowInstanceID string
	PointerID          string
	StepID             string
	StepName           string
	Kind               string // model.HistoryKind, kept as string to avoid an import cycle with model in otel/log formatting
	Message            string
	Meta               map[string]any
}

// Emitter receives observability events from the scheduler. Implementations
// must be non-blocking and must never panic — a failing observability sink
// must never fail a workflow transition.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
