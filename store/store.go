// Package store implements the Persistence Provider: the only component
// that writes to durable storage. Every other component describes its
// changes as composites that a Store applies transactionally, over a
// small interface with several concrete backends (in-memory, SQLite,
// Postgres) covering the engine's full multi-table relational schema.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowhost/wfengine/model"
)

// ErrNotFound is returned when a get or update addresses a row that does
// not exist. Deletes are idempotent: DeleteInstance and RemoveSubscription
// return nil for a missing row, and cascading deletes never fail on
// missing dependents.
var ErrNotFound = errors.New("store: not found")

// InstanceFilter is the query shape for ListInstances (§6).
type InstanceFilter struct {
	DefinitionID  string
	Status        model.InstanceStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Tags          []string
	Limit         int // default 100, enforced by callers
	Offset        int
}

// EventFilter is the query shape for GetEvents.
type EventFilter struct {
	Name          string
	Key           string
	ProcessedOnly *bool
	Limit         int
}

// StatusCounts summarizes instance counts by status for Statistics.
type StatusCounts map[model.InstanceStatus]int64

// Statistics is the aggregate surfaced by the Metrics() control operation
// and §4.2's "counts by status, average execution duration, per-step
// stats, storage sizes".
type Statistics struct {
	InstancesByStatus  StatusCounts
	AvgExecutionTime   time.Duration
	PerStepAvgDuration map[string]time.Duration
	StorageBytes       int64
}

// Store is the Persistence Provider contract. Concrete backends
// (postgres, sqlite, memory) all implement this; the Scheduler/Host,
// Event Bus, and Definition Registry depend only on this interface.
type Store interface {
	// Instance CRUD
	CreateInstance(ctx context.Context, w *model.WorkflowInstance) error
	UpdateInstance(ctx context.Context, w *model.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error)
	DeleteInstance(ctx context.Context, id string) error
	// GetRunnable returns up to limit instances satisfying I4, oldest
	// create_time first (P2).
	GetRunnable(ctx context.Context, now time.Time, limit int) ([]*model.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*model.WorkflowInstance, error)

	// Pointer CRUD
	CreatePointer(ctx context.Context, p *model.ExecutionPointer) error
	CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error
	UpdatePointer(ctx context.Context, p *model.ExecutionPointer) error
	GetPointers(ctx context.Context, instanceID string) ([]*model.ExecutionPointer, error)
	GetActivePointers(ctx context.Context) ([]*model.ExecutionPointer, error)
	GetPointer(ctx context.Context, id string) (*model.ExecutionPointer, error)

	// Event CRUD
	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*model.Event, error)
	MarkProcessed(ctx context.Context, ids []string) error
	PurgeEvents(ctx context.Context, olderThan time.Time, processedOnly bool) (int64, error)

	// Subscription CRUD
	CreateSubscription(ctx context.Context, s *model.EventSubscription) error
	RemoveSubscription(ctx context.Context, id string) error
	// GetSubscriptions returns subscriptions matching (eventName,
	// eventKey) per I7, ordered by subscribe_as_of ascending.
	GetSubscriptions(ctx context.Context, eventName, eventKey string) ([]*model.EventSubscription, error)

	// History and errors — append-only
	AppendHistory(ctx context.Context, h *model.ExecutionHistoryEntry) error
	GetHistory(ctx context.Context, instanceID string) ([]*model.ExecutionHistoryEntry, error)
	AppendError(ctx context.Context, e *model.ExecutionError) error
	GetErrors(ctx context.Context, instanceID string) ([]*model.ExecutionError, error)

	// Statistics & maintenance
	Statistics(ctx context.Context) (*Statistics, error)
	PurgeWorkflows(ctx context.Context, olderThan time.Time) (int64, error)
	Optimize(ctx context.Context) error

	// BeginTx opens the atomic subset used by C3/C5 for multi-row
	// composite writes (§4.2's "transaction context").
	BeginTx(ctx context.Context) (Tx, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the atomic subset exposed inside one transaction: {create/update
// instance, create/update pointers, create history, create subscription,
// create event, remove subscription, mark processed}. Must terminate with
// exactly one of Commit/Rollback.
type Tx interface {
	CreateInstance(ctx context.Context, w *model.WorkflowInstance) error
	UpdateInstance(ctx context.Context, w *model.WorkflowInstance) error
	CreatePointer(ctx context.Context, p *model.ExecutionPointer) error
	CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error
	UpdatePointer(ctx context.Context, p *model.ExecutionPointer) error
	CreateHistory(ctx context.Context, h *model.ExecutionHistoryEntry) error
	CreateSubscription(ctx context.Context, s *model.EventSubscription) error
	RemoveSubscription(ctx context.Context, id string) error
	GetSubscriptions(ctx context.Context, eventName, eventKey string) ([]*model.EventSubscription, error)
	CreateEvent(ctx context.Context, e *model.Event) error
	MarkProcessed(ctx context.Context, ids []string) error
	CreateError(ctx context.Context, e *model.ExecutionError) error
	GetPointer(ctx context.Context, id string) (*model.ExecutionPointer, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
