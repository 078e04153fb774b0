// Package scheduler implements the Scheduler/Host: the main control loop
// that leases runnable instances, runs one transition-rule iteration per
// instance, and commits the result. A worker-pool-over-bounded-queue
// shape generalized into a host that continuously polls a shared Store
// across many concurrent instances.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/coordinator"
	"github.com/flowhost/wfengine/definition"
	"github.com/flowhost/wfengine/emit"
	"github.com/flowhost/wfengine/eventbus"
	"github.com/flowhost/wfengine/executor"
	"github.com/flowhost/wfengine/model"
	"github.com/flowhost/wfengine/store"

	"github.com/google/uuid"
)

// Host is the concrete C5 implementation: the public surface §4.5 names
// (start/stop/register_workflow/start_workflow/suspend/resume/terminate/
// publish_event/subscribe_event/get_status/list_instances/get_instance/
// purge/metrics/health_check).
type Host struct {
	store   store.Store
	defs    *definition.Registry
	steps   *executor.Registry
	bus     *eventbus.Bus
	coord   coordinator.Coordinator
	emitter emit.Emitter
	log     *zap.Logger
	cfg     Config
	metrics *Metrics
	clock   func() time.Time
	rng     *rand.Rand

	startTime time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	leases   map[string]string // instance id -> lease token, §5's in-process lease cache
	stopped  bool
}

// HostOption configures optional collaborators beyond Config.
type HostOption func(*Host)

func WithCoordinator(c coordinator.Coordinator) HostOption {
	return func(h *Host) { h.coord = c }
}

func WithEmitter(e emit.Emitter) HostOption {
	return func(h *Host) { h.emitter = e }
}

func WithLogger(l *zap.Logger) HostOption {
	return func(h *Host) { h.log = l }
}

func WithMetricsRegistry(m *Metrics) HostOption {
	return func(h *Host) { h.metrics = m }
}

func WithClock(clock func() time.Time) HostOption {
	return func(h *Host) { h.clock = clock }
}

// NewHost wires C5 over a Store, Definition Registry, and Step Body
// Registry, with sane single-node defaults for the coordinator/emitter/
// logger/metrics when no HostOption overrides them.
func NewHost(s store.Store, defs *definition.Registry, steps *executor.Registry, cfg Config, opts ...HostOption) *Host {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	h := &Host{
		store:  s,
		defs:   defs,
		steps:  steps,
		cfg:    cfg,
		log:    zap.NewNop(),
		clock:  time.Now,
		rng:    newRNG(),
		stopCh: make(chan struct{}),
		leases: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.coord == nil {
		h.coord = coordinator.NewNoopCoordinator()
	}
	if h.emitter == nil {
		h.emitter = emit.NewNullEmitter()
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	h.bus = eventbus.New(s, eventbus.WithLogger(h.log), eventbus.WithClock(h.clock))
	return h
}

// RegisterWorkflow adds def to the Definition Registry (§4.1).
func (h *Host) RegisterWorkflow(def *model.WorkflowDefinition) error {
	return h.defs.Register(def)
}

// StartWorkflow creates a new instance of (definitionID, version) with
// the given initial data, seeding its first pointer at the definition's
// initial step. version == 0 resolves to the highest registered version.
func (h *Host) StartWorkflow(ctx context.Context, definitionID string, version int, data map[string]any) (string, error) {
	def, err := h.defs.Get(definitionID, version)
	if err != nil {
		return "", err
	}
	initial, ok := def.InitialStep()
	if !ok {
		return "", werrors.New(model.ErrKindInvalidWorkflowDefinition, fmt.Sprintf("definition %s has no initial step", definitionID))
	}

	now := h.clock()
	instance := &model.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Version:      def.Version,
		Status:       model.InstanceRunnable,
		Data:         data,
		CreateTime:   now,
	}
	pointer := &model.ExecutionPointer{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: instance.ID,
		StepID:             initial.StepID,
		StepName:           initial.Name,
		Active:             true,
		Status:             model.PointerPending,
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("scheduler: begin start tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.CreateInstance(ctx, instance); err != nil {
		return "", fmt.Errorf("scheduler: create instance: %w", err)
	}
	if err := tx.CreatePointer(ctx, pointer); err != nil {
		return "", fmt.Errorf("scheduler: create initial pointer: %w", err)
	}
	if err := tx.CreateHistory(ctx, &model.ExecutionHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: instance.ID,
		Kind:               model.HistoryWorkflowStarted,
		EventTime:          now,
	}); err != nil {
		return "", fmt.Errorf("scheduler: append start history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("scheduler: commit start: %w", err)
	}

	h.log.Info("workflow instance started", zap.String("instance_id", instance.ID), zap.String("definition_id", def.ID))
	h.emitter.Emit(emit.Event{WorkflowInstanceID: instance.ID, Kind: string(model.HistoryWorkflowStarted), Message: "workflow instance started"})
	return instance.ID, nil
}

// SuspendWorkflow sets an instance's status to Suspended, halting further
// iterations until ResumeWorkflow.
func (h *Host) SuspendWorkflow(ctx context.Context, instanceID string) error {
	return h.setInstanceStatus(ctx, instanceID, model.InstanceSuspended, model.HistoryWorkflowSuspended)
}

// ResumeWorkflow transitions a Suspended instance back to Runnable.
func (h *Host) ResumeWorkflow(ctx context.Context, instanceID string) error {
	return h.setInstanceStatus(ctx, instanceID, model.InstanceRunnable, model.HistoryWorkflowResumed)
}

// TerminateWorkflow ends an instance immediately, regardless of its
// current pointer states; any lease this host holds is released and any
// outstanding event subscriptions are cancelled so they don't outlive
// their (now-terminated) pointer (I6).
func (h *Host) TerminateWorkflow(ctx context.Context, instanceID string) error {
	if err := h.setInstanceStatus(ctx, instanceID, model.InstanceTerminated, model.HistoryWorkflowTerminated); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.leases, instanceID)
	h.mu.Unlock()

	pointers, err := h.store.GetPointers(ctx, instanceID)
	if err != nil {
		return nil // instance status already committed; subscription cleanup is best-effort
	}
	for _, p := range pointers {
		if p.Status != model.PointerWaitingForEvent {
			continue
		}
		subs, err := h.store.GetSubscriptions(ctx, p.EventName, p.EventKey)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if sub.PointerID == p.ID {
				_ = h.bus.Cancel(ctx, sub.ID)
			}
		}
	}
	return nil
}

func (h *Host) setInstanceStatus(ctx context.Context, instanceID string, status model.InstanceStatus, kind model.HistoryKind) error {
	w, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	w.Status = status
	now := h.clock()
	if status.IsTerminal() {
		w.CompleteTime = &now
	}
	if err := h.store.UpdateInstance(ctx, w); err != nil {
		return fmt.Errorf("scheduler: update instance %s: %w", instanceID, err)
	}
	return h.store.AppendHistory(ctx, &model.ExecutionHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: instanceID,
		Kind:               kind,
		EventTime:          now,
	})
}

// PublishEvent publishes an event through C3.
func (h *Host) PublishEvent(ctx context.Context, name, key string, data map[string]any) (*model.Event, error) {
	return h.bus.Publish(ctx, name, key, data)
}

// SubscribeEvent registers a subscription through C3, for callers that
// need to wait on an event outside of a running step (e.g. an external
// bridge to another workflow engine).
func (h *Host) SubscribeEvent(ctx context.Context, sub *model.EventSubscription) error {
	return h.bus.Subscribe(ctx, sub)
}

// GetWorkflowStatus returns an instance's current status.
func (h *Host) GetWorkflowStatus(ctx context.Context, instanceID string) (model.InstanceStatus, error) {
	w, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return w.Status, nil
}

// ListWorkflowInstances implements §6's ListWorkflowInstances.
func (h *Host) ListWorkflowInstances(ctx context.Context, filter store.InstanceFilter) ([]*model.WorkflowInstance, error) {
	return h.store.ListInstances(ctx, filter)
}

// InstanceDetail bundles an instance with its history and errors, for
// §6's GetWorkflowInstance ("full details + history + errors").
type InstanceDetail struct {
	Instance *model.WorkflowInstance
	Pointers []*model.ExecutionPointer
	History  []*model.ExecutionHistoryEntry
	Errors   []*model.ExecutionError
}

// GetWorkflowInstance implements §6's GetWorkflowInstance.
func (h *Host) GetWorkflowInstance(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	w, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	pointers, err := h.store.GetPointers(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	history, err := h.store.GetHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	errs, err := h.store.GetErrors(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &InstanceDetail{Instance: w, Pointers: pointers, History: history, Errors: errs}, nil
}

// Purge runs §6's maintenance purge of old completed workflows and
// processed events, mirroring the Host's background maintenance tick.
func (h *Host) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := h.store.PurgeWorkflows(ctx, olderThan)
	if err != nil {
		return n, err
	}
	if _, err := h.store.PurgeEvents(ctx, olderThan, true); err != nil {
		return n, err
	}
	return n, nil
}

// HealthState is HealthCheck's state enum (§6).
type HealthState string

const (
	HealthHealthy   HealthState = "Healthy"
	HealthDegraded  HealthState = "Degraded"
	HealthUnhealthy HealthState = "Unhealthy"
)

// Health is §6's HealthCheck response shape.
type Health struct {
	State            HealthState
	Uptime           time.Duration
	ActiveWorkflows  int
	PendingEvents    int
	DatabaseHealthy  bool
}

// HealthCheck implements §6's HealthCheck.
func (h *Host) HealthCheck(ctx context.Context) Health {
	dbHealthy := h.store.Ping(ctx) == nil

	stats, err := h.store.Statistics(ctx)
	active := 0
	if err == nil && stats != nil {
		active = int(stats.InstancesByStatus[model.InstanceRunnable])
	}

	pending, _ := h.store.GetEvents(ctx, store.EventFilter{ProcessedOnly: boolPtr(false)})

	state := HealthHealthy
	if !dbHealthy {
		state = HealthUnhealthy
	} else if err != nil {
		state = HealthDegraded
	}

	return Health{
		State:           state,
		Uptime:          h.clock().Sub(h.startTime),
		ActiveWorkflows: active,
		PendingEvents:   len(pending),
		DatabaseHealthy: dbHealthy,
	}
}

func boolPtr(b bool) *bool { return &b }

// Statistics implements §6's Metrics() query over C2's aggregate view.
func (h *Host) Statistics(ctx context.Context) (*store.Statistics, error) {
	return h.store.Statistics(ctx)
}

// commit applies a mutation's accumulated writes inside one transaction,
// per §4.5 step 3.
func (h *Host) commit(ctx context.Context, m *mutation) error {
	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.UpdateInstance(ctx, m.instance); err != nil {
		return fmt.Errorf("scheduler: update instance: %w", err)
	}
	for _, p := range m.updatedPointers {
		if err := tx.UpdatePointer(ctx, p); err != nil {
			return fmt.Errorf("scheduler: update pointer %s: %w", p.ID, err)
		}
	}
	if len(m.newPointers) > 0 {
		if err := tx.CreatePointers(ctx, m.newPointers); err != nil {
			return fmt.Errorf("scheduler: create pointers: %w", err)
		}
	}
	for _, hist := range m.history {
		if err := tx.CreateHistory(ctx, hist); err != nil {
			return fmt.Errorf("scheduler: append history: %w", err)
		}
	}
	for _, e := range m.errs {
		if err := tx.CreateError(ctx, e); err != nil {
			return fmt.Errorf("scheduler: append error: %w", err)
		}
	}
	for _, sub := range m.subscriptions {
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("scheduler: create subscription: %w", err)
		}
	}
	for _, id := range m.removedSubs {
		if err := tx.RemoveSubscription(ctx, id); err != nil {
			return fmt.Errorf("scheduler: remove subscription %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scheduler: commit: %w", err)
	}

	for _, hist := range m.history {
		h.emitter.Emit(emit.Event{
			WorkflowInstanceID: hist.WorkflowInstanceID,
			PointerID:          hist.PointerID,
			StepID:             hist.StepID,
			StepName:           hist.StepName,
			Kind:               string(hist.Kind),
			Message:            hist.Message,
		})
	}
	return nil
}
