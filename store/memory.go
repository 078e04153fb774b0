package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowhost/wfengine/model"
)

// MemStore is an in-memory Store: a map guarded by an RWMutex, copying
// each struct on read and write. The copy is shallow: maps and slices
// inside a record (Data, Tags, Children, ...) are shared with the caller.
// Used for unit tests and single-process demos; not durable across
// restarts.
type MemStore struct {
	mu            sync.RWMutex
	instances     map[string]*model.WorkflowInstance
	pointers      map[string]*model.ExecutionPointer
	events        map[string]*model.Event
	subscriptions map[string]*model.EventSubscription
	history       []*model.ExecutionHistoryEntry
	errs          []*model.ExecutionError
	nextPID       int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		instances:     make(map[string]*model.WorkflowInstance),
		pointers:      make(map[string]*model.ExecutionPointer),
		events:        make(map[string]*model.Event),
		subscriptions: make(map[string]*model.EventSubscription),
	}
}

func (m *MemStore) CreateInstance(_ context.Context, w *model.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPID++
	w.PersistenceID = m.nextPID
	cp := *w
	m.instances[w.ID] = &cp
	return nil
}

func (m *MemStore) UpdateInstance(_ context.Context, w *model.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[w.ID]; !ok {
		return ErrNotFound
	}
	cp := *w
	m.instances[w.ID] = &cp
	return nil
}

func (m *MemStore) GetInstance(_ context.Context, id string) (*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemStore) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id) // idempotent: missing row is not an error (§4.2)

	// I1: cascade pointers, history, errors, subscriptions in one critical section.
	for pid, p := range m.pointers {
		if p.WorkflowInstanceID == id {
			delete(m.pointers, pid)
		}
	}
	kept := m.history[:0]
	for _, h := range m.history {
		if h.WorkflowInstanceID != id {
			kept = append(kept, h)
		}
	}
	m.history = kept

	keptErrs := m.errs[:0]
	for _, e := range m.errs {
		if e.WorkflowInstanceID != id {
			keptErrs = append(keptErrs, e)
		}
	}
	m.errs = keptErrs

	for sid, s := range m.subscriptions {
		if s.WorkflowID == id {
			delete(m.subscriptions, sid)
		}
	}
	return nil
}

func (m *MemStore) GetRunnable(_ context.Context, now time.Time, limit int) ([]*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.WorkflowInstance
	for _, w := range m.instances {
		if !w.IsRunnableAt(now) {
			continue
		}
		if !m.hasRunnablePointerLocked(w.ID, now) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) hasRunnablePointerLocked(instanceID string, now time.Time) bool {
	for _, p := range m.pointers {
		if p.WorkflowInstanceID == instanceID && p.IsRunnable(now) {
			return true
		}
	}
	return false
}

func (m *MemStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.WorkflowInstance
	for _, w := range m.instances {
		if filter.DefinitionID != "" && w.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.CreatedAfter != nil && w.CreateTime.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && w.CreateTime.After(*filter.CreatedBefore) {
			continue
		}
		if len(filter.Tags) > 0 && !hasAllTags(w.Tags, filter.Tags) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasAllTags(tags map[string]string, want []string) bool {
	for _, w := range want {
		if _, ok := tags[w]; !ok {
			return false
		}
	}
	return true
}

func (m *MemStore) CreatePointer(_ context.Context, p *model.ExecutionPointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pointers[p.ID] = &cp
	return nil
}

func (m *MemStore) CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error {
	for _, p := range ps {
		if err := m.CreatePointer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) UpdatePointer(_ context.Context, p *model.ExecutionPointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pointers[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.pointers[p.ID] = &cp
	return nil
}

func (m *MemStore) GetPointers(_ context.Context, instanceID string) ([]*model.ExecutionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ExecutionPointer
	for _, p := range m.pointers {
		if p.WorkflowInstanceID == instanceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) GetActivePointers(_ context.Context) ([]*model.ExecutionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ExecutionPointer
	for _, p := range m.pointers {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) GetPointer(_ context.Context, id string) (*model.ExecutionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pointers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) CreateEvent(_ context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *MemStore) GetEvents(_ context.Context, filter EventFilter) ([]*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Event
	for _, e := range m.events {
		if filter.Name != "" && e.Name != filter.Name {
			continue
		}
		if filter.Key != "" && e.Key != filter.Key {
			continue
		}
		if filter.ProcessedOnly != nil && e.IsProcessed != *filter.ProcessedOnly {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemStore) MarkProcessed(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if e, ok := m.events[id]; ok {
			e.IsProcessed = true
		}
	}
	return nil
}

func (m *MemStore) PurgeEvents(_ context.Context, olderThan time.Time, processedOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.events {
		if e.Time.After(olderThan) {
			continue
		}
		if processedOnly && !e.IsProcessed {
			continue
		}
		delete(m.events, id)
		n++
	}
	return n, nil
}

func (m *MemStore) CreateSubscription(_ context.Context, s *model.EventSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subscriptions[s.ID] = &cp
	return nil
}

func (m *MemStore) RemoveSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, id)
	return nil
}

func (m *MemStore) GetSubscriptions(_ context.Context, eventName, eventKey string) ([]*model.EventSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.EventSubscription
	for _, s := range m.subscriptions {
		if s.EventName != eventName {
			continue
		}
		if s.EventKey != "" && s.EventKey != eventKey {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscribeAsOf.Before(out[j].SubscribeAsOf) })
	return out, nil
}

func (m *MemStore) AppendHistory(_ context.Context, h *model.ExecutionHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.history = append(m.history, &cp)
	return nil
}

func (m *MemStore) GetHistory(_ context.Context, instanceID string) ([]*model.ExecutionHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ExecutionHistoryEntry
	for _, h := range m.history {
		if h.WorkflowInstanceID == instanceID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) AppendError(_ context.Context, e *model.ExecutionError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.errs = append(m.errs, &cp)
	return nil
}

func (m *MemStore) GetErrors(_ context.Context, instanceID string) ([]*model.ExecutionError, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ExecutionError
	for _, e := range m.errs {
		if e.WorkflowInstanceID == instanceID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) Statistics(_ context.Context) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(StatusCounts)
	var totalDur time.Duration
	var completed int64
	for _, w := range m.instances {
		counts[w.Status]++
		if w.CompleteTime != nil {
			totalDur += w.CompleteTime.Sub(w.CreateTime)
			completed++
		}
	}
	stats := &Statistics{InstancesByStatus: counts, PerStepAvgDuration: map[string]time.Duration{}}
	if completed > 0 {
		stats.AvgExecutionTime = totalDur / time.Duration(completed)
	}
	return stats, nil
}

func (m *MemStore) PurgeWorkflows(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	var toDelete []string
	for id, w := range m.instances {
		if !w.Status.IsTerminal() {
			continue
		}
		if w.CompleteTime == nil || w.CompleteTime.After(olderThan) {
			continue
		}
		toDelete = append(toDelete, id)
	}
	m.mu.Unlock()

	for _, id := range toDelete {
		if err := m.DeleteInstance(context.Background(), id); err != nil {
			return 0, err
		}
	}

	// Also purge orphaned subscriptions with no owning pointer left
	// behind by any out-of-band pointer deletion.
	m.mu.Lock()
	for sid, s := range m.subscriptions {
		if _, ok := m.pointers[s.PointerID]; !ok {
			delete(m.subscriptions, sid)
		}
	}
	m.mu.Unlock()

	return int64(len(toDelete)), nil
}

func (m *MemStore) Optimize(_ context.Context) error { return nil }

func (m *MemStore) Ping(_ context.Context) error { return nil }

func (m *MemStore) Close() error { return nil }

func (m *MemStore) BeginTx(_ context.Context) (Tx, error) {
	return &memTx{m: m}, nil
}

// memTx buffers writes and applies them all at Commit, giving MemStore
// the same all-or-nothing semantics the relational backends get from a
// real SQL transaction.
type memTx struct {
	m    *MemStore
	ops  []func()
	done bool
}

func (t *memTx) CreateInstance(_ context.Context, w *model.WorkflowInstance) error {
	cp := *w
	t.ops = append(t.ops, func() {
		t.m.nextPID++
		cp.PersistenceID = t.m.nextPID
		t.m.instances[cp.ID] = &cp
	})
	return nil
}

func (t *memTx) UpdateInstance(_ context.Context, w *model.WorkflowInstance) error {
	cp := *w
	t.ops = append(t.ops, func() { t.m.instances[cp.ID] = &cp })
	return nil
}

func (t *memTx) CreatePointer(_ context.Context, p *model.ExecutionPointer) error {
	cp := *p
	t.ops = append(t.ops, func() { t.m.pointers[cp.ID] = &cp })
	return nil
}

func (t *memTx) CreatePointers(ctx context.Context, ps []*model.ExecutionPointer) error {
	for _, p := range ps {
		if err := t.CreatePointer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) UpdatePointer(_ context.Context, p *model.ExecutionPointer) error {
	cp := *p
	t.ops = append(t.ops, func() { t.m.pointers[cp.ID] = &cp })
	return nil
}

func (t *memTx) CreateHistory(_ context.Context, h *model.ExecutionHistoryEntry) error {
	cp := *h
	t.ops = append(t.ops, func() { t.m.history = append(t.m.history, &cp) })
	return nil
}

func (t *memTx) CreateSubscription(_ context.Context, s *model.EventSubscription) error {
	cp := *s
	t.ops = append(t.ops, func() { t.m.subscriptions[cp.ID] = &cp })
	return nil
}

func (t *memTx) RemoveSubscription(_ context.Context, id string) error {
	t.ops = append(t.ops, func() { delete(t.m.subscriptions, id) })
	return nil
}

func (t *memTx) GetSubscriptions(_ context.Context, eventName, eventKey string) ([]*model.EventSubscription, error) {
	// reads inside a transaction observe only the committed base: writes
	// buffered in this transaction are not visible until Commit applies
	// them.
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var out []*model.EventSubscription
	for _, s := range t.m.subscriptions {
		if s.EventName != eventName {
			continue
		}
		if s.EventKey != "" && s.EventKey != eventKey {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscribeAsOf.Before(out[j].SubscribeAsOf) })
	return out, nil
}

func (t *memTx) CreateEvent(_ context.Context, e *model.Event) error {
	cp := *e
	t.ops = append(t.ops, func() { t.m.events[cp.ID] = &cp })
	return nil
}

func (t *memTx) MarkProcessed(_ context.Context, ids []string) error {
	t.ops = append(t.ops, func() {
		for _, id := range ids {
			if e, ok := t.m.events[id]; ok {
				e.IsProcessed = true
			}
		}
	})
	return nil
}

func (t *memTx) CreateError(_ context.Context, e *model.ExecutionError) error {
	cp := *e
	t.ops = append(t.ops, func() { t.m.errs = append(t.m.errs, &cp) })
	return nil
}

func (t *memTx) GetPointer(_ context.Context, id string) (*model.ExecutionPointer, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	p, ok := t.m.pointers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.done = true
	t.ops = nil
	return nil
}
