// Package eventbus implements the Event Bus: transactional
// publish/subscribe matching over an outbox-style pending-event table,
// delivering a published event to every waiting subscription exactly
// once.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowhost/wfengine/model"
	"github.com/flowhost/wfengine/store"
)

// Bus is the concrete Event Bus implementation. It owns no state beyond
// a Store handle: correctness comes entirely from the Store's
// transactional atomic subset.
type Bus struct {
	store store.Store
	log   *zap.Logger
	clock func() time.Time
}

// Option configures a Bus via the functional-options pattern.
type Option func(*Bus)

// WithLogger overrides the zero-value no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) { b.clock = clock }
}

// New builds a Bus over s.
func New(s store.Store, opts ...Option) *Bus {
	b := &Bus{store: s, log: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish persists the event, finds every subscription that matches it
// (fan-out: an event resolves ALL matching subscriptions, not just the
// earliest), and for each one resolves its pointer from WaitingForEvent
// back to Pending, recording history and deleting the subscription, all
// inside one transaction so a crash mid-delivery never leaves a pointer
// orphaned waiting on an event that was already consumed.
func (b *Bus) Publish(ctx context.Context, name, key string, data map[string]any) (*model.Event, error) {
	now := b.clock()
	evt := &model.Event{
		ID:   uuid.NewString(),
		Name: name,
		Key:  key,
		Data: data,
		Time: now,
	}

	tx, err := b.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventbus: begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.CreateEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("eventbus: persist event: %w", err)
	}

	if err := tx.CreateHistory(ctx, &model.ExecutionHistoryEntry{
		ID:        uuid.NewString(),
		Kind:      model.HistoryEventPublished,
		EventTime: now,
		Message:   fmt.Sprintf("event %s (key=%s) published", evt.Name, evt.Key),
	}); err != nil {
		return nil, fmt.Errorf("eventbus: append publish history: %w", err)
	}

	subs, err := tx.GetSubscriptions(ctx, name, key)
	if err != nil {
		return nil, fmt.Errorf("eventbus: load subscriptions: %w", err)
	}

	resolved := 0
	for _, sub := range subs {
		if !sub.Matches(evt) {
			continue
		}
		if err := b.resolve(ctx, tx, sub, evt, now); err != nil {
			return nil, err
		}
		resolved++
	}

	if resolved > 0 {
		if err := tx.MarkProcessed(ctx, []string{evt.ID}); err != nil {
			return nil, fmt.Errorf("eventbus: mark processed: %w", err)
		}
		evt.IsProcessed = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("eventbus: commit publish: %w", err)
	}

	b.log.Info("event published",
		zap.String("event_id", evt.ID), zap.String("name", name), zap.String("key", key),
		zap.Int("subscriptions_resolved", resolved))
	return evt, nil
}

// resolve transitions sub's pointer out of WaitingForEvent, writes the
// matching event's data onto the pointer, appends EventReceived history,
// and removes the subscription — the per-subscription unit of work
// shared by Publish (which separately records one EventPublished entry
// for the event itself) and Subscribe's backlog scan.
func (b *Bus) resolve(ctx context.Context, tx store.Tx, sub *model.EventSubscription, evt *model.Event, now time.Time) error {
	ptr, err := tx.GetPointer(ctx, sub.PointerID)
	if err != nil {
		if err == store.ErrNotFound {
			// Pointer was already cancelled/compensated out from under
			// this subscription; drop the subscription and move on.
			return tx.RemoveSubscription(ctx, sub.ID)
		}
		return fmt.Errorf("eventbus: load pointer %s: %w", sub.PointerID, err)
	}

	ptr.Status = model.PointerPending
	ptr.EventName = ""
	ptr.EventKey = ""
	ptr.EventPublished = true
	ptr.EventData = evt.Data
	if err := tx.UpdatePointer(ctx, ptr); err != nil {
		return fmt.Errorf("eventbus: update pointer %s: %w", ptr.ID, err)
	}

	if err := tx.CreateHistory(ctx, &model.ExecutionHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID:  ptr.WorkflowInstanceID,
		PointerID:           ptr.ID,
		StepID:              ptr.StepID,
		StepName:            ptr.StepName,
		Kind:                model.HistoryEventReceived,
		EventTime:           now,
		Message:             fmt.Sprintf("event %s (key=%s) resolved subscription", evt.Name, evt.Key),
	}); err != nil {
		return fmt.Errorf("eventbus: append history: %w", err)
	}

	if err := tx.RemoveSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("eventbus: remove subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Subscribe persists the subscription, then scans for the earliest
// unprocessed backlog event that already matches it — a subscription
// created after a matching event was published must not miss it if the
// event is still in the backlog. At most one backlog event resolves the
// new subscription; if multiple match, ordering by event time picks the
// earliest (fan-out is a publish-time property, not a subscribe-time
// one).
func (b *Bus) Subscribe(ctx context.Context, sub *model.EventSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.SubscribeAsOf.IsZero() {
		sub.SubscribeAsOf = b.clock()
	}

	tx, err := b.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("eventbus: begin subscribe tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("eventbus: persist subscription: %w", err)
	}

	events, err := b.store.GetEvents(ctx, store.EventFilter{Name: sub.EventName, Key: sub.EventKey, ProcessedOnly: boolPtr(false)})
	if err != nil {
		return fmt.Errorf("eventbus: scan backlog: %w", err)
	}

	for _, evt := range events {
		if !sub.Matches(evt) {
			continue
		}
		if err := b.resolve(ctx, tx, sub, evt, b.clock()); err != nil {
			return err
		}
		if err := tx.MarkProcessed(ctx, []string{evt.ID}); err != nil {
			return fmt.Errorf("eventbus: mark processed: %w", err)
		}
		break // earliest-match-only: events is time-ordered
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("eventbus: commit subscribe: %w", err)
	}
	b.log.Debug("subscription registered",
		zap.String("subscription_id", sub.ID), zap.String("event_name", sub.EventName), zap.String("pointer_id", sub.PointerID))
	return nil
}

// Cancel removes a subscription without resolving it — used when a
// pointer is cancelled or compensated away while still waiting.
func (b *Bus) Cancel(ctx context.Context, subscriptionID string) error {
	if err := b.store.RemoveSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("eventbus: cancel subscription: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
